package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alimasry/go-collab-docs/ot"
	"github.com/alimasry/go-collab-docs/store"
)

// DefaultMaxParticipants bounds a session's active participants when
// Config.MaxParticipants is zero.
const DefaultMaxParticipants = 50

// Config tunes an Orchestrator. Zero values select defaults.
type Config struct {
	MaxParticipants int
	Engine          ot.Engine
	Logger          *slog.Logger
	Now             func() time.Time
	NewID           func() string
	// Locker serializes work per session and per document. Instances
	// sharing a Repository must share a Locker too. Defaults to an
	// in-process lock.
	Locker Locker
}

// AppliedFunc observes accepted operations. It runs while the session is
// still locked, so calls for one session arrive in version order.
type AppliedFunc func(ctx context.Context, sessionID string, a Applied)

// Orchestrator is the only writer of session history and document content.
// Calls on one session are serialized; calls on different sessions run in
// parallel.
type Orchestrator struct {
	repo            Repository
	docs            store.DocumentStore
	engine          ot.Engine
	maxParticipants int
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	locks           Locker

	listenersMu sync.RWMutex
	listeners   []AppliedFunc
}

// Applied is the outcome of an accepted operation, ready to broadcast.
type Applied struct {
	Operation ot.VersionedOperation `json:"operation"`
	Version   int                   `json:"version"`
	// Rebased is how many concurrent operations it was transformed over.
	Rebased int `json:"rebased"`
}

// State is a session together with the document text at its current version.
type State struct {
	Session *Session `json:"session"`
	Content string   `json:"content"`
}

func NewOrchestrator(repo Repository, docs store.DocumentStore, cfg Config) *Orchestrator {
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = DefaultMaxParticipants
	}
	if cfg.Engine == nil {
		cfg.Engine = &ot.JupiterEngine{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Locker == nil {
		cfg.Locker = newKeyedMutex()
	}
	return &Orchestrator{
		repo:            repo,
		docs:            docs,
		engine:          cfg.Engine,
		maxParticipants: cfg.MaxParticipants,
		logger:          cfg.Logger.With("component", "orchestrator"),
		now:             cfg.Now,
		newID:           cfg.NewID,
		locks:           cfg.Locker,
	}
}

// Create opens a session on documentID owned by ownerID. The document is
// created empty, owned by ownerID, if it does not exist yet.
func (o *Orchestrator) Create(ctx context.Context, documentID, ownerID string) (*Session, error) {
	if documentID == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: document and owner are required", ErrInvalidOperation)
	}
	unlock, err := o.locks.Lock(ctx, "document/"+documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := o.ensureDocument(ctx, documentID, ownerID)
	if err != nil {
		return nil, err
	}
	if !doc.HasPermission(ownerID, store.RoleEditor) {
		return nil, fmt.Errorf("%w: %q cannot edit document %q", ErrInsufficientPermission, ownerID, documentID)
	}

	if open, err := o.repo.ActiveForDocument(ctx, documentID); err == nil {
		return nil, fmt.Errorf("%w: session %q", ErrSessionExists, open.ID)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := o.now()
	sess := &Session{
		ID:         o.newID(),
		DocumentID: documentID,
		OwnerID:    ownerID,
		Participants: []Participant{{
			UserID:   ownerID,
			Role:     store.RoleOwner,
			Active:   true,
			JoinedAt: now,
		}},
		CurrentVersion: doc.Version,
		StartVersion:   doc.Version,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	activeSessions.Inc()
	o.logger.Info("session created",
		"session", sess.ID, "document", documentID, "owner", ownerID, "version", doc.Version)
	return sess, nil
}

func (o *Orchestrator) ensureDocument(ctx context.Context, documentID, ownerID string) (*store.Document, error) {
	doc, err := o.docs.Get(ctx, documentID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrDocumentNotFound) {
		return nil, err
	}
	err = o.docs.Create(ctx, documentID, "", store.Permissions{OwnerID: ownerID})
	if err != nil && !errors.Is(err, store.ErrDocumentExists) {
		return nil, err
	}
	return o.docs.Get(ctx, documentID)
}

// Get returns a copy of the session.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, error) {
	return o.repo.Get(ctx, sessionID)
}

// List returns every known session, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]*Session, error) {
	return o.repo.List(ctx)
}

// Join adds userID to the session with role, or reactivates their earlier
// record. The document must grant role to the user; the session owner may
// always rejoin.
func (o *Orchestrator) Join(ctx context.Context, sessionID, userID string, role store.Role) (*Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInsufficientPermission, role)
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return nil, fmt.Errorf("%w: session %q is %s", ErrSessionInactive, sessionID, sess.Status)
	}
	if userID != sess.OwnerID {
		doc, err := o.docs.Get(ctx, sess.DocumentID)
		if err != nil {
			return nil, err
		}
		if !doc.HasPermission(userID, role) {
			return nil, fmt.Errorf("%w: %q may not join as %s", ErrInsufficientPermission, userID, role)
		}
	}

	now := o.now()
	p, known := sess.Participant(userID)
	switch {
	case known && p.Active:
		p.Role = role
	case sess.ActiveParticipants() >= o.maxParticipants:
		return nil, fmt.Errorf("%w: %d active participants", ErrSessionFull, sess.ActiveParticipants())
	case known:
		p.Role = role
		p.Active = true
		p.JoinedAt = now
		p.LeftAt = nil
	default:
		sess.Participants = append(sess.Participants, Participant{
			UserID:   userID,
			Role:     role,
			Active:   true,
			JoinedAt: now,
		})
	}
	sess.UpdatedAt = now
	if err := o.repo.Update(ctx, sess); err != nil {
		return nil, err
	}
	o.logger.Info("participant joined", "session", sessionID, "user", userID, "role", role)
	return sess, nil
}

// Leave marks userID inactive. When the owner leaves and nobody else is
// present, the session ends.
func (o *Orchestrator) Leave(ctx context.Context, sessionID, userID string) (*Session, error) {
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, ok := sess.Participant(userID)
	if !ok || !p.Active {
		return nil, fmt.Errorf("%w: %q in session %q", ErrNotAParticipant, userID, sessionID)
	}
	now := o.now()
	p.Active = false
	p.LeftAt = &now
	sess.UpdatedAt = now

	ended := false
	if userID == sess.OwnerID && sess.ActiveParticipants() == 0 && sess.Status.Open() {
		if err := sess.transition(StatusEnded, now); err != nil {
			return nil, err
		}
		ended = true
	}
	if err := o.repo.Update(ctx, sess); err != nil {
		return nil, err
	}
	if ended {
		activeSessions.Dec()
		if _, err := o.syncDocument(ctx, sess); err != nil {
			o.logger.Warn("document not caught up at session close", "session", sessionID, "error", err)
		}
	}
	o.logger.Info("participant left", "session", sessionID, "user", userID, "ended", ended)
	return sess, nil
}

// ApplyOperation rebases op, composed by userID against baseVersion, over
// everything accepted since, applies it to the document and records it as
// the next version. Refusals are *RejectionError values and leave history
// unchanged.
func (o *Orchestrator) ApplyOperation(ctx context.Context, sessionID, userID string, op ot.Operation, baseVersion int) (*Applied, error) {
	ctx, span := tracer.Start(ctx, "session.ApplyOperation", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("op.kind", op.Kind.String()),
		attribute.Int("op.base_version", baseVersion),
	))
	defer span.End()
	start := time.Now()

	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session lookup failed")
		return nil, err
	}

	applied, err := o.apply(ctx, sess, userID, op, baseVersion)
	if err != nil {
		code := Code(err)
		opsRejected.WithLabelValues(code).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		o.logger.Debug("operation rejected",
			"session", sessionID, "user", userID, "op", op.String(),
			"base_version", baseVersion, "current_version", sess.CurrentVersion, "error", err)
		return nil, reject(err, sess.CurrentVersion)
	}

	applyLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("op.version", applied.Version),
		attribute.Int("op.rebased", applied.Rebased),
	)
	return applied, nil
}

// authorizeEdit checks that userID may submit edits to sess right now.
func authorizeEdit(sess *Session, userID string) error {
	if sess.Status != StatusActive {
		return fmt.Errorf("%w: session %q is %s", ErrSessionInactive, sess.ID, sess.Status)
	}
	p, ok := sess.Participant(userID)
	if !ok || !p.Active {
		return fmt.Errorf("%w: %q in session %q", ErrNotAParticipant, userID, sess.ID)
	}
	if !p.Role.CanEdit() {
		return fmt.Errorf("%w: %s cannot edit", ErrInsufficientPermission, p.Role)
	}
	return nil
}

// apply runs one operation through rebase, validation and persistence.
// The caller holds the session lock. On success sess.CurrentVersion is
// advanced to match the repository.
func (o *Orchestrator) apply(ctx context.Context, sess *Session, userID string, op ot.Operation, baseVersion int) (*Applied, error) {
	if err := authorizeEdit(sess, userID); err != nil {
		return nil, err
	}
	if baseVersion < sess.StartVersion || baseVersion > sess.CurrentVersion {
		return nil, fmt.Errorf("%w: base version %d outside [%d, %d]",
			ErrInvalidOperation, baseVersion, sess.StartVersion, sess.CurrentVersion)
	}
	// Only the op's own shape is checked here. Bounds depend on the text at
	// baseVersion, which is not kept, so they are checked by ot.Apply
	// against the current text once the op has been rebased.
	if err := ot.ValidateShape(op); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	pending, err := o.repo.OperationsSince(ctx, sess.ID, baseVersion)
	if err != nil {
		return nil, err
	}
	incoming := ot.VersionedOperation{
		Operation:   op,
		AuthorID:    userID,
		Timestamp:   o.now(),
		BaseVersion: baseVersion,
	}
	rebased, err := o.engine.TransformIncoming(incoming, pending)
	if err != nil {
		return nil, fmt.Errorf("%w: rebase: %w", ErrInvalidOperation, err)
	}

	doc, err := o.syncDocument(ctx, sess)
	if err != nil {
		return nil, err
	}
	content, err := ot.Apply(doc.Content, rebased.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	// History is written first and is authoritative. A document that falls
	// behind is replayed forward by syncDocument on the next access.
	version := sess.CurrentVersion + 1
	rebased.Version = version
	if err := o.repo.AppendOperation(ctx, sess.ID, rebased); err != nil {
		return nil, err
	}
	sess.CurrentVersion = version
	sess.UpdatedAt = rebased.Timestamp
	if err := o.writeDocument(ctx, doc.ID, content, userID, version); err != nil {
		o.logger.Warn("document behind session history",
			"session", sess.ID, "document", doc.ID, "version", version, "error", err)
	}

	opsApplied.WithLabelValues(rebased.Kind.String()).Inc()
	rebaseDepth.Observe(float64(len(pending)))
	o.logger.Debug("operation applied",
		"session", sess.ID, "user", userID, "op", rebased.Operation.String(),
		"base_version", baseVersion, "version", version, "rebased", len(pending))
	applied := Applied{Operation: rebased, Version: version, Rebased: len(pending)}
	o.notify(ctx, sess.ID, applied)
	return &applied, nil
}

// writeDocument stores content as version of the document.
func (o *Orchestrator) writeDocument(ctx context.Context, documentID, content, userID string, version int) error {
	got, err := o.docs.UpdateContent(ctx, documentID, content, userID)
	if err != nil {
		return err
	}
	if got != version {
		return fmt.Errorf("%w: document %q moved to version %d, want %d",
			ErrVersionConflict, documentID, got, version)
	}
	return nil
}

// syncDocument returns the document at sess.CurrentVersion, replaying
// recorded operations onto it when an earlier write did not land. A
// document ahead of the session, or behind where the session started, was
// edited elsewhere and is reported as a version conflict.
func (o *Orchestrator) syncDocument(ctx context.Context, sess *Session) (*store.Document, error) {
	doc, err := o.docs.Get(ctx, sess.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Version == sess.CurrentVersion {
		return doc, nil
	}
	if doc.Version > sess.CurrentVersion || doc.Version < sess.StartVersion {
		return nil, fmt.Errorf("%w: document %q at version %d, session at %d",
			ErrVersionConflict, doc.ID, doc.Version, sess.CurrentVersion)
	}

	missing, err := o.repo.OperationsSince(ctx, sess.ID, doc.Version)
	if err != nil {
		return nil, err
	}
	content := doc.Content
	for _, op := range missing {
		if content, err = ot.Apply(content, op.Operation); err != nil {
			return nil, fmt.Errorf("%w: replaying version %d onto document %q: %v",
				ErrVersionConflict, op.Version, doc.ID, err)
		}
		if err := o.writeDocument(ctx, doc.ID, content, op.AuthorID, op.Version); err != nil {
			return nil, err
		}
	}
	o.logger.Info("document caught up with session history",
		"session", sess.ID, "document", doc.ID, "from", doc.Version, "to", sess.CurrentVersion)
	return o.docs.Get(ctx, sess.DocumentID)
}

// OnApplied registers fn to observe every accepted operation, including
// those submitted by RestoreSnapshot. fn must not call back into the
// Orchestrator for the same session.
func (o *Orchestrator) OnApplied(fn AppliedFunc) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) notify(ctx context.Context, sessionID string, a Applied) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, fn := range o.listeners {
		fn(ctx, sessionID, a)
	}
}

// History returns up to limit accepted operations, newest first.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]ot.VersionedOperation, error) {
	return o.repo.RecentOperations(ctx, sessionID, limit)
}

// State returns the session and the document text at its current version.
func (o *Orchestrator) State(ctx context.Context, sessionID string) (*State, error) {
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	doc, err := o.syncDocument(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &State{Session: sess, Content: doc.Content}, nil
}

// CreateSnapshot records the document's current content. Only active
// owners and editors may take snapshots.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, sessionID, userID string) (store.Snapshot, error) {
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if !sess.Status.Open() {
		return store.Snapshot{}, fmt.Errorf("%w: session %q is %s", ErrSessionInactive, sessionID, sess.Status)
	}
	p, ok := sess.Participant(userID)
	if !ok || !p.Active {
		return store.Snapshot{}, fmt.Errorf("%w: %q in session %q", ErrNotAParticipant, userID, sessionID)
	}
	if !p.Role.CanEdit() {
		return store.Snapshot{}, fmt.Errorf("%w: %s cannot snapshot", ErrInsufficientPermission, p.Role)
	}
	if _, err := o.syncDocument(ctx, sess); err != nil {
		return store.Snapshot{}, err
	}
	snap, err := o.docs.CreateSnapshot(ctx, sess.DocumentID, userID)
	if err != nil {
		return store.Snapshot{}, err
	}
	o.logger.Info("snapshot created", "session", sessionID, "document", sess.DocumentID, "version", snap.Version)
	return snap, nil
}

// RestoreSnapshot brings the document back to the content of the snapshot
// taken at version. The change is submitted as ordinary operations, so the
// version moves forward and other participants receive the edits.
func (o *Orchestrator) RestoreSnapshot(ctx context.Context, sessionID, userID string, version int) ([]Applied, error) {
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeEdit(sess, userID); err != nil {
		return nil, reject(err, sess.CurrentVersion)
	}
	doc, err := o.syncDocument(ctx, sess)
	if err != nil {
		return nil, reject(err, sess.CurrentVersion)
	}
	snap, ok := doc.FindSnapshot(version)
	if !ok {
		return nil, reject(fmt.Errorf("%w: version %d of document %q",
			store.ErrSnapshotNotFound, version, doc.ID), sess.CurrentVersion)
	}

	var result []Applied
	for _, op := range ot.Diff(doc.Content, snap.Content) {
		a, err := o.apply(ctx, sess, userID, op, sess.CurrentVersion)
		if err != nil {
			return result, reject(err, sess.CurrentVersion)
		}
		result = append(result, *a)
	}
	o.logger.Info("snapshot restored",
		"session", sessionID, "snapshot", version, "operations", len(result), "version", sess.CurrentVersion)
	return result, nil
}

// Pause stops edits until Resume. Owner only.
func (o *Orchestrator) Pause(ctx context.Context, sessionID, userID string) (*Session, error) {
	return o.changeStatus(ctx, sessionID, userID, StatusPaused)
}

// Resume reopens a paused session. Owner only.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, userID string) (*Session, error) {
	return o.changeStatus(ctx, sessionID, userID, StatusActive)
}

// End closes the session for good. Owner only.
func (o *Orchestrator) End(ctx context.Context, sessionID, userID string) (*Session, error) {
	return o.changeStatus(ctx, sessionID, userID, StatusEnded)
}

// Archive retires an ended session. Owner only.
func (o *Orchestrator) Archive(ctx context.Context, sessionID, userID string) (*Session, error) {
	return o.changeStatus(ctx, sessionID, userID, StatusArchived)
}

func (o *Orchestrator) changeStatus(ctx context.Context, sessionID, userID string, next Status) (*Session, error) {
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID != sess.OwnerID {
		return nil, fmt.Errorf("%w: only the owner may set status %s", ErrInsufficientPermission, next)
	}

	wasOpen := sess.Status.Open()
	now := o.now()
	if err := sess.transition(next, now); err != nil {
		if next == StatusPaused && sess.Status != StatusActive {
			return nil, fmt.Errorf("%w: %w", ErrSessionInactive, err)
		}
		return nil, err
	}
	if next == StatusEnded {
		for i := range sess.Participants {
			if p := &sess.Participants[i]; p.Active {
				p.Active = false
				p.LeftAt = &now
			}
		}
	}
	if err := o.repo.Update(ctx, sess); err != nil {
		return nil, err
	}
	if wasOpen && !sess.Status.Open() {
		activeSessions.Dec()
		if _, err := o.syncDocument(ctx, sess); err != nil {
			o.logger.Warn("document not caught up at session close", "session", sessionID, "error", err)
		}
	}
	o.logger.Info("session status changed", "session", sessionID, "status", next, "by", userID)
	return sess, nil
}
