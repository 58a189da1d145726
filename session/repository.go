package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alimasry/go-collab-docs/ot"
)

// Repository persists sessions and their operation history. Returned
// sessions are copies; callers change stored state only through Update and
// AppendOperation.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	// AppendOperation records op and advances the session's CurrentVersion.
	// op.Version must be exactly CurrentVersion+1.
	AppendOperation(ctx context.Context, id string, op ot.VersionedOperation) error
	// OperationsSince returns every operation with a version greater than
	// version, in version order.
	OperationsSince(ctx context.Context, id string, version int) ([]ot.VersionedOperation, error)
	// RecentOperations returns up to limit operations, newest first.
	// A limit <= 0 returns the whole history.
	RecentOperations(ctx context.Context, id string, limit int) ([]ot.VersionedOperation, error)
	List(ctx context.Context) ([]*Session, error)
	// ActiveForDocument returns the open (active or paused) session on
	// documentID, or ErrSessionNotFound.
	ActiveForDocument(ctx context.Context, documentID string) (*Session, error)
}

func sessionNotFound(id string) error {
	return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
}

func checkNextVersion(s *Session, op ot.VersionedOperation) error {
	if op.Version != s.CurrentVersion+1 {
		return fmt.Errorf("%w: session %q at version %d cannot append version %d",
			ErrVersionConflict, s.ID, s.CurrentVersion, op.Version)
	}
	return nil
}

type memoryEntry struct {
	session *Session
	history []ot.VersionedOperation
}

// MemoryRepository keeps sessions in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*memoryEntry)}
}

func (r *MemoryRepository) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	r.sessions[s.ID] = &memoryEntry{session: s.Clone()}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return e.session.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[s.ID]
	if !ok {
		return sessionNotFound(s.ID)
	}
	if s.CurrentVersion != e.session.CurrentVersion {
		return fmt.Errorf("%w: update of %q would move version %d to %d",
			ErrVersionConflict, s.ID, e.session.CurrentVersion, s.CurrentVersion)
	}
	e.session = s.Clone()
	return nil
}

func (r *MemoryRepository) AppendOperation(_ context.Context, id string, op ot.VersionedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return sessionNotFound(id)
	}
	if err := checkNextVersion(e.session, op); err != nil {
		return err
	}
	e.history = append(e.history, op)
	e.session.CurrentVersion = op.Version
	e.session.UpdatedAt = op.Timestamp
	return nil
}

func (r *MemoryRepository) OperationsSince(_ context.Context, id string, version int) ([]ot.VersionedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	i := sort.Search(len(e.history), func(i int) bool { return e.history[i].Version > version })
	return append([]ot.VersionedOperation(nil), e.history[i:]...), nil
}

func (r *MemoryRepository) RecentOperations(_ context.Context, id string, limit int) ([]ot.VersionedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ot.VersionedOperation, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, e.history[i])
	}
	return result, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		result = append(result, e.session.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) ActiveForDocument(_ context.Context, documentID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.sessions {
		if e.session.DocumentID == documentID && e.session.Status.Open() {
			return e.session.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no open session on document %q", ErrSessionNotFound, documentID)
}
