package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-docs/ot"
	"github.com/alimasry/go-collab-docs/store"
)

type fixture struct {
	orch *Orchestrator
	docs *store.MemoryStore
	repo *MemoryRepository
}

// newFixture returns an orchestrator over a document "doc1" containing
// content, owned by alice, with bob as editor and carol as viewer.
func newFixture(t *testing.T, content string, cfg Config) *fixture {
	t.Helper()
	docs := store.NewMemoryStore()
	perms := store.Permissions{OwnerID: "alice"}.
		Grant("bob", store.RoleEditor).
		Grant("carol", store.RoleViewer)
	require.NoError(t, docs.Create(context.Background(), "doc1", content, perms))
	repo := NewMemoryRepository()
	return &fixture{orch: NewOrchestrator(repo, docs, cfg), docs: docs, repo: repo}
}

func (f *fixture) start(t *testing.T, joiners ...string) *Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.orch.Create(ctx, "doc1", "alice")
	require.NoError(t, err)
	roles := map[string]store.Role{"bob": store.RoleEditor, "carol": store.RoleViewer}
	for _, user := range joiners {
		_, err := f.orch.Join(ctx, sess.ID, user, roles[user])
		require.NoError(t, err)
	}
	return sess
}

func (f *fixture) content(t *testing.T) string {
	t.Helper()
	doc, err := f.docs.Get(context.Background(), "doc1")
	require.NoError(t, err)
	return doc.Content
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("starts at document version", func(t *testing.T) {
		f := newFixture(t, "hello", Config{})
		_, err := f.docs.UpdateContent(ctx, "doc1", "hello!", "alice")
		require.NoError(t, err)

		sess, err := f.orch.Create(ctx, "doc1", "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sess.Status)
		assert.Equal(t, 1, sess.CurrentVersion)
		assert.Equal(t, 1, sess.StartVersion)
		require.Len(t, sess.Participants, 1)
		assert.Equal(t, store.RoleOwner, sess.Participants[0].Role)
	})

	t.Run("creates missing document", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess, err := f.orch.Create(ctx, "fresh", "dave")
		require.NoError(t, err)

		doc, err := f.docs.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "dave", doc.Permissions.OwnerID)
		assert.Equal(t, 0, sess.CurrentVersion)
	})

	t.Run("one open session per document", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		first := f.start(t)
		_, err := f.orch.Create(ctx, "doc1", "bob")
		assert.ErrorIs(t, err, ErrSessionExists)

		_, err = f.orch.End(ctx, first.ID, "alice")
		require.NoError(t, err)
		_, err = f.orch.Create(ctx, "doc1", "bob")
		assert.NoError(t, err)
	})

	t.Run("viewer cannot open", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		_, err := f.orch.Create(ctx, "doc1", "carol")
		assert.ErrorIs(t, err, ErrInsufficientPermission)
	})
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		_, err := f.orch.Join(ctx, "nope", "bob", store.RoleEditor)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("role beyond document permission", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t)
		_, err := f.orch.Join(ctx, sess.ID, "carol", store.RoleEditor)
		assert.ErrorIs(t, err, ErrInsufficientPermission)
		_, err = f.orch.Join(ctx, sess.ID, "mallory", store.RoleViewer)
		assert.ErrorIs(t, err, ErrInsufficientPermission)
	})

	t.Run("paused session", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t)
		_, err := f.orch.Pause(ctx, sess.ID, "alice")
		require.NoError(t, err)
		_, err = f.orch.Join(ctx, sess.ID, "bob", store.RoleEditor)
		assert.ErrorIs(t, err, ErrSessionInactive)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t, "", Config{MaxParticipants: 2})
		sess := f.start(t, "bob")
		_, err := f.orch.Join(ctx, sess.ID, "carol", store.RoleViewer)
		assert.ErrorIs(t, err, ErrSessionFull)

		// Someone already present can still change role.
		_, err = f.orch.Join(ctx, sess.ID, "bob", store.RoleViewer)
		assert.NoError(t, err)
	})

	t.Run("rejoin reactivates record", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t, "bob")
		left, err := f.orch.Leave(ctx, sess.ID, "bob")
		require.NoError(t, err)
		p, _ := left.Participant("bob")
		require.NotNil(t, p.LeftAt)
		assert.False(t, p.Active)

		got, err := f.orch.Join(ctx, sess.ID, "bob", store.RoleEditor)
		require.NoError(t, err)
		assert.Len(t, got.Participants, 2)
		p, _ = got.Participant("bob")
		assert.True(t, p.Active)
		assert.Nil(t, p.LeftAt)
	})
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("not a participant", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t)
		_, err := f.orch.Leave(ctx, sess.ID, "bob")
		assert.ErrorIs(t, err, ErrNotAParticipant)
	})

	t.Run("owner leaving alone ends session", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t)
		got, err := f.orch.Leave(ctx, sess.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusEnded, got.Status)
	})

	t.Run("owner leaving with others keeps session", func(t *testing.T) {
		f := newFixture(t, "", Config{})
		sess := f.start(t, "bob")
		got, err := f.orch.Leave(ctx, sess.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)

		// Once the last one goes, the owner is already gone.
		got, err = f.orch.Leave(ctx, sess.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
	})
}

func TestApplyOperation_VersionMonotonicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Config{})
	sess := f.start(t, "bob")

	const n = 10
	for i := 0; i < n; i++ {
		user := []string{"alice", "bob"}[i%2]
		applied, err := f.orch.ApplyOperation(ctx, sess.ID, user, ot.NewInsert(i, "x"), i)
		require.NoError(t, err)
		assert.Equal(t, i+1, applied.Version)
		assert.Equal(t, user, applied.Operation.AuthorID)
	}

	got, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.CurrentVersion)

	history, err := f.orch.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, op := range history {
		assert.Equal(t, n-i, op.Version, "history is newest first with no gaps")
	}

	doc, err := f.docs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, n, doc.Version)
	assert.Equal(t, "xxxxxxxxxx", doc.Content)
}

func TestApplyOperation_RebaseScenario(t *testing.T) {
	ctx := context.Background()
	insert := ot.NewInsert(5, "!")
	del := ot.NewDelete(0, 1)

	orders := []struct {
		name  string
		first string
	}{
		{"insert accepted first", "alice"},
		{"delete accepted first", "bob"},
	}
	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "hello", Config{})
			sess := f.start(t, "bob")

			ops := map[string]ot.Operation{"alice": insert, "bob": del}
			second := "bob"
			if tt.first == "bob" {
				second = "alice"
			}

			_, err := f.orch.ApplyOperation(ctx, sess.ID, tt.first, ops[tt.first], 0)
			require.NoError(t, err)
			applied, err := f.orch.ApplyOperation(ctx, sess.ID, second, ops[second], 0)
			require.NoError(t, err)

			assert.Equal(t, 2, applied.Version)
			assert.Equal(t, 1, applied.Rebased)
			assert.Equal(t, "ello!", f.content(t))
		})
	}
}

func TestApplyOperation_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		user    string
		op      ot.Operation
		base    int
		prepare func(t *testing.T, f *fixture, sessionID string)
		wantErr error
	}{
		{
			name:    "viewer",
			user:    "carol",
			op:      ot.NewInsert(0, "x"),
			wantErr: ErrInsufficientPermission,
		},
		{
			name:    "not joined",
			user:    "dave",
			op:      ot.NewInsert(0, "x"),
			wantErr: ErrNotAParticipant,
		},
		{
			name:    "delete exceeding length",
			user:    "bob",
			op:      ot.NewDelete(3, 10),
			wantErr: ot.ErrDeleteOutOfBounds,
		},
		{
			name:    "insert past end",
			user:    "bob",
			op:      ot.NewInsert(6, "x"),
			wantErr: ot.ErrInvalidPosition,
		},
		{
			name:    "negative length",
			user:    "bob",
			op:      ot.NewDelete(0, -1),
			wantErr: ErrInvalidOperation,
		},
		{
			name:    "future base version",
			user:    "bob",
			op:      ot.NewInsert(0, "x"),
			base:    4,
			wantErr: ErrInvalidOperation,
		},
		{
			name: "paused session",
			user: "bob",
			op:   ot.NewInsert(0, "x"),
			prepare: func(t *testing.T, f *fixture, sessionID string) {
				_, err := f.orch.Pause(context.Background(), sessionID, "alice")
				require.NoError(t, err)
			},
			wantErr: ErrSessionInactive,
		},
		{
			name: "document edited outside the session",
			user: "bob",
			op:   ot.NewInsert(0, "x"),
			prepare: func(t *testing.T, f *fixture, _ string) {
				_, err := f.docs.UpdateContent(context.Background(), "doc1", "other", "mallory")
				require.NoError(t, err)
			},
			wantErr: ErrVersionConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "hello", Config{})
			sess := f.start(t, "bob", "carol")
			if tt.prepare != nil {
				tt.prepare(t, f, sess.ID)
			}

			_, err := f.orch.ApplyOperation(ctx, sess.ID, tt.user, tt.op, tt.base)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var rej *RejectionError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, 0, rej.CurrentVersion)

			history, err := f.orch.History(ctx, sess.ID, 0)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestApplyOperation_UnknownSession(t *testing.T) {
	f := newFixture(t, "", Config{})
	_, err := f.orch.ApplyOperation(context.Background(), "nope", "alice", ot.NewInsert(0, "x"), 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestApplyOperation_StaleClientsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "abc", Config{})
	sess := f.start(t, "bob")

	// Both clients saw version 0 and edit concurrently.
	_, err := f.orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(0, "X"), 0)
	require.NoError(t, err)
	_, err = f.orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(4, "Y"), 1)
	require.NoError(t, err)
	applied, err := f.orch.ApplyOperation(ctx, sess.ID, "bob", ot.NewDelete(1, 1), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, applied.Rebased)
	assert.Equal(t, ot.NewDelete(2, 1), applied.Operation.Operation)
	assert.Equal(t, "XacY", f.content(t))
}

func TestApplyOperation_ConcurrentSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Config{})
	sess := f.start(t, "bob")

	const perUser = 25
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				// Every submission claims the session's starting version, so
				// the orchestrator has to rebase it over everything accepted.
				if _, err := f.orch.ApplyOperation(ctx, sess.ID, user, ot.NewInsert(0, user[:1]), 0); err != nil {
					t.Error(err)
				}
			}
		}(user)
	}
	wg.Wait()

	got, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*perUser, got.CurrentVersion)

	history, err := f.orch.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2*perUser)

	content := f.content(t)
	assert.Len(t, content, 2*perUser)
}

func TestApplyOperation_SessionsRunIndependently(t *testing.T) {
	ctx := context.Background()
	docs := store.NewMemoryStore()
	orch := NewOrchestrator(NewMemoryRepository(), docs, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		sess, err := orch.Create(ctx, fmt.Sprintf("doc%d", i), "alice")
		require.NoError(t, err)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for v := 0; v < 10; v++ {
				if _, err := orch.ApplyOperation(ctx, id, "alice", ot.NewInsert(v, "z"), v); err != nil {
					t.Error(err)
				}
			}
		}(sess.ID)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		doc, err := docs.Get(ctx, fmt.Sprintf("doc%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, doc.Version)
	}
}

func TestVersionContinuityAcrossSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Config{})

	first := f.start(t)
	for v := 0; v < 3; v++ {
		_, err := f.orch.ApplyOperation(ctx, first.ID, "alice", ot.NewInsert(0, "a"), v)
		require.NoError(t, err)
	}
	_, err := f.orch.End(ctx, first.ID, "alice")
	require.NoError(t, err)

	second, err := f.orch.Create(ctx, "doc1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, second.StartVersion)

	// The old base is outside this session's history.
	_, err = f.orch.ApplyOperation(ctx, second.ID, "alice", ot.NewInsert(0, "b"), 1)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	applied, err := f.orch.ApplyOperation(ctx, second.ID, "alice", ot.NewInsert(0, "b"), 3)
	require.NoError(t, err)
	assert.Equal(t, 4, applied.Version)
	assert.Equal(t, "baaa", f.content(t))
}

func TestState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "hi", Config{})
	sess := f.start(t)
	_, err := f.orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(2, "!"), 0)
	require.NoError(t, err)

	state, err := f.orch.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi!", state.Content)
	assert.Equal(t, 1, state.Session.CurrentVersion)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("viewer cannot snapshot", func(t *testing.T) {
		f := newFixture(t, "hello", Config{})
		sess := f.start(t, "carol")
		_, err := f.orch.CreateSnapshot(ctx, sess.ID, "carol")
		assert.ErrorIs(t, err, ErrInsufficientPermission)
	})

	t.Run("restore applies a forward edit", func(t *testing.T) {
		f := newFixture(t, "hello world", Config{})
		sess := f.start(t, "bob")

		snap, err := f.orch.CreateSnapshot(ctx, sess.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Version)

		_, err = f.orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewDelete(5, 6), 0)
		require.NoError(t, err)
		_, err = f.orch.ApplyOperation(ctx, sess.ID, "bob", ot.NewInsert(5, ", there"), 1)
		require.NoError(t, err)
		require.Equal(t, "hello, there", f.content(t))

		applied, err := f.orch.RestoreSnapshot(ctx, sess.ID, "bob", 0)
		require.NoError(t, err)
		require.NotEmpty(t, applied)
		assert.Equal(t, "hello world", f.content(t))

		got, err := f.orch.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2+len(applied), got.CurrentVersion)
		assert.Equal(t, got.CurrentVersion, applied[len(applied)-1].Version)
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		f := newFixture(t, "hello", Config{})
		sess := f.start(t)
		_, err := f.orch.RestoreSnapshot(ctx, sess.ID, "alice", 9)
		assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	})

	t.Run("viewer cannot restore", func(t *testing.T) {
		f := newFixture(t, "hello", Config{})
		sess := f.start(t, "carol")
		_, err := f.orch.CreateSnapshot(ctx, sess.ID, "alice")
		require.NoError(t, err)
		_, err = f.orch.RestoreSnapshot(ctx, sess.ID, "carol", 0)
		assert.ErrorIs(t, err, ErrInsufficientPermission)
	})
}

func TestStatusChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Config{})
	sess := f.start(t, "bob")

	_, err := f.orch.Pause(ctx, sess.ID, "bob")
	assert.ErrorIs(t, err, ErrInsufficientPermission)

	_, err = f.orch.Archive(ctx, sess.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.orch.Pause(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	_, err = f.orch.Pause(ctx, sess.ID, "alice")
	assert.ErrorIs(t, err, ErrSessionInactive)

	got, err = f.orch.Resume(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	got, err = f.orch.End(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.Zero(t, got.ActiveParticipants())

	_, err = f.orch.Resume(ctx, sess.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = f.orch.Archive(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
}

func TestOnApplied_SeesVersionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", Config{})
	sess := f.start(t, "bob")

	var mu sync.Mutex
	var versions []int
	f.orch.OnApplied(func(_ context.Context, sessionID string, a Applied) {
		assert.Equal(t, sess.ID, sessionID)
		mu.Lock()
		versions = append(versions, a.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := f.orch.ApplyOperation(ctx, sess.ID, user, ot.NewInsert(0, user[:1]), 0); err != nil {
					t.Error(err)
				}
			}
		}(user)
	}
	wg.Wait()

	require.Len(t, versions, 40)
	for i, v := range versions {
		assert.Equal(t, i+1, v)
	}

	_, err := f.orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewDelete(0, 100), 40)
	require.Error(t, err)
	assert.Len(t, versions, 40, "rejected operations are not reported")
}

// flakyDocs fails the next failures content updates.
type flakyDocs struct {
	store.DocumentStore
	failures int
}

func (d *flakyDocs) UpdateContent(ctx context.Context, id, content, editorID string) (int, error) {
	if d.failures > 0 {
		d.failures--
		return 0, errors.New("write timeout")
	}
	return d.DocumentStore.UpdateContent(ctx, id, content, editorID)
}

func TestApplyOperation_DocumentCatchesUpWithHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Create(ctx, "doc1", "ab", store.Permissions{OwnerID: "alice"}))
	docs := &flakyDocs{DocumentStore: mem}
	orch := NewOrchestrator(NewMemoryRepository(), docs, Config{})

	sess, err := orch.Create(ctx, "doc1", "alice")
	require.NoError(t, err)

	docs.failures = 1
	applied, err := orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(2, "c"), 0)
	require.NoError(t, err, "history is the record; a lagging document is repaired later")
	assert.Equal(t, 1, applied.Version)

	doc, err := mem.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Version)

	_, err = orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(3, "d"), 1)
	require.NoError(t, err)

	state, err := orch.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "abcd", state.Content)
	assert.Equal(t, 2, state.Session.CurrentVersion)

	doc, err = mem.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

// failingHistory fails the next history append.
type failingHistory struct {
	Repository
	fail bool
}

func (r *failingHistory) AppendOperation(ctx context.Context, id string, op ot.VersionedOperation) error {
	if r.fail {
		r.fail = false
		return errors.New("disk full")
	}
	return r.Repository.AppendOperation(ctx, id, op)
}

func TestApplyOperation_FailedAppendLeavesDocument(t *testing.T) {
	ctx := context.Background()
	docs := store.NewMemoryStore()
	require.NoError(t, docs.Create(ctx, "doc1", "ab", store.Permissions{OwnerID: "alice"}))
	repo := &failingHistory{Repository: NewMemoryRepository()}
	orch := NewOrchestrator(repo, docs, Config{})

	sess, err := orch.Create(ctx, "doc1", "alice")
	require.NoError(t, err)

	repo.fail = true
	_, err = orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(0, "x"), 0)
	require.Error(t, err)
	v, ok := CurrentVersion(err)
	require.True(t, ok)
	assert.Equal(t, 0, v)

	doc, err := docs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ab", doc.Content)
	assert.Equal(t, 0, doc.Version)

	// The session is not wedged.
	applied, err := orch.ApplyOperation(ctx, sess.ID, "alice", ot.NewInsert(0, "y"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, applied.Version)
	doc, err = docs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "yab", doc.Content)
}

func TestOrchestrator_BadgerRestartKeepsVersionsInStep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() (*badger.DB, *Orchestrator) {
		db, err := store.OpenBadger(store.BadgerConfig{Path: dir})
		require.NoError(t, err)
		return db, NewOrchestrator(NewBadgerRepository(db), store.NewBadgerStore(db), Config{})
	}

	db, orch := open()
	docs := store.NewBadgerStore(db)
	perms := store.Permissions{OwnerID: "alice"}.Grant("bob", store.RoleEditor)
	require.NoError(t, docs.Create(ctx, "doc1", "hello", perms))
	sess, err := orch.Create(ctx, "doc1", "alice")
	require.NoError(t, err)
	_, err = orch.Join(ctx, sess.ID, "bob", store.RoleEditor)
	require.NoError(t, err)
	for i, op := range []ot.Operation{ot.NewInsert(5, " world"), ot.NewInsert(0, ">"), ot.NewDelete(0, 1)} {
		_, err := orch.ApplyOperation(ctx, sess.ID, "bob", op, i)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db, orch = open()
	t.Cleanup(func() { db.Close() })

	got, err := orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	doc, err := store.NewBadgerStore(db).Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentVersion)
	assert.Equal(t, got.CurrentVersion, doc.Version)
	assert.Equal(t, "hello world", doc.Content)

	applied, err := orch.ApplyOperation(ctx, sess.ID, "bob", ot.NewInsert(11, "!"), 3)
	require.NoError(t, err)
	assert.Equal(t, 4, applied.Version)

	state, err := orch.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", state.Content)

	_, err = orch.Create(ctx, "doc1", "alice")
	assert.ErrorIs(t, err, ErrSessionExists)
}
