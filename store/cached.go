package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CachedStore wraps a backing store with an in-memory cache.
// All reads and writes are served from the cache. Dirty documents are
// flushed to the backing store periodically in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       BackingStore
	logger        *slog.Logger
	mu            sync.Mutex
	dirty         map[string]uint64 // doc ID -> write generation
	gen           uint64
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(backing BackingStore, flushInterval time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		logger:        logger.With("component", "cached_store"),
		dirty:         make(map[string]uint64),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, content string, perms Permissions) error {
	if _, err := cs.Get(ctx, id); err == nil {
		return alreadyExists(id)
	} else if !errors.Is(err, ErrDocumentNotFound) {
		return err
	}
	if err := cs.cache.Create(ctx, id, content, perms); err != nil {
		return err
	}
	cs.markDirty(id)
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := cs.cache.Get(ctx, id)
	if err == nil {
		return doc, nil
	}
	// Cache miss, load from the backing store.
	doc, err = cs.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cs.cache.load(doc)
	return cs.cache.Get(ctx, id)
}

// List merges the backing store's documents with cached ones, preferring the
// cached copy since it may not be flushed yet.
func (cs *CachedStore) List(ctx context.Context) ([]Document, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := cs.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Document, len(backed)+len(cached))
	for _, d := range backed {
		byID[d.ID] = d
	}
	for _, d := range cached {
		byID[d.ID] = d
	}
	result := make([]Document, 0, len(byID))
	for _, d := range byID {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content, editorID string) (int, error) {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return 0, err
	}
	version, err := cs.cache.UpdateContent(ctx, id, content, editorID)
	if err != nil {
		return 0, err
	}
	cs.markDirty(id)
	return version, nil
}

func (cs *CachedStore) CreateSnapshot(ctx context.Context, id, userID string) (Snapshot, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return Snapshot{}, err
	}
	snap, err := cs.cache.CreateSnapshot(ctx, id, userID)
	if err != nil {
		return Snapshot{}, err
	}
	cs.markDirty(id)
	return snap, nil
}

func (cs *CachedStore) RestoreSnapshot(ctx context.Context, id string, version int, userID string) (*Document, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	doc, err := cs.cache.RestoreSnapshot(ctx, id, version, userID)
	if err != nil {
		return nil, err
	}
	cs.markDirty(id)
	return doc, nil
}

func (cs *CachedStore) SetPermissions(ctx context.Context, id string, perms Permissions) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.SetPermissions(ctx, id, perms); err != nil {
		return err
	}
	cs.markDirty(id)
	return nil
}

func (cs *CachedStore) markDirty(id string) {
	cs.mu.Lock()
	cs.gen++
	cs.dirty[id] = cs.gen
	cs.mu.Unlock()
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]uint64, len(cs.dirty))
	for id, gen := range cs.dirty {
		snapshot[id] = gen
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, gen := range snapshot {
		doc, err := cs.cache.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := cs.backing.Save(ctx, doc); err != nil {
			// Stays dirty; retried next cycle.
			cs.logger.Error("flush failed", "document", id, "version", doc.Version, "error", err)
			continue
		}

		// Only clear if no new writes happened since the snapshot.
		cs.mu.Lock()
		if cs.dirty[id] == gen {
			delete(cs.dirty, id)
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
