package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Create(_ context.Context, id, content string, perms Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return alreadyExists(id)
	}
	s.docs[id] = newDocument(id, content, perms, time.Now())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		result = append(result, *doc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content, editorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return 0, notFound(id)
	}
	return doc.updateContent(content, editorID, time.Now()), nil
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, id, userID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return Snapshot{}, notFound(id)
	}
	return doc.createSnapshot(userID, time.Now()), nil
}

func (s *MemoryStore) RestoreSnapshot(_ context.Context, id string, version int, userID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if err := doc.restoreSnapshot(version, userID, time.Now()); err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) SetPermissions(_ context.Context, id string, perms Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return notFound(id)
	}
	doc.Permissions = perms.clone()
	doc.UpdatedAt = time.Now()
	return nil
}

// Save writes doc as-is, replacing any existing document with the same ID.
func (s *MemoryStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[doc.ID] = doc.Clone()
	return nil
}

// load inserts doc unless the ID is already present.
func (s *MemoryStore) load(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; !exists {
		s.docs[doc.ID] = doc.Clone()
	}
}
