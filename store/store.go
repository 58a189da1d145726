package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// MaxSnapshots is how many snapshots a document retains. Older ones are
// dropped first.
const MaxSnapshots = 10

// Document holds a collaborative document's authoritative content.
type Document struct {
	ID           string      `json:"id"`
	Content      string      `json:"content"`
	Version      int         `json:"version"`
	Snapshots    []Snapshot  `json:"snapshots,omitempty"`
	Permissions  Permissions `json:"permissions"`
	LastEditedBy string      `json:"lastEditedBy,omitempty"`
	LastEditedAt time.Time   `json:"lastEditedAt,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Snapshot is an immutable copy of a document's content at a version.
type Snapshot struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, CachedStore, BadgerStore, FirestoreStore, PostgresStore.
type DocumentStore interface {
	Create(ctx context.Context, id, content string, perms Permissions) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context) ([]Document, error)
	// UpdateContent replaces the content and returns the new version.
	UpdateContent(ctx context.Context, id, content, editorID string) (int, error)
	CreateSnapshot(ctx context.Context, id, userID string) (Snapshot, error)
	// RestoreSnapshot makes the most recent snapshot taken at version the
	// current content. The document version moves forward, never back.
	RestoreSnapshot(ctx context.Context, id string, version int, userID string) (*Document, error)
	SetPermissions(ctx context.Context, id string, perms Permissions) error
}

// BackingStore is a DocumentStore that can also write a whole document as-is.
// CachedStore flushes through Save.
type BackingStore interface {
	DocumentStore
	Save(ctx context.Context, doc *Document) error
}

func newDocument(id, content string, perms Permissions, now time.Time) *Document {
	return &Document{
		ID:          id,
		Content:     content,
		Permissions: perms.clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Snapshots = append([]Snapshot(nil), d.Snapshots...)
	cp.Permissions = d.Permissions.clone()
	return &cp
}

// HasPermission reports whether userID holds at least the required role.
func (d *Document) HasPermission(userID string, required Role) bool {
	return d.Permissions.Allows(userID, required)
}

func (d *Document) updateContent(content, editorID string, now time.Time) int {
	d.Content = content
	d.Version++
	d.LastEditedBy = editorID
	d.LastEditedAt = now
	d.UpdatedAt = now
	return d.Version
}

func (d *Document) createSnapshot(userID string, now time.Time) Snapshot {
	snap := Snapshot{
		Version:   d.Version,
		Content:   d.Content,
		CreatedBy: userID,
		CreatedAt: now,
	}
	d.Snapshots = append(d.Snapshots, snap)
	if n := len(d.Snapshots); n > MaxSnapshots {
		d.Snapshots = append([]Snapshot(nil), d.Snapshots[n-MaxSnapshots:]...)
	}
	d.UpdatedAt = now
	return snap
}

func (d *Document) restoreSnapshot(version int, userID string, now time.Time) error {
	if snap, ok := d.FindSnapshot(version); ok {
		d.updateContent(snap.Content, userID, now)
		return nil
	}
	return fmt.Errorf("%w: document %q has no snapshot at version %d", ErrSnapshotNotFound, d.ID, version)
}

// FindSnapshot returns the most recent snapshot taken at version.
func (d *Document) FindSnapshot(version int) (Snapshot, bool) {
	for i := len(d.Snapshots) - 1; i >= 0; i-- {
		if d.Snapshots[i].Version == version {
			return d.Snapshots[i], true
		}
	}
	return Snapshot{}, false
}

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrDocumentNotFound, id)
}

func alreadyExists(id string) error {
	return fmt.Errorf("%w: %q", ErrDocumentExists, id)
}
