package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Snapshots live on the document itself; there are never more than
// MaxSnapshots of them.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

type firestoreSnapshot struct {
	Version   int64     `firestore:"version"`
	Content   string    `firestore:"content"`
	CreatedBy string    `firestore:"createdBy"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type firestoreDoc struct {
	Content       string              `firestore:"content"`
	Version       int64               `firestore:"version"`
	Snapshots     []firestoreSnapshot `firestore:"snapshots"`
	OwnerID       string              `firestore:"ownerId"`
	Public        bool                `firestore:"public"`
	Collaborators map[string]string   `firestore:"collaborators"`
	LastEditedBy  string              `firestore:"lastEditedBy"`
	LastEditedAt  time.Time           `firestore:"lastEditedAt"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

func toFirestoreDoc(d *Document) firestoreDoc {
	fd := firestoreDoc{
		Content:       d.Content,
		Version:       int64(d.Version),
		Snapshots:     make([]firestoreSnapshot, len(d.Snapshots)),
		OwnerID:       d.Permissions.OwnerID,
		Public:        d.Permissions.Public,
		Collaborators: make(map[string]string, len(d.Permissions.Collaborators)),
		LastEditedBy:  d.LastEditedBy,
		LastEditedAt:  d.LastEditedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	for i, s := range d.Snapshots {
		fd.Snapshots[i] = firestoreSnapshot{
			Version:   int64(s.Version),
			Content:   s.Content,
			CreatedBy: s.CreatedBy,
			CreatedAt: s.CreatedAt,
		}
	}
	for user, role := range d.Permissions.Collaborators {
		fd.Collaborators[user] = string(role)
	}
	return fd
}

func (fd firestoreDoc) toDocument(id string) *Document {
	d := &Document{
		ID:           id,
		Content:      fd.Content,
		Version:      int(fd.Version),
		LastEditedBy: fd.LastEditedBy,
		LastEditedAt: fd.LastEditedAt,
		CreatedAt:    fd.CreatedAt,
		UpdatedAt:    fd.UpdatedAt,
		Permissions: Permissions{
			OwnerID: fd.OwnerID,
			Public:  fd.Public,
		},
	}
	for _, s := range fd.Snapshots {
		d.Snapshots = append(d.Snapshots, Snapshot{
			Version:   int(s.Version),
			Content:   s.Content,
			CreatedBy: s.CreatedBy,
			CreatedAt: s.CreatedAt,
		})
	}
	if len(fd.Collaborators) > 0 {
		d.Permissions.Collaborators = make(map[string]Role, len(fd.Collaborators))
		for user, role := range fd.Collaborators {
			d.Permissions.Collaborators[user] = Role(role)
		}
	}
	return d
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func snapshotToDocument(snap *firestore.DocumentSnapshot) (*Document, error) {
	var fd firestoreDoc
	if err := snap.DataTo(&fd); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", snap.Ref.ID, err)
	}
	return fd.toDocument(snap.Ref.ID), nil
}

// mutate runs fn against the stored document inside a Firestore transaction.
// fn may run more than once if the transaction is retried.
func (s *FirestoreStore) mutate(ctx context.Context, id string, fn func(doc *Document) error) (*Document, error) {
	ref := s.docRef(id)
	var out *Document
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		doc, err := snapshotToDocument(snap)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		out = doc
		return tx.Set(ref, toFirestoreDoc(doc))
	})
	return out, err
}

func (s *FirestoreStore) Create(ctx context.Context, id, content string, perms Permissions) error {
	doc := newDocument(id, content, perms, time.Now())
	_, err := s.docRef(id).Create(ctx, toFirestoreDoc(doc))
	if status.Code(err) == codes.AlreadyExists {
		return alreadyExists(id)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocument(snap)
}

func (s *FirestoreStore) List(ctx context.Context) ([]Document, error) {
	iter := s.client.Collection(s.collection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var result []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		doc, err := snapshotToDocument(snap)
		if err != nil {
			return nil, err
		}
		result = append(result, *doc)
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content, editorID string) (int, error) {
	doc, err := s.mutate(ctx, id, func(doc *Document) error {
		doc.updateContent(content, editorID, time.Now())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *FirestoreStore) CreateSnapshot(ctx context.Context, id, userID string) (Snapshot, error) {
	var snap Snapshot
	_, err := s.mutate(ctx, id, func(doc *Document) error {
		snap = doc.createSnapshot(userID, time.Now())
		return nil
	})
	return snap, err
}

func (s *FirestoreStore) RestoreSnapshot(ctx context.Context, id string, version int, userID string) (*Document, error) {
	return s.mutate(ctx, id, func(doc *Document) error {
		return doc.restoreSnapshot(version, userID, time.Now())
	})
}

func (s *FirestoreStore) SetPermissions(ctx context.Context, id string, perms Permissions) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "ownerId", Value: perms.OwnerID},
		{Path: "public", Value: perms.Public},
		{Path: "collaborators", Value: toFirestoreDoc(&Document{Permissions: perms}).Collaborators},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return notFound(id)
	}
	return err
}

func (s *FirestoreStore) Save(ctx context.Context, doc *Document) error {
	_, err := s.docRef(doc.ID).Set(ctx, toFirestoreDoc(doc))
	return err
}
