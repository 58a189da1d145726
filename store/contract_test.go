package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// testDocumentStore runs the behaviour every DocumentStore must share.
// newStore is called once per subtest and must return an empty store.
func testDocumentStore(t *testing.T, newStore func(t *testing.T) DocumentStore) {
	ctx := context.Background()
	owner := Permissions{OwnerID: "alice"}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "hello", owner); err != nil {
			t.Fatal(err)
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if doc.ID != "doc1" || doc.Content != "hello" || doc.Version != 0 {
			t.Errorf("unexpected document: %+v", doc)
		}
		if doc.Permissions.OwnerID != "alice" {
			t.Errorf("owner = %q, want alice", doc.Permissions.OwnerID)
		}
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "", owner); err != nil {
			t.Fatal(err)
		}
		if err := s.Create(ctx, "doc1", "", owner); !errors.Is(err, ErrDocumentExists) {
			t.Errorf("got %v, want ErrDocumentExists", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrDocumentNotFound) {
			t.Errorf("got %v, want ErrDocumentNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"b", "a"} {
			if err := s.Create(ctx, id, "", owner); err != nil {
				t.Fatal(err)
			}
		}
		docs, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
			t.Errorf("unexpected list: %+v", docs)
		}
	})

	t.Run("update content bumps version", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "hello", owner); err != nil {
			t.Fatal(err)
		}
		for want := 1; want <= 3; want++ {
			v, err := s.UpdateContent(ctx, "doc1", fmt.Sprintf("hello %d", want), "bob")
			if err != nil {
				t.Fatal(err)
			}
			if v != want {
				t.Errorf("version = %d, want %d", v, want)
			}
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if doc.Content != "hello 3" || doc.Version != 3 || doc.LastEditedBy != "bob" {
			t.Errorf("unexpected document: %+v", doc)
		}
		if doc.LastEditedAt.IsZero() {
			t.Error("LastEditedAt not set")
		}
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.UpdateContent(ctx, "nope", "x", "bob"); !errors.Is(err, ErrDocumentNotFound) {
			t.Errorf("got %v, want ErrDocumentNotFound", err)
		}
	})

	t.Run("snapshot retention", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "v0", owner); err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= MaxSnapshots+2; i++ {
			if _, err := s.UpdateContent(ctx, "doc1", fmt.Sprintf("v%d", i), "alice"); err != nil {
				t.Fatal(err)
			}
			snap, err := s.CreateSnapshot(ctx, "doc1", "alice")
			if err != nil {
				t.Fatal(err)
			}
			if snap.Version != i || snap.Content != fmt.Sprintf("v%d", i) {
				t.Errorf("snapshot %d: %+v", i, snap)
			}
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if len(doc.Snapshots) != MaxSnapshots {
			t.Fatalf("kept %d snapshots, want %d", len(doc.Snapshots), MaxSnapshots)
		}
		if doc.Snapshots[0].Version != 3 || doc.Snapshots[MaxSnapshots-1].Version != MaxSnapshots+2 {
			t.Errorf("kept versions %d..%d, want 3..%d",
				doc.Snapshots[0].Version, doc.Snapshots[MaxSnapshots-1].Version, MaxSnapshots+2)
		}
		if doc.Version != MaxSnapshots+2 {
			t.Errorf("snapshots changed version: %d", doc.Version)
		}
	})

	t.Run("restore snapshot", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "original", owner); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateSnapshot(ctx, "doc1", "alice"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.UpdateContent(ctx, "doc1", "edited", "bob"); err != nil {
			t.Fatal(err)
		}
		doc, err := s.RestoreSnapshot(ctx, "doc1", 0, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if doc.Content != "original" || doc.Version != 2 || doc.LastEditedBy != "alice" {
			t.Errorf("unexpected restored document: %+v", doc)
		}
		got, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Content != "original" || got.Version != 2 {
			t.Errorf("restore not persisted: %+v", got)
		}
	})

	t.Run("restore unknown version", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "x", owner); err != nil {
			t.Fatal(err)
		}
		if _, err := s.RestoreSnapshot(ctx, "doc1", 7, "alice"); !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("got %v, want ErrSnapshotNotFound", err)
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if doc.Version != 0 || doc.Content != "x" {
			t.Errorf("failed restore modified document: %+v", doc)
		}
	})

	t.Run("set permissions", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "", owner); err != nil {
			t.Fatal(err)
		}
		perms := owner.Grant("bob", RoleEditor).Grant("carol", RoleViewer)
		if err := s.SetPermissions(ctx, "doc1", perms); err != nil {
			t.Fatal(err)
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if !doc.HasPermission("bob", RoleEditor) || doc.HasPermission("carol", RoleEditor) {
			t.Errorf("unexpected permissions: %+v", doc.Permissions)
		}
		if err := s.SetPermissions(ctx, "nope", perms); !errors.Is(err, ErrDocumentNotFound) {
			t.Errorf("got %v, want ErrDocumentNotFound", err)
		}
	})

	t.Run("returned documents are copies", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "hello", owner); err != nil {
			t.Fatal(err)
		}
		doc, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		doc.Content = "mutated"
		again, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if again.Content != "hello" {
			t.Errorf("store shares memory with callers: %q", again.Content)
		}
	})
}
