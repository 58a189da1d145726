package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures an embedded BadgerDB instance.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a BadgerDB instance. The caller must Close it.
// The same *badger.DB can back both the document store and the session
// repository; their keys do not overlap.
func OpenBadger(cfg BadgerConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

const badgerDocPrefix = "document/"

// BadgerStore is a BadgerDB-backed implementation of DocumentStore.
// Documents are stored as JSON values keyed by "document/<id>".
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func docKey(id string) []byte {
	return []byte(badgerDocPrefix + id)
}

func readDoc(txn *badger.Txn, id string) (*Document, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	}); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", id, err)
	}
	return &doc, nil
}

func writeDoc(txn *badger.Txn, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", doc.ID, err)
	}
	return txn.Set(docKey(doc.ID), data)
}

// mutate runs fn against the stored document inside one read-write transaction.
func (s *BadgerStore) mutate(id string, fn func(doc *Document) error) (*Document, error) {
	var out *Document
	err := s.db.Update(func(txn *badger.Txn) error {
		doc, err := readDoc(txn, id)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		out = doc
		return writeDoc(txn, doc)
	})
	return out, err
}

func (s *BadgerStore) Create(_ context.Context, id, content string, perms Permissions) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(docKey(id)); err == nil {
			return alreadyExists(id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeDoc(txn, newDocument(id, content, perms, time.Now()))
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Document, error) {
	var doc *Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, id)
		return err
	})
	return doc, err
}

func (s *BadgerStore) List(_ context.Context) ([]Document, error) {
	var result []Document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerDocPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc Document
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			result = append(result, doc)
		}
		return nil
	})
	return result, err
}

func (s *BadgerStore) UpdateContent(_ context.Context, id, content, editorID string) (int, error) {
	doc, err := s.mutate(id, func(doc *Document) error {
		doc.updateContent(content, editorID, time.Now())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *BadgerStore) CreateSnapshot(_ context.Context, id, userID string) (Snapshot, error) {
	var snap Snapshot
	_, err := s.mutate(id, func(doc *Document) error {
		snap = doc.createSnapshot(userID, time.Now())
		return nil
	})
	return snap, err
}

func (s *BadgerStore) RestoreSnapshot(_ context.Context, id string, version int, userID string) (*Document, error) {
	return s.mutate(id, func(doc *Document) error {
		return doc.restoreSnapshot(version, userID, time.Now())
	})
}

func (s *BadgerStore) SetPermissions(_ context.Context, id string, perms Permissions) error {
	_, err := s.mutate(id, func(doc *Document) error {
		doc.Permissions = perms.clone()
		doc.UpdatedAt = time.Now()
		return nil
	})
	return err
}

func (s *BadgerStore) Save(_ context.Context, doc *Document) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return writeDoc(txn, doc)
	})
}
