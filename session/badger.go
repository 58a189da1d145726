package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/alimasry/go-collab-docs/ot"
)

// Key layout:
//
//	session/<id>              session JSON
//	oplog/<id>/<version>      operation JSON, version zero-padded to 10 digits
//	docsession/<documentID>   ID of the document's open session
const (
	sessionPrefix    = "session/"
	oplogPrefix      = "oplog/"
	docSessionPrefix = "docsession/"
)

// BadgerRepository persists sessions in BadgerDB. It can share a database
// with store.BadgerStore.
type BadgerRepository struct {
	db *badger.DB
}

func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func oplogPrefixFor(id string) []byte { return []byte(oplogPrefix + id + "/") }

func oplogKey(id string, version int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", oplogPrefix, id, version))
}

func docSessionKey(documentID string) []byte { return []byte(docSessionPrefix + documentID) }

func readSession(txn *badger.Txn, id string) (*Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &s, nil
}

// writeSession stores s and keeps the open-session index in step with its status.
func writeSession(txn *badger.Txn, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", s.ID, err)
	}
	if err := txn.Set(sessionKey(s.ID), data); err != nil {
		return err
	}

	key := docSessionKey(s.DocumentID)
	if s.Status.Open() {
		return txn.Set(key, []byte(s.ID))
	}
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(owner) == s.ID {
		return txn.Delete(key)
	}
	return nil
}

func decodeOp(item *badger.Item) (ot.VersionedOperation, error) {
	var op ot.VersionedOperation
	err := item.Value(func(val []byte) error { return json.Unmarshal(val, &op) })
	if err != nil {
		return op, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return op, nil
}

func (r *BadgerRepository) Create(_ context.Context, s *Session) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(s.ID)); err == nil {
			return fmt.Errorf("session %q already exists", s.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeSession(txn, s)
	})
}

func (r *BadgerRepository) Get(_ context.Context, id string) (*Session, error) {
	var s *Session
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = readSession(txn, id)
		return err
	})
	return s, err
}

func (r *BadgerRepository) Update(_ context.Context, s *Session) error {
	return r.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, s.ID)
		if err != nil {
			return err
		}
		if s.CurrentVersion != stored.CurrentVersion {
			return fmt.Errorf("%w: update of %q would move version %d to %d",
				ErrVersionConflict, s.ID, stored.CurrentVersion, s.CurrentVersion)
		}
		return writeSession(txn, s)
	})
}

func (r *BadgerRepository) AppendOperation(_ context.Context, id string, op ot.VersionedOperation) error {
	return r.db.Update(func(txn *badger.Txn) error {
		s, err := readSession(txn, id)
		if err != nil {
			return err
		}
		if err := checkNextVersion(s, op); err != nil {
			return err
		}
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		if err := txn.Set(oplogKey(id, op.Version), data); err != nil {
			return err
		}
		s.CurrentVersion = op.Version
		s.UpdatedAt = op.Timestamp
		return writeSession(txn, s)
	})
}

func (r *BadgerRepository) OperationsSince(_ context.Context, id string, version int) ([]ot.VersionedOperation, error) {
	var result []ot.VersionedOperation
	err := r.db.View(func(txn *badger.Txn) error {
		if _, err := readSession(txn, id); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := oplogPrefixFor(id)
		for it.Seek(oplogKey(id, version+1)); it.ValidForPrefix(prefix); it.Next() {
			op, err := decodeOp(it.Item())
			if err != nil {
				return err
			}
			result = append(result, op)
		}
		return nil
	})
	return result, err
}

func (r *BadgerRepository) RecentOperations(_ context.Context, id string, limit int) ([]ot.VersionedOperation, error) {
	var result []ot.VersionedOperation
	err := r.db.View(func(txn *badger.Txn) error {
		if _, err := readSession(txn, id); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := oplogPrefixFor(id)
		// Reverse iteration seeks to the largest key <= the seek key.
		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}
			op, err := decodeOp(it.Item())
			if err != nil {
				return err
			}
			result = append(result, op)
		}
		return nil
	})
	return result, err
}

func (r *BadgerRepository) List(_ context.Context) ([]*Session, error) {
	var result []*Session
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			result = append(result, &s)
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, err
}

func (r *BadgerRepository) ActiveForDocument(_ context.Context, documentID string) (*Session, error) {
	var s *Session
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docSessionKey(documentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: no open session on document %q", ErrSessionNotFound, documentID)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		s, err = readSession(txn, string(id))
		return err
	})
	return s, err
}
