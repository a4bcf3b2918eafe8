package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

const objectKeyPrefix = "object:"

// BadgerStore keeps objects in a badger key-value database.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
}

// OpenBadgerStore opens (or creates) a badger database at dir. An empty dir
// opens an in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger object store: %w", err)
	}
	return &BadgerStore{db: db, ownsDB: true}, nil
}

// NewBadgerStore wraps an already open database. Close will not close it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func objectKey(id string) []byte {
	return []byte(objectKeyPrefix + id)
}

func (s *BadgerStore) Put(ctx context.Context, data []byte, mimeType string) (Reference, error) {
	ref := NewReference(data, mimeType)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(ref.ID), data)
	})
	if err != nil {
		return Reference{}, fmt.Errorf("failed to put object: %w", err)
	}
	return ref, nil
}

func (s *BadgerStore) Get(ctx context.Context, ref Reference) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(ref.ID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return data, nil
}

func (s *BadgerStore) Delete(ctx context.Context, ref Reference) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(ref.ID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
