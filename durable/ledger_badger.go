package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/dgraph-io/badger/v3"
)

const stepKeyPrefix = "step:"

// BadgerLedger stores step records in badger under step:<invocation>\x00<key>.
type BadgerLedger struct {
	db     *badger.DB
	ownsDB bool
}

// OpenBadgerLedger opens a database at dir, or an in-memory one when dir is empty.
func OpenBadgerLedger(dir string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger ledger: %w", err)
	}
	return &BadgerLedger{db: db, ownsDB: true}, nil
}

// NewBadgerLedger shares an already open database, for example with the
// badger object store.
func NewBadgerLedger(db *badger.DB) *BadgerLedger {
	return &BadgerLedger{db: db}
}

func invocationPrefix(invocationID string) []byte {
	return []byte(stepKeyPrefix + invocationID + "\x00")
}

func recordKey(invocationID, key string) []byte {
	return append(invocationPrefix(invocationID), key...)
}

func (l *BadgerLedger) Get(ctx context.Context, invocationID, key string) (*StepRecord, error) {
	var record StepRecord
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(invocationID, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read step record: %w", err)
	}
	return &record, nil
}

func (l *BadgerLedger) Put(ctx context.Context, record *StepRecord) error {
	data, err := xjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode step record: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(record.InvocationID, record.Key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write step record: %w", err)
	}
	return nil
}

func (l *BadgerLedger) DeleteInvocation(ctx context.Context, invocationID string) error {
	prefix := invocationPrefix(invocationID)

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list step records: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete step record: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete step records: %w", err)
	}
	return nil
}

func (l *BadgerLedger) Close() error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}
