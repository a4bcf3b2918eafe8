package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
)

// StepKind distinguishes the records kept for an invocation.
type StepKind string

const (
	KindStep     StepKind = "step"
	KindSleep    StepKind = "sleep"
	KindExternal StepKind = "external"
)

// StepRecord is one ledger entry. Records are written once, when the step
// first completes, and only read afterwards.
type StepRecord struct {
	InvocationID string           `json:"invocation_id"`
	Key          string           `json:"key"`
	Kind         StepKind         `json:"kind"`
	Result       xjson.RawMessage `json:"result,omitempty"`
	ExternalID   string           `json:"external_id,omitempty"`
	WakeAt       time.Time        `json:"wake_at"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// Ledger stores step records keyed by invocation id and step key. A given
// invocation is replayed sequentially, so implementations only need to be
// safe for concurrent use across invocations.
type Ledger interface {
	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, invocationID, key string) (*StepRecord, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, record *StepRecord) error

	// DeleteInvocation removes every record of an invocation.
	DeleteInvocation(ctx context.Context, invocationID string) error
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*SQLiteLedger)(nil)
	_ Ledger = (*BadgerLedger)(nil)
	_ Ledger = (*PostgresLedger)(nil)
)

// MemoryLedger keeps step records in process memory.
type MemoryLedger struct {
	mu          sync.RWMutex
	invocations map[string]map[string]StepRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{invocations: map[string]map[string]StepRecord{}}
}

func (l *MemoryLedger) Get(ctx context.Context, invocationID, key string) (*StepRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.invocations[invocationID][key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &record, nil
}

func (l *MemoryLedger) Put(ctx context.Context, record *StepRecord) error {
	if record == nil || record.InvocationID == "" || record.Key == "" {
		return fmt.Errorf("step record requires invocation id and key")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	steps, ok := l.invocations[record.InvocationID]
	if !ok {
		steps = map[string]StepRecord{}
		l.invocations[record.InvocationID] = steps
	}
	steps[record.Key] = *record
	return nil
}

func (l *MemoryLedger) DeleteInvocation(ctx context.Context, invocationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.invocations, invocationID)
	return nil
}

// Count returns the number of records held for an invocation.
func (l *MemoryLedger) Count(invocationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.invocations[invocationID])
}
