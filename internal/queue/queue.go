// Package queue implements the durable partitioned job queue: named queues
// of leased items backed by per-queue append-only journals.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkondo/graphflow/internal/model"
)

// Queue names used by the pipeline.
const (
	GoalQueue   = "goals"
	ReviewQueue = "review"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusInflight Status = "inflight"
	StatusAcked    Status = "acked"
)

// Item is one queued job. Items are exclusively owned by the queue; callers
// interact only through Enqueue/Pull/PullBatch/Ack/Nack and always receive
// copies.
type Item struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	PartitionKey string          `json:"partition_key"`
	Status       Status          `json:"status"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	LeaseID      string          `json:"lease_id,omitempty"`
	LeasedAt     time.Time       `json:"leased_at,omitempty"`
}

// PullOptions filters a Pull call. Max <= 0 means one item.
type PullOptions struct {
	PartitionKey string
	Max          int
	Filter       func(Item) bool
}

// BatchOptions drives PullBatch's coalescing window.
type BatchOptions struct {
	Window       time.Duration
	Max          int
	PartitionKey string
	Filter       func(Item) bool
}

// DefaultCoalesceWindow batches items that arrive close together in time so
// rapid-fire edits land in one commit.
const DefaultCoalesceWindow = 500 * time.Millisecond

// Manager owns all named queues under one journal directory. All operations
// are single atomic steps guarded by one mutex, so the manager is safe for
// the committer tick plus any number of independent enqueue callers.
type Manager struct {
	dir      string
	logger   *log.Logger
	logLevel model.LogLevel

	mu     sync.Mutex
	queues map[string]*queueState
}

type queueState struct {
	items   []*Item
	byID    map[string]*Item
	byLease map[string]*Item
	journal *journal
	metrics model.QueueMetrics
}

// NewManager creates a queue manager persisting journals under dir.
func NewManager(dir string, logger *log.Logger, logLevel model.LogLevel) *Manager {
	return &Manager{
		dir:      dir,
		logger:   logger,
		logLevel: logLevel,
		queues:   make(map[string]*queueState),
	}
}

// Enqueue stamps item with an identifier (if absent), the partition key, and
// the enqueue time, appends it to the active list, and journals the enqueue.
// Returns the item identifier. A journal write failure is logged and
// propagated, but the in-memory state is not rolled back (accepted
// durability gap: the journal may lag the live queue).
func (m *Manager) Enqueue(name string, item Item, partitionKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.getQueue(name)
	if err != nil {
		return "", err
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.PartitionKey = partitionKey
	item.Status = StatusQueued
	item.EnqueuedAt = time.Now().UTC()
	item.LeaseID = ""
	item.LeasedAt = time.Time{}

	stored := item
	q.items = append(q.items, &stored)
	q.byID[stored.ID] = &stored
	q.metrics.Enqueued++

	m.log(model.LogLevelDebug, "enqueue queue=%s id=%s partition=%s", name, stored.ID, partitionKey)

	if err := q.journal.appendEnqueue(&stored); err != nil {
		m.log(model.LogLevelError, "journal enqueue queue=%s id=%s error=%v", name, stored.ID, err)
		return stored.ID, fmt.Errorf("journal enqueue: %w", err)
	}
	return stored.ID, nil
}

// Pull leases up to opts.Max queued items in enqueue order, honoring the
// optional partition and predicate filters, and returns copies. Items stay
// on the active list until acked. There is no lease expiry: a consumer that
// leases and never acks or nacks leaks the item as permanently inflight
// until a restart replays the journal.
func (m *Manager) Pull(name string, opts PullOptions) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pullLocked(name, opts)
}

func (m *Manager) pullLocked(name string, opts PullOptions) ([]Item, error) {
	q, err := m.getQueue(name)
	if err != nil {
		return nil, err
	}

	max := opts.Max
	if max <= 0 {
		max = 1
	}

	var leased []Item
	for _, it := range q.items {
		if len(leased) >= max {
			break
		}
		if it.Status != StatusQueued {
			continue
		}
		if opts.PartitionKey != "" && it.PartitionKey != opts.PartitionKey {
			continue
		}
		if opts.Filter != nil && !opts.Filter(*it) {
			continue
		}

		it.Status = StatusInflight
		it.LeaseID = uuid.NewString()
		it.LeasedAt = time.Now().UTC()
		q.byLease[it.LeaseID] = it
		q.metrics.Leased++

		leased = append(leased, *it)
		m.log(model.LogLevelDebug, "lease queue=%s id=%s lease=%s", name, it.ID, it.LeaseID)
	}
	return leased, nil
}

// PullBatch calls Pull repeatedly within a wall-clock coalescing window,
// accumulating items that arrived close together, and returns the union.
// It blocks the calling tick for at most opts.Window (or until opts.Max
// items are leased, or ctx is cancelled).
func (m *Manager) PullBatch(ctx context.Context, name string, opts BatchOptions) ([]Item, error) {
	window := opts.Window
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	max := opts.Max
	if max <= 0 {
		max = 1
	}

	poll := window / 10
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}

	deadline := time.Now().Add(window)
	var batch []Item
	for {
		got, err := m.Pull(name, PullOptions{
			PartitionKey: opts.PartitionKey,
			Max:          max - len(batch),
			Filter:       opts.Filter,
		})
		if err != nil {
			return batch, err
		}
		batch = append(batch, got...)

		if len(batch) >= max || time.Now().After(deadline) {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return batch, nil
		case <-time.After(poll):
		}
	}
}

// Ack marks the leased item as acked, removes it from the active set, and
// journals the ack. Acking an unknown or already-released lease is a no-op
// returning false.
func (m *Manager) Ack(name, leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.getQueue(name)
	if err != nil {
		m.log(model.LogLevelError, "ack queue=%s error=%v", name, err)
		return false
	}

	it, ok := q.byLease[leaseID]
	if !ok {
		return false
	}

	it.Status = StatusAcked
	delete(q.byLease, leaseID)
	delete(q.byID, it.ID)
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.metrics.Acked++

	if err := q.journal.appendAck(it.ID, leaseID); err != nil {
		m.log(model.LogLevelError, "journal ack queue=%s id=%s error=%v", name, it.ID, err)
	}
	m.log(model.LogLevelDebug, "ack queue=%s id=%s lease=%s", name, it.ID, leaseID)
	return true
}

// Nack returns the leased item to queued status so a future Pull can lease
// it again. The journal nack record is audit-only; replay leaves the item
// queued either way.
func (m *Manager) Nack(name, leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.getQueue(name)
	if err != nil {
		m.log(model.LogLevelError, "nack queue=%s error=%v", name, err)
		return false
	}

	it, ok := q.byLease[leaseID]
	if !ok {
		return false
	}

	itemID := it.ID
	it.Status = StatusQueued
	it.LeaseID = ""
	it.LeasedAt = time.Time{}
	delete(q.byLease, leaseID)
	q.metrics.Nacked++

	if err := q.journal.appendNack(itemID, leaseID); err != nil {
		m.log(model.LogLevelError, "journal nack queue=%s id=%s error=%v", name, itemID, err)
	}
	m.log(model.LogLevelDebug, "nack queue=%s id=%s lease=%s", name, itemID, leaseID)
	return true
}

// Metrics returns the counter snapshot for one queue, including current
// depth and inflight count.
func (m *Manager) Metrics(name string) (model.QueueMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.getQueue(name)
	if err != nil {
		return model.QueueMetrics{}, err
	}

	out := q.metrics
	out.Queue = name
	for _, it := range q.items {
		switch it.Status {
		case StatusQueued:
			out.Depth++
		case StatusInflight:
			out.Inflight++
		}
	}
	return out, nil
}

// QueueNames returns the names of all queues touched so far.
func (m *Manager) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Close closes all open journals.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, q := range m.queues {
		if err := q.journal.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close journal %s: %w", name, err)
		}
	}
	return firstErr
}

// getQueue lazily opens a queue, replaying its journal on first access.
// Callers must hold m.mu.
func (m *Manager) getQueue(name string) (*queueState, error) {
	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	j, err := openJournal(m.dir, name)
	if err != nil {
		return nil, fmt.Errorf("open journal for queue %s: %w", name, err)
	}

	items, replayed, err := j.replay()
	if err != nil {
		j.close()
		return nil, fmt.Errorf("replay journal for queue %s: %w", name, err)
	}

	q := &queueState{
		items:   items,
		byID:    make(map[string]*Item, len(items)),
		byLease: make(map[string]*Item),
		journal: j,
		metrics: replayed,
	}
	for _, it := range items {
		q.byID[it.ID] = it
	}
	m.queues[name] = q

	if len(items) > 0 {
		m.log(model.LogLevelInfo, "replay queue=%s restored=%d", name, len(items))
	}
	return q, nil
}

func (m *Manager) log(level model.LogLevel, format string, args ...any) {
	if m.logger == nil || level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), level, msg)
}
