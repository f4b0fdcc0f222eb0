package queue

import (
	"context"
	"sort"
	"time"

	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// Logical queue names.
const (
	Execution = "execution"
	Priority  = "priority"
	Batch     = "batch"
)

// DefaultOptions returns the built-in settings for the three queues.
func DefaultOptions() map[string]Options {
	base := Options{
		JobTimeout:      5 * time.Minute,
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
		KeepCompleted:   100,
		KeepFailed:      50,
	}
	execution := base
	execution.Concurrency = 5
	execution.Attempts = 3
	execution.BackoffBase = 2 * time.Second

	priority := base
	priority.Concurrency = 3
	priority.Attempts = 1
	priority.DefaultPriority = 10

	batch := base
	batch.Concurrency = 2
	batch.Attempts = 1

	return map[string]Options{
		Execution: execution,
		Priority:  priority,
		Batch:     batch,
	}
}

// Manager owns the named queues of one process.
type Manager struct {
	queues map[string]*Queue
}

// NewManager builds one queue per entry of DefaultOptions, with non-zero
// fields of overrides taking precedence.
func NewManager(store JobStore, overrides map[string]Options) *Manager {
	m := &Manager{queues: make(map[string]*Queue)}
	for name, opts := range DefaultOptions() {
		m.queues[name] = New(name, store, mergeOptions(opts, overrides[name]))
	}
	return m
}

// Queue returns a queue by logical name.
func (m *Manager) Queue(name string) (*Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, appErr.Newf(appErr.QueueNotFound, "queue %s not found", name)
	}
	return q, nil
}

// Names lists the queue names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts every queue that has a handler registered.
func (m *Manager) Start() error {
	for _, name := range m.Names() {
		q := m.queues[name]
		q.mu.Lock()
		ready := q.handler != nil
		q.mu.Unlock()
		if !ready {
			logger.Warn(context.Background(), "queue has no handler, not started", zap.String("queue", name))
			continue
		}
		if err := q.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the per-state counts of every queue.
func (m *Manager) Stats(ctx context.Context) (map[string]Counts, error) {
	stats := make(map[string]Counts, len(m.queues))
	for _, name := range m.Names() {
		c, err := m.queues[name].Counts(ctx)
		if err != nil {
			return nil, err
		}
		stats[name] = c
	}
	return stats, nil
}

// Close closes every queue, sharing ctx as the drain deadline.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for _, name := range m.Names() {
		if err := m.queues[name].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func mergeOptions(base, o Options) Options {
	if o.Concurrency > 0 {
		base.Concurrency = o.Concurrency
	}
	if o.Attempts > 0 {
		base.Attempts = o.Attempts
	}
	if o.BackoffBase > 0 {
		base.BackoffBase = o.BackoffBase
	}
	if o.MaxBackoff > 0 {
		base.MaxBackoff = o.MaxBackoff
	}
	if o.DefaultPriority != 0 {
		base.DefaultPriority = o.DefaultPriority
	}
	if o.JobTimeout > 0 {
		base.JobTimeout = o.JobTimeout
	}
	if o.LockDuration > 0 {
		base.LockDuration = o.LockDuration
	}
	if o.StalledInterval > 0 {
		base.StalledInterval = o.StalledInterval
	}
	if o.MaxStalledCount > 0 {
		base.MaxStalledCount = o.MaxStalledCount
	}
	if o.KeepCompleted > 0 {
		base.KeepCompleted = o.KeepCompleted
	}
	if o.KeepFailed > 0 {
		base.KeepFailed = o.KeepFailed
	}
	if o.PollInterval > 0 {
		base.PollInterval = o.PollInterval
	}
	if o.StoreTimeout > 0 {
		base.StoreTimeout = o.StoreTimeout
	}
	return base
}
