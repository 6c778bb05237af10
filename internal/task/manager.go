package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Options configures a Manager.
type Options struct {
	MaxConcurrent int
	Logger        *slog.Logger
}

// Manager runs contexts and keeps the registry of live ones. A context is
// registered from Submit until its callbacks have run.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	closed   bool

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		contexts: make(map[string]*Context),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Submit registers c and schedules it. A second context under an id that
// is still registered, or a context that already ran, is rejected with
// ErrDuplicateTask.
func (m *Manager) Submit(c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.contexts[c.id]; ok {
		return ErrDuplicateTask
	}
	if c.State() != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateTask, c.id, c.State())
	}
	m.contexts[c.id] = c
	m.wg.Add(1)
	go m.run(c)
	return nil
}

func (m *Manager) run(c *Context) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-c.stop:
		// Interrupted while queued: run only records the cancellation.
	}

	m.logger.Debug("task started", "task_id", c.id)
	c.run(m.ctx, m.logger)
	m.logger.Debug("task ended", "task_id", c.id, "state", c.State())

	m.Remove(c)
	c.finish()
}

// Get returns the live context registered under id.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Lookup returns the live context under id when its task is a T.
// Absence means the task is not running; it may have finished or never
// existed.
func Lookup[T Task](m *Manager, id string) (*Context, T, bool) {
	var zero T
	c, ok := m.Get(id)
	if !ok {
		return nil, zero, false
	}
	t, ok := c.task.(T)
	if !ok {
		return nil, zero, false
	}
	return c, t, true
}

// Remove unregisters c. A different context registered under the same
// id is left alone.
func (m *Manager) Remove(c *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.contexts[c.id]; ok && cur == c {
		delete(m.contexts, c.id)
	}
}

// Interrupt interrupts the live context under id.
func (m *Manager) Interrupt(id string) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrNotRunning
	}
	c.Interrupt()
	return nil
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// Shutdown rejects new submissions, interrupts every live context and
// waits for them to finish or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.Interrupt()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}
