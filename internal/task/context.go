package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Context owns one Task and tracks its lifecycle. Callbacks must be
// registered before the context is submitted. Ready callbacks fire at
// most once, then exactly one of the success or failure callbacks fires.
type Context struct {
	id   string
	task Task

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	onReady   []func(*Context)
	onSuccess []func(*Context, any)
	onFailed  []func(*Context, error)
	result    Result

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewContext wraps t under a fresh id.
func NewContext(t Task) *Context {
	return NewContextWithID(uuid.NewString(), t)
}

// NewContextWithID wraps t under id.
func NewContextWithID(id string, t Task) *Context {
	return &Context{
		id:    id,
		task:  t,
		state: StatePending,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Context) ID() string { return c.id }
func (c *Context) Task() Task { return c.task }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnReady registers fn to run when the task begins its work.
func (c *Context) OnReady(fn func(*Context)) *Context {
	c.mu.Lock()
	c.onReady = append(c.onReady, fn)
	c.mu.Unlock()
	return c
}

// OnSuccess registers fn to run with the task's value on success.
func (c *Context) OnSuccess(fn func(*Context, any)) *Context {
	c.mu.Lock()
	c.onSuccess = append(c.onSuccess, fn)
	c.mu.Unlock()
	return c
}

// OnFailed registers fn to run with the terminal error on failure or
// interruption.
func (c *Context) OnFailed(fn func(*Context, error)) *Context {
	c.mu.Lock()
	c.onFailed = append(c.onFailed, fn)
	c.mu.Unlock()
	return c
}

// Interrupt asks the task to stop. It does not wait; use Done for that.
func (c *Context) Interrupt() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Interrupted reports whether Interrupt was called.
func (c *Context) Interrupted() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Done is closed once the task reached a terminal state, its callbacks
// ran and it left the registry.
func (c *Context) Done() <-chan struct{} { return c.done }

// Result returns the terminal outcome. It is only meaningful after Done
// is closed.
func (c *Context) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// run executes the task and fires the callbacks. It does not close done.
func (c *Context) run(parent context.Context, logger *slog.Logger) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateRunning
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	var (
		value any
		err   error
	)
	if c.Interrupted() {
		err = ErrInterrupted
	} else {
		value, err = c.execute(ctx, logger)
	}

	state := StateFinished
	if err != nil {
		state = StateFailed
		if c.Interrupted() && (errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)) {
			state = StateCancelled
			if !errors.Is(err, ErrInterrupted) {
				err = fmt.Errorf("%w: %w", ErrInterrupted, err)
			}
		}
	}

	c.mu.Lock()
	c.state = state
	c.result = Result{State: state, Value: value, Err: err}
	onSuccess, onFailed := c.onSuccess, c.onFailed
	c.mu.Unlock()

	if err == nil {
		for _, fn := range onSuccess {
			c.callback(logger, "success", func() { fn(c, value) })
		}
		return
	}
	for _, fn := range onFailed {
		c.callback(logger, "failed", func() { fn(c, err) })
	}
}

func (c *Context) execute(ctx context.Context, logger *slog.Logger) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "task_id", c.id, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	var readyOnce sync.Once
	ready := func() {
		readyOnce.Do(func() {
			c.mu.Lock()
			onReady := c.onReady
			c.mu.Unlock()
			for _, fn := range onReady {
				c.callback(logger, "ready", func() { fn(c) })
			}
		})
	}
	return c.task.Execute(ctx, ready)
}

func (c *Context) callback(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task callback panicked", "task_id", c.id, "callback", name, "panic", r)
		}
	}()
	fn()
}

func (c *Context) finish() {
	close(c.done)
}
