// Package task runs long-lived cancellable units of work and keeps a
// registry of the ones still alive.
//
// A Task is wrapped in a Context, which gives it an id, lifecycle
// callbacks and a cooperative interrupt. The Manager executes contexts
// concurrently up to a configured bound and forgets them once they reach
// a terminal state.
package task

import (
	"context"
	"errors"
)

var (
	// ErrInterrupted is the terminal error of a task stopped by Interrupt.
	ErrInterrupted = errors.New("task interrupted")
	// ErrDuplicateTask is returned when a live context already uses an id.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrNotRunning is returned when no live context has the requested id.
	ErrNotRunning = errors.New("task not running")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("task manager closed")
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateFinished  State = "FINISHED"
	StateCancelled State = "CANCELLED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateFailed
}

// Task is a unit of work. Execute must call ready once its inputs are
// validated and the work truly begins, and must return promptly once ctx
// is done, checking it at safe points. Returning an error wrapping
// ErrInterrupted (or ctx.Err() after an interrupt) ends the task as
// cancelled rather than failed.
type Task interface {
	Execute(ctx context.Context, ready func()) (any, error)
}

// Result is the terminal outcome of a task.
type Result struct {
	State State
	Value any
	Err   error
}
