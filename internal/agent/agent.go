// Package agent defines the contract between the orchestrator and the
// agent runtime: stage dispatch requests, the streamed event kinds, and
// the transient/fatal error split that drives retry policy.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// Request carries one stage dispatch.
type Request struct {
	Task  *task.Task
	Stage string
	Agent string
	Input string
}

// EventKind classifies a streamed agent event.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventMessage    EventKind = "message"
	EventToolUse    EventKind = "tool-use"
	EventUsageDelta EventKind = "usage-delta"
)

// Event is one streamed item from a running agent. Usage is set only
// for usage-delta events.
type Event struct {
	Kind    EventKind
	Content string
	Usage   task.Usage
}

// Result is the terminal output of a completed stage.
type Result struct {
	Output string
}

// EmitFunc receives streamed events. The runtime calls it from the
// stage worker goroutine; it must not block indefinitely.
type EmitFunc func(Event)

// Runtime executes one stage. Cancellation is cooperative through ctx;
// the stream is finite and ends when Run returns.
type Runtime interface {
	Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error)
}

// TransientError marks a failure worth retrying (bounded by the task's
// retry budget).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient agent error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError marks a failure that terminates the task in failed.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal agent error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	return &FatalError{Err: err}
}
