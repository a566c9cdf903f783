package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups when no task or subtask
// matches the given id.
var ErrNotFound = errors.New("task not found")

// ValidationError reports a malformed task spec. The task is not created.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task spec: %s %s", e.Field, e.Detail)
}

// IllegalTransitionError reports a status change the state machine
// forbids. The store is left unchanged.
type IllegalTransitionError struct {
	From   Status
	To     Status
	Detail string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
