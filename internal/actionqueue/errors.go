package actionqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownKind     = errors.New("unknown action kind")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidID       = errors.New("invalid action id")
	ErrQueueFull       = errors.New("queue full")
	ErrDuplicateAction = errors.New("duplicate action")
	ErrClosed          = errors.New("action queue closed")
	ErrCycleRunning    = errors.New("replay cycle already running")
	ErrStorage         = errors.New("storage failure")
)

// FatalError marks a submission the backend rejected permanently. Resubmitting
// the same action can never succeed.
type FatalError struct {
	Code   string
	Reason string
}

func (e *FatalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("fatal %s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

// RetryableError marks a transient failure such as a timeout, an overloaded
// server or a dropped connection.
type RetryableError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("retryable: %s", e.Reason)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
