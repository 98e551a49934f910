package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotOpen is returned when a command is dispatched
	// while the serial channel is closed.
	ErrChannelNotOpen = errors.New("serial channel is not open")

	// ErrNoExecutor is returned when a command is dispatched
	// before an executor has been configured.
	ErrNoExecutor = errors.New("no executor configured")

	// ErrCommandTimeout is returned when a command's deadline fires
	// before a matching response line arrives.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrQueueCleared is returned for every command rejected in bulk
	// during shutdown or reset.
	ErrQueueCleared = errors.New("command queue cleared")

	// ErrNotReady is returned when an SMS is requested before the
	// modem bring-up sequence has completed.
	ErrNotReady = errors.New("modem is not ready")

	// ErrNoData indicates no complete line arrived within the
	// channel's poll window. The reader treats it as idle, not failure.
	ErrNoData = errors.New("no data available")
)

// ModemError reports a response line carrying an error marker.
// It is retryable up to the queue's retry bound.
type ModemError struct {
	// Line is the raw trimmed line the modem produced.
	Line string
}

// Error implements the error interface.
func (e *ModemError) Error() string {
	return fmt.Sprintf("modem reported error: %s", e.Line)
}

// MaxRetriesError is the terminal failure of a command whose retry
// budget is exhausted. It carries the last underlying error, so callers
// can still distinguish a timeout from a modem-reported error.
type MaxRetriesError struct {
	// Command is the text of the failed command.
	Command string
	// LastErr is the error of the final attempt.
	LastErr error
}

// Error implements the error interface.
func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded for %q: %v", e.Command, e.LastErr)
}

// Unwrap exposes the last attempt's error to errors.Is/As.
func (e *MaxRetriesError) Unwrap() error {
	return e.LastErr
}
