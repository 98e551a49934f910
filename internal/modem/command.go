package modem

import (
	"context"
	"sync"
	"time"
)

// AT command texts and response markers used by the bring-up
// and SMS sequences.
const (
	cmdAttention     = "AT"
	cmdEchoOff       = "ATE0"
	cmdSMSTextMode   = "AT+CMGF=1"
	cmdNotifyMode    = "AT+CNMI=1,2,0,0,0"
	cmdNetworkStatus = "AT+CREG?"

	// responseOK is the default expected final response.
	responseOK = "OK"
	// promptPattern is the "ready for text" prompt of AT+CMGS.
	promptPattern = ">"

	// smsTerminator (Ctrl-Z) ends an SMS payload.
	smsTerminator = byte(26)
	// lineTerminator ends every command written to the modem.
	lineTerminator = "\r\n"
)

// Command is one queued AT exchange: the text to write and the response
// pattern that resolves it. A command is unique per enqueue and is
// resolved exactly once through its completion.
type Command struct {
	// Text is written to the channel followed by the line terminator.
	Text string
	// Expected is the pattern that marks the final success line.
	Expected string
	// NoRetry disables re-dispatch on failure. Used for SMS payloads,
	// where a retry after a lost response could deliver a duplicate message.
	NoRetry bool
	// Retries counts how many times the command has been re-dispatched.
	Retries int
	// EnqueuedAt is when the command entered the queue.
	EnqueuedAt time.Time

	// complete is the one-shot resolution handle, owned by the queue
	// until consumed.
	complete *completion
}

// newCommand creates a command with a fresh completion handle.
func newCommand(text, expected string) *Command {
	return &Command{
		Text:       text,
		Expected:   expected,
		EnqueuedAt: time.Now(),
		complete:   newCompletion(),
	}
}

// completion is a one-shot result cell. The first resolve or fail wins;
// later writers observe it consumed and no-op. This is what makes the
// response/timeout/clear race single-winner.
type completion struct {
	// mu guards the fields below.
	mu sync.Mutex
	// consumed is set once a result has been written.
	consumed bool
	// response is the delivered value on success.
	response string
	// err is the delivered failure.
	err error
	// done is closed when the cell is consumed.
	done chan struct{}
}

// newCompletion creates an unconsumed completion.
func newCompletion() *completion {
	return &completion{
		done: make(chan struct{}),
	}
}

// resolve writes a success result. It reports whether this call won the cell.
func (c *completion) resolve(response string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed {
		return false
	}

	c.consumed = true
	c.response = response
	close(c.done)

	return true
}

// fail writes a failure result. It reports whether this call won the cell.
func (c *completion) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed {
		return false
	}

	c.consumed = true
	c.err = err
	close(c.done)

	return true
}

// isConsumed reports whether a result has already been written.
func (c *completion) isConsumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consumed
}

// result returns the written result. Valid only after the done channel closed.
func (c *completion) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.response, c.err
}

// wait blocks until the cell is consumed or the context is canceled.
func (c *completion) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
