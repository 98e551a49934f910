package modem

import (
	"context"
	"sync"

	"github.com/oshokin/piguard/internal/logger"
)

// Executor performs a single dispatched command and blocks until its
// terminal outcome. The session's execute method is the only executor
// in production.
type Executor func(ctx context.Context, cmd *Command) (string, error)

// QueueStatus is a read-only snapshot of the queue.
type QueueStatus struct {
	// Size is the number of commands waiting for dispatch.
	Size int
	// Processing reports whether a command is currently in flight.
	Processing bool
	// CurrentCommand is the text of the in-flight command, if any.
	CurrentCommand string
}

// CommandQueue serializes AT commands against a single-consumer
// processing loop. The half-duplex link tolerates exactly one
// outstanding command, so the loop is the only dispatcher and the
// structural guarantee of the single in-flight invariant.
//
// A failed command is reinserted at the head of the queue, not the
// tail, so retries take priority over freshly enqueued work and a
// failing command cannot be starved behind new traffic.
type CommandQueue struct {
	// mu guards the fields below.
	mu sync.Mutex
	// commands is the FIFO backlog, head first.
	commands []*Command
	// processing reports whether the loop is running.
	processing bool
	// current is the in-flight command.
	current *Command
	// executor performs dispatched commands.
	executor Executor
	// maxRetries bounds re-dispatch of a failing command.
	maxRetries int
	// runCtx is canceled by Clear to abort the in-flight dispatch.
	// A fresh context is installed per generation, so commands added
	// after a clear run normally.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewCommandQueue creates a queue with the given retry bound.
func NewCommandQueue(maxRetries int) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		maxRetries: maxRetries,
		runCtx:     ctx,
		runCancel:  cancel,
	}
}

// SetExecutor installs the function used to perform commands.
// It must be called before the first Add.
func (q *CommandQueue) SetExecutor(executor Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.executor = executor
}

// Add enqueues a command and blocks until it resolves or the caller's
// context is canceled. The returned string is the accumulated response
// of the matching exchange.
func (q *CommandQueue) Add(ctx context.Context, text, expected string) (string, error) {
	if expected == "" {
		expected = responseOK
	}

	return q.Enqueue(ctx, newCommand(text, expected))
}

// Enqueue adds a prepared command and blocks until its resolution.
// Used directly for commands that opt out of retries.
func (q *CommandQueue) Enqueue(ctx context.Context, cmd *Command) (string, error) {
	if cmd.complete == nil {
		cmd.complete = newCompletion()
	}

	q.mu.Lock()
	q.commands = append(q.commands, cmd)
	size := len(q.commands)
	started := q.processing

	if !started {
		q.processing = true
	}
	q.mu.Unlock()

	logger.DebugKV(ctx, "Command queued", "command", cmd.Text, "queue_size", size)

	if !started {
		go q.processLoop()
	}

	return cmd.complete.wait(ctx)
}

// Clear atomically empties the queue, failing every pending command
// (including the in-flight one) with ErrQueueCleared, and resets the
// queue to idle. Used during shutdown.
func (q *CommandQueue) Clear() {
	q.mu.Lock()
	pending := q.commands
	q.commands = nil
	current := q.current
	cancel := q.runCancel
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	for _, cmd := range pending {
		cmd.complete.fail(ErrQueueCleared)
	}

	if current != nil {
		current.complete.fail(ErrQueueCleared)
	}

	// Aborts the executor of the in-flight command; the loop then
	// observes the already-consumed completion and drops it.
	cancel()
}

// Status returns a concurrent-safe snapshot of the queue.
func (q *CommandQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		Size:       len(q.commands),
		Processing: q.processing,
	}
	if q.current != nil {
		status.CurrentCommand = q.current.Text
	}

	return status
}

// Size returns the number of commands waiting for dispatch.
func (q *CommandQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.commands)
}

// IsEmpty reports whether the queue is idle with no backlog.
func (q *CommandQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.commands) == 0 && !q.processing
}

// processLoop pops and dispatches commands until the backlog is empty.
// It runs on its own goroutine; Enqueue starts it when no loop is active.
func (q *CommandQueue) processLoop() {
	ctx := context.Background()

	for {
		q.mu.Lock()
		if len(q.commands) == 0 {
			q.processing = false
			q.current = nil
			q.mu.Unlock()

			return
		}

		cmd := q.commands[0]
		q.commands = q.commands[1:]
		q.current = cmd
		executor := q.executor
		runCtx := q.runCtx
		q.mu.Unlock()

		if executor == nil {
			// Misconfiguration, not a transient failure: no retry.
			cmd.complete.fail(ErrNoExecutor)
			continue
		}

		response, err := executor(runCtx, cmd)
		if err == nil {
			logger.DebugKV(ctx, "Command succeeded", "command", cmd.Text)
			cmd.complete.resolve(response)

			continue
		}

		// A cleared command was already failed with ErrQueueCleared;
		// it must not be requeued.
		if cmd.complete.isConsumed() {
			continue
		}

		if !cmd.NoRetry && cmd.Retries < q.maxRetries {
			cmd.Retries++
			logger.InfoKV(ctx, "Retrying command",
				"command", cmd.Text,
				"attempt", cmd.Retries,
				"max_retries", q.maxRetries,
				"error", err)

			q.mu.Lock()
			q.commands = append([]*Command{cmd}, q.commands...)
			q.mu.Unlock()

			continue
		}

		if cmd.NoRetry {
			cmd.complete.fail(err)
			continue
		}

		logger.ErrorKV(ctx, "Max retries exceeded", "command", cmd.Text, "error", err)
		cmd.complete.fail(&MaxRetriesError{
			Command: cmd.Text,
			LastErr: err,
		})
	}
}
