package modem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingExecutor captures dispatch order and delegates each command
// to a scripted outcome.
type recordingExecutor struct {
	// mu guards dispatched.
	mu sync.Mutex
	// dispatched is the command texts in dispatch order.
	dispatched []string
	// run produces the outcome of one dispatch.
	run func(ctx context.Context, cmd *Command) (string, error)
}

func (e *recordingExecutor) execute(ctx context.Context, cmd *Command) (string, error) {
	e.mu.Lock()
	e.dispatched = append(e.dispatched, cmd.Text)
	e.mu.Unlock()

	return e.run(ctx, cmd)
}

func (e *recordingExecutor) order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, len(e.dispatched))
	copy(out, e.dispatched)

	return out
}

// TestQueueAdd_NoExecutor asserts dispatch fails fast when no executor
// is configured.
func TestQueueAdd_NoExecutor(t *testing.T) {
	t.Parallel()

	q := NewCommandQueue(3)

	_, err := q.Add(context.Background(), "AT", "OK")
	require.ErrorIs(t, err, ErrNoExecutor)
	require.Eventually(t, q.IsEmpty, time.Second, 10*time.Millisecond)
}

// TestQueueAdd_FIFO asserts commands resolve in dispatch order: a
// command added while another is in flight cannot overtake it.
func TestQueueAdd_FIFO(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	executor := &recordingExecutor{
		run: func(_ context.Context, cmd *Command) (string, error) {
			if cmd.Text == "A" {
				<-release
			}

			return cmd.Text, nil
		},
	}

	q := NewCommandQueue(3)
	q.SetExecutor(executor.execute)

	results := make(chan error, 3)
	addAndRecord := func(text string) {
		_, err := q.Add(context.Background(), text, "OK")
		results <- err
	}

	go addAndRecord("A")

	// Wait until A is in flight, then stack B and C behind it.
	require.Eventually(t, func() bool {
		return q.Status().CurrentCommand == "A"
	}, time.Second, time.Millisecond)

	go addAndRecord("B")

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)

	go addAndRecord("C")

	require.Eventually(t, func() bool { return q.Size() == 2 }, time.Second, time.Millisecond)

	close(release)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("command did not resolve")
		}
	}

	require.Equal(t, []string{"A", "B", "C"}, executor.order())
}

// TestQueueRetry_HeadOfLine asserts a failing command is re-dispatched
// ahead of freshly enqueued work and resolves with the eventual success.
func TestQueueRetry_HeadOfLine(t *testing.T) {
	t.Parallel()

	var (
		started  = make(chan struct{})
		proceed  = make(chan struct{})
		failures = 2
		attempts int
	)

	executor := &recordingExecutor{}
	executor.run = func(_ context.Context, cmd *Command) (string, error) {
		if cmd.Text != "A" {
			return cmd.Text, nil
		}

		attempts++
		if attempts == 1 {
			close(started)
			<-proceed
		}

		if attempts <= failures {
			return "", &ModemError{Line: "ERROR"}
		}

		return "recovered", nil
	}

	q := NewCommandQueue(3)
	q.SetExecutor(executor.execute)

	type outcome struct {
		response string
		err      error
	}

	resultA := make(chan outcome, 1)
	resultB := make(chan error, 1)

	go func() {
		response, err := q.Add(context.Background(), "A", "OK")
		resultA <- outcome{response: response, err: err}
	}()

	<-started

	go func() {
		_, err := q.Add(context.Background(), "B", "OK")
		resultB <- err
	}()

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)
	close(proceed)

	select {
	case got := <-resultA:
		require.NoError(t, got.err)
		require.Equal(t, "recovered", got.response)
	case <-time.After(time.Second):
		t.Fatal("command did not resolve")
	}

	require.NoError(t, <-resultB)

	// All three A attempts precede B.
	require.Equal(t, []string{"A", "A", "A", "B"}, executor.order())
}

// TestQueueRetry_MaxRetriesExceeded asserts the terminal error wraps the
// failure mode of the final attempt.
func TestQueueRetry_MaxRetriesExceeded(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"modem error": &ModemError{Line: "ERROR"},
		"timeout":     fmt.Errorf("%w: AT", ErrCommandTimeout),
	}

	for name, lastErr := range cases {
		lastErr := lastErr

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			attempts := 0
			q := NewCommandQueue(3)
			q.SetExecutor(func(context.Context, *Command) (string, error) {
				attempts++

				return "", lastErr
			})

			_, err := q.Add(context.Background(), "AT", "OK")

			var maxErr *MaxRetriesError

			require.ErrorAs(t, err, &maxErr)
			require.ErrorIs(t, err, lastErr)
			require.Equal(t, 4, attempts, "initial attempt plus three retries")
		})
	}
}

// TestQueueRetry_NoRetryFailsImmediately asserts an opted-out command is
// never re-dispatched.
func TestQueueRetry_NoRetryFailsImmediately(t *testing.T) {
	t.Parallel()

	attempts := 0
	q := NewCommandQueue(3)
	q.SetExecutor(func(context.Context, *Command) (string, error) {
		attempts++

		return "", fmt.Errorf("%w: payload", ErrCommandTimeout)
	})

	cmd := newCommand("payload", "OK")
	cmd.NoRetry = true

	_, err := q.Enqueue(context.Background(), cmd)
	require.ErrorIs(t, err, ErrCommandTimeout)

	var maxErr *MaxRetriesError

	require.False(t, errors.As(err, &maxErr))
	require.Equal(t, 1, attempts)
}

// TestQueueClear_InFlight asserts Clear fails the in-flight command with
// ErrQueueCleared and leaves the queue empty and idle.
func TestQueueClear_InFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	q := NewCommandQueue(3)
	q.SetExecutor(func(ctx context.Context, _ *Command) (string, error) {
		close(started)
		<-ctx.Done()

		return "", ErrQueueCleared
	})

	inFlight := make(chan error, 1)

	go func() {
		_, err := q.Add(context.Background(), "A", "OK")
		inFlight <- err
	}()

	<-started

	queued := make(chan error, 1)

	go func() {
		_, err := q.Add(context.Background(), "B", "OK")
		queued <- err
	}()

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)

	q.Clear()

	require.ErrorIs(t, <-inFlight, ErrQueueCleared)
	require.ErrorIs(t, <-queued, ErrQueueCleared)
	require.Eventually(t, q.IsEmpty, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, q.Size())
}

// TestQueueClear_NextGenerationRuns asserts commands added after a clear
// are processed normally.
func TestQueueClear_NextGenerationRuns(t *testing.T) {
	t.Parallel()

	q := NewCommandQueue(3)
	q.SetExecutor(func(_ context.Context, cmd *Command) (string, error) {
		return cmd.Text, nil
	})

	q.Clear()

	response, err := q.Add(context.Background(), "AT", "OK")
	require.NoError(t, err)
	require.Equal(t, "AT", response)
}

// TestCompletion_SingleWinner asserts the one-shot cell rejects a second
// write regardless of order.
func TestCompletion_SingleWinner(t *testing.T) {
	t.Parallel()

	c := newCompletion()
	require.True(t, c.resolve("first"))
	require.False(t, c.fail(errors.New("late")))
	require.False(t, c.resolve("late"))

	response, err := c.result()
	require.NoError(t, err)
	require.Equal(t, "first", response)

	c = newCompletion()
	require.True(t, c.fail(ErrCommandTimeout))
	require.False(t, c.resolve("late"))

	_, err = c.result()
	require.ErrorIs(t, err, ErrCommandTimeout)
}
