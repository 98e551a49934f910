package modem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/oshokin/piguard/internal/domain/guard"
	"github.com/oshokin/piguard/internal/logger"
)

// State is the lifecycle phase of a modem session.
type State int

// Session lifecycle states. InitFailed is terminal and reachable only
// from Initializing.
const (
	StateUninitialized State = iota
	StateInitializing
	StateInitFailed
	StateReady
	StateClosing
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitFailed:
		return "init_failed"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStatus is a read-only snapshot of the session.
type SessionStatus struct {
	// State is the lifecycle phase name.
	State string
	// Ready reports whether the bring-up sequence completed.
	Ready bool
	// ChannelOpen reports whether the serial link is open.
	ChannelOpen bool
	// Queue is the command queue snapshot.
	Queue QueueStatus
}

// Options configures a session.
type Options struct {
	// CommandTimeout bounds how long a dispatched command waits for its
	// matching response.
	CommandTimeout time.Duration
	// SettleDelay is the pause after opening the channel before the
	// bring-up sequence, giving the modem time to boot.
	SettleDelay time.Duration
	// MaxRetries bounds re-dispatch of failing commands.
	MaxRetries int
	// Recipients are the SMS alert phone numbers.
	Recipients []string
	// Now supplies timestamps for alert messages. Defaults to time.Now.
	Now func() time.Time
}

const (
	// promptSettleDelay is the pause between receiving the SMS prompt
	// and writing the payload.
	promptSettleDelay = 500 * time.Millisecond
	// readErrorBackoff is the reader's pause after a failed read.
	readErrorBackoff = 500 * time.Millisecond
)

// pendingBinding associates the in-flight command with the serial read
// path: the pattern that resolves it and its one-shot token. At most one
// exists at a time; it is set on dispatch and cleared exactly once by
// whichever of response, timeout or clear happens first.
type pendingBinding struct {
	// expected is the final success pattern.
	expected string
	// token is the one-shot result cell raced by the resolvers.
	token *completion
}

// Session owns the serial channel and drives the AT dialogue: modem
// bring-up, continuous line reading, response classification and SMS
// dispatch. All commands funnel through the embedded CommandQueue.
type Session struct {
	// open creates the serial channel on Initialize.
	open ChannelOpener
	// queue serializes command dispatch.
	queue *CommandQueue
	// commandTimeout bounds each dispatched command.
	commandTimeout time.Duration
	// settleDelay is the modem boot pause.
	settleDelay time.Duration
	// now supplies timestamps for composed messages.
	now func() time.Time

	// mu guards the fields below.
	mu sync.Mutex
	// state is the lifecycle phase.
	state State
	// channel is the open serial link, nil when closed.
	channel Channel
	// pending is the at-most-one in-flight command binding.
	pending *pendingBinding
	// buffer accumulates response lines since the last dispatch.
	buffer []string
	// recipients are the SMS alert phone numbers.
	recipients []string

	// readerCancel stops the line reader task.
	readerCancel context.CancelFunc
	// readerDone is closed when the reader task exits.
	readerDone chan struct{}
}

// NewSession creates a session. The channel is not opened until
// Initialize is called.
func NewSession(open ChannelOpener, opts Options) *Session {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}

	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		open:           open,
		queue:          NewCommandQueue(opts.MaxRetries),
		commandTimeout: opts.CommandTimeout,
		settleDelay:    opts.SettleDelay,
		now:            opts.Now,
		recipients:     opts.Recipients,
	}
	s.queue.SetExecutor(s.execute)

	return s
}

// Initialize opens the serial channel, starts the line reader and runs
// the modem bring-up sequence. Any failure before the best-effort
// network registration query is fatal and leaves the session in
// InitFailed.
func (s *Session) Initialize(ctx context.Context) error {
	s.setState(StateInitializing)
	logger.Info(ctx, "Initializing GSM modem")

	channel, err := s.open()
	if err != nil {
		s.setState(StateInitFailed)

		return fmt.Errorf("open serial channel: %w", err)
	}

	readerCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.channel = channel
	s.readerCancel = cancel
	s.readerDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLines(readerCtx)

	logger.Info(ctx, "Serial channel opened")

	// Let the modem finish booting before talking to it.
	if err := sleepContext(ctx, s.settleDelay); err != nil {
		s.setState(StateInitFailed)

		return err
	}

	bringUp := []string{
		cmdAttention,
		cmdEchoOff,
		cmdSMSTextMode,
		cmdNotifyMode,
	}
	for _, command := range bringUp {
		if _, err := s.queue.Add(ctx, command, responseOK); err != nil {
			s.setState(StateInitFailed)

			return fmt.Errorf("bring-up command %s: %w", command, err)
		}
	}

	// Best effort: a modem without network registration can still
	// accept the rest of the dialogue, so failures are swallowed.
	if _, err := s.queue.Add(ctx, cmdNetworkStatus, responseOK); err != nil {
		logger.Warnf(ctx, "Network registration query failed: %v", err)
	}

	s.setState(StateReady)
	logger.Info(ctx, "GSM modem initialized")

	return nil
}

// SendSMS sends one text message in the two-stage CMGS dialogue: the
// prompt wait, a short settle pause, then the payload with the Ctrl-Z
// terminator. Both stages go through the command queue. The prompt
// stage inherits the normal retry policy; the payload stage opts out,
// so a response lost to a timeout can never turn into a duplicate
// message on the recipient's phone.
func (s *Session) SendSMS(ctx context.Context, number, text string) error {
	if s.State() != StateReady {
		return ErrNotReady
	}

	logger.InfoKV(ctx, "Sending SMS", "recipient", number)

	command := fmt.Sprintf("AT+CMGS=%q", number)
	if _, err := s.queue.Add(ctx, command, promptPattern); err != nil {
		return fmt.Errorf("await prompt: %w", err)
	}

	if err := sleepContext(ctx, promptSettleDelay); err != nil {
		return err
	}

	payload := newCommand(text+string(smsTerminator), responseOK)
	payload.NoRetry = true

	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}

	logger.InfoKV(ctx, "SMS sent", "recipient", number)

	return nil
}

// SendAlert composes a timestamped alert for the trigger and sends it
// to every configured recipient sequentially, respecting the
// single-channel constraint. It never fails outright: the outcome for
// each recipient is collected in the returned list.
func (s *Session) SendAlert(ctx context.Context, triggerName string) []domain.AlertResult {
	recipients := s.Recipients()
	if len(recipients) == 0 {
		return nil
	}

	message := fmt.Sprintf("ALERT: %s triggered at %s",
		triggerName, s.now().Format("2006-01-02 15:04:05"))

	logger.InfoKV(ctx, "Sending alert", "message", message, "recipients", len(recipients))

	results := make([]domain.AlertResult, 0, len(recipients))

	for _, recipient := range recipients {
		err := s.SendSMS(ctx, recipient, message)
		if err != nil {
			logger.ErrorKV(ctx, "Failed to send alert",
				"recipient", recipient,
				"error", err)
		}

		results = append(results, domain.AlertResult{
			Recipient: recipient,
			Success:   err == nil,
			Err:       err,
		})
	}

	return results
}

// Recipients returns the current SMS alert recipients.
func (s *Session) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.recipients))
	copy(out, s.recipients)

	return out
}

// SetRecipients replaces the SMS alert recipients. Used when the
// configuration is reloaded at runtime.
func (s *Session) SetRecipients(recipients []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recipients = make([]string, len(recipients))
	copy(s.recipients, recipients)
}

// Close clears the command queue, failing anything outstanding, stops
// the line reader and closes the serial channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()

		return nil
	}

	s.state = StateClosing
	channel := s.channel
	s.channel = nil
	cancel := s.readerCancel
	s.readerCancel = nil
	done := s.readerDone
	s.mu.Unlock()

	s.queue.Clear()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	if channel != nil {
		err = channel.Close()
	}

	s.setState(StateClosed)

	return err
}

// Status returns a read-only snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	state := s.state
	open := s.channel != nil
	s.mu.Unlock()

	return SessionStatus{
		State:       state.String(),
		Ready:       state == StateReady,
		ChannelOpen: open,
		Queue:       s.queue.Status(),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// setState transitions the session to the given phase.
func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

// execute is the queue's executor: it installs the pending binding,
// writes the command and races the binding's token against the
// configured deadline and the queue's clear signal. Exactly one of
// those owns the resolution; the losers observe the token consumed
// and no-op.
func (s *Session) execute(ctx context.Context, cmd *Command) (string, error) {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()

		return "", ErrChannelNotOpen
	}

	token := newCompletion()
	s.pending = &pendingBinding{
		expected: cmd.Expected,
		token:    token,
	}
	s.buffer = nil
	channel := s.channel
	s.mu.Unlock()

	logger.Debugf(ctx, ">> %s", cmd.Text)

	if _, err := channel.Write([]byte(cmd.Text + lineTerminator)); err != nil {
		s.clearPending(token)

		return "", fmt.Errorf("write command: %w", err)
	}

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	select {
	case <-token.done:
	case <-timer.C:
		if token.fail(fmt.Errorf("%w: %s", ErrCommandTimeout, cmd.Text)) {
			s.clearPending(token)
		}
	case <-ctx.Done():
		// The queue was cleared while this command was in flight.
		if token.fail(ErrQueueCleared) {
			s.clearPending(token)
		}
	}

	return token.result()
}

// clearPending removes the pending binding if it still belongs to the
// given token. A binding already replaced or cleared by the reader is
// left alone.
func (s *Session) clearPending(token *completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.pending.token == token {
		s.pending = nil
		s.buffer = nil
	}
}

// readLines is the continuous reader task: it polls the channel for
// lines for the lifetime of the open link, routing every non-empty
// trimmed line to the classifier. Read errors are logged and retried
// with a backoff rather than terminating the reader.
func (s *Session) readLines(ctx context.Context) {
	defer close(s.readerDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		channel := s.channel
		s.mu.Unlock()

		if channel == nil {
			return
		}

		line, err := channel.ReadLine()
		if err != nil {
			if err == ErrNoData {
				continue
			}

			logger.Errorf(ctx, "Error reading response: %v", err)

			if sleepContext(ctx, readErrorBackoff) != nil {
				return
			}

			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.handleLine(ctx, line)
	}
}

// handleLine classifies one incoming trimmed line against the pending
// command: final error, final success, the bare SMS prompt, or a
// partial line retained in the buffer. Unsolicited lines with no
// pending command are buffered and otherwise ignored.
func (s *Session) handleLine(ctx context.Context, line string) {
	logger.Debugf(ctx, "<< %s", line)

	s.mu.Lock()

	s.buffer = append(s.buffer, line)

	pending := s.pending
	if pending == nil {
		// Unsolicited notification.
		s.mu.Unlock()

		return
	}

	switch {
	case strings.Contains(line, "ERROR") || strings.Contains(line, "FAIL"):
		s.pending = nil
		s.buffer = nil
		s.mu.Unlock()

		pending.token.fail(&ModemError{Line: line})
	case pending.expected == promptPattern && line == promptPattern:
		// The bare prompt resolves immediately, independent of the buffer.
		s.pending = nil
		s.buffer = nil
		s.mu.Unlock()

		pending.token.resolve(promptPattern)
	case strings.Contains(line, pending.expected):
		response := strings.Join(s.buffer, "\n")
		s.pending = nil
		s.buffer = nil
		s.mu.Unlock()

		pending.token.resolve(response)
	default:
		// Partial line: retained in the buffer, no resolution yet.
		s.mu.Unlock()
	}
}

// sleepContext pauses for the duration unless the context is canceled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
