package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/piguard/internal/config"
	domain "github.com/oshokin/piguard/internal/domain/guard"
	"github.com/oshokin/piguard/internal/modem"
)

// fakeModem records the session calls the pipeline makes.
type fakeModem struct {
	// mu guards the fields below.
	mu sync.Mutex
	// initErr is returned by Initialize.
	initErr error
	// initialized reports whether Initialize was called.
	initialized bool
	// closed reports whether Close was called.
	closed bool
	// recipients are the current alert phone numbers.
	recipients []string
	// sent are the (number, text) pairs passed to SendSMS.
	sent [][2]string
	// alerts are the trigger names passed to SendAlert.
	alerts []string
	// alertResults are returned by SendAlert.
	alertResults []domain.AlertResult
}

func (m *fakeModem) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = true

	return m.initErr
}

func (m *fakeModem) SendSMS(_ context.Context, number, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, [2]string{number, text})

	return nil
}

func (m *fakeModem) SendAlert(_ context.Context, triggerName string) []domain.AlertResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, triggerName)

	return m.alertResults
}

func (m *fakeModem) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.recipients))
	copy(out, m.recipients)

	return out
}

func (m *fakeModem) SetRecipients(recipients []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recipients = make([]string, len(recipients))
	copy(m.recipients, recipients)
}

func (m *fakeModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *fakeModem) Status() modem.SessionStatus {
	return modem.SessionStatus{State: "ready", Ready: true, ChannelOpen: true}
}

func (m *fakeModem) alertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.alerts)
}

func (m *fakeModem) sentMessages() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][2]string, len(m.sent))
	copy(out, m.sent)

	return out
}

// fakeWatcher records pin registrations and lets tests fire edges by hand.
type fakeWatcher struct {
	// mu guards the fields below.
	mu sync.Mutex
	// failPins reject registration.
	failPins map[int]bool
	// handlers are the registered edge callbacks by pin.
	handlers map[int]func()
	// unwatched are the pins passed to Unwatch.
	unwatched []int
	// closed reports whether Close was called.
	closed bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		failPins: make(map[int]bool),
		handlers: make(map[int]func()),
	}
}

func (w *fakeWatcher) Watch(pin int, _ time.Duration, fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failPins[pin] {
		return errors.New("pin unavailable")
	}

	w.handlers[pin] = fn

	return nil
}

func (w *fakeWatcher) Unwatch(pin int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.handlers, pin)
	w.unwatched = append(w.unwatched, pin)

	return nil
}

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true

	return nil
}

func (w *fakeWatcher) fire(pin int) {
	w.mu.Lock()
	fn := w.handlers[pin]
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func testConfig() *config.Config {
	return &config.Config{
		SerialPort:   "/dev/ttyUSB0",
		PhoneNumbers: []string{"+15551234567"},
		Triggers: []config.TriggerConfig{
			{Key: "front_door", Name: "Front Door", Pin: 17},
			{Key: "motion", Pin: 27},
		},
	}
}

// TestInitialize_ArmsTriggers asserts the modem is brought up, triggers
// armed and the startup notification sent.
func TestInitialize_ArmsTriggers(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	watcher := newFakeWatcher()
	service := NewService(testConfig(), session, watcher, nil)

	require.NoError(t, service.Initialize(context.Background()))

	require.True(t, session.initialized)
	require.Contains(t, watcher.handlers, 17)
	require.Contains(t, watcher.handlers, 27)

	status := service.Status()
	require.True(t, status.Running)
	require.Len(t, status.Triggers, 2)
	require.Equal(t, "Front Door", status.Triggers[0].Name)
	// A trigger without a display name falls back to its key.
	require.Equal(t, "motion", status.Triggers[1].Name)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "+15551234567", sent[0][0])
	require.Contains(t, sent[0][1], "PiGuard surveillance system is now active")
}

// TestInitialize_ModemFailureIsFatal asserts a modem bring-up failure
// aborts initialization before any trigger is armed.
func TestInitialize_ModemFailureIsFatal(t *testing.T) {
	t.Parallel()

	bringUpErr := errors.New("modem did not respond")
	session := &fakeModem{initErr: bringUpErr}
	watcher := newFakeWatcher()
	service := NewService(testConfig(), session, watcher, nil)

	err := service.Initialize(context.Background())
	require.ErrorIs(t, err, bringUpErr)
	require.Empty(t, watcher.handlers)
	require.False(t, service.Status().Running)
}

// TestInitialize_PartialTriggerFailure asserts a failing pin loses only
// that trigger.
func TestInitialize_PartialTriggerFailure(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	watcher := newFakeWatcher()
	watcher.failPins[17] = true

	service := NewService(testConfig(), session, watcher, nil)

	require.NoError(t, service.Initialize(context.Background()))

	status := service.Status()
	require.Len(t, status.Triggers, 1)
	require.Equal(t, "motion", status.Triggers[0].Key)
}

// TestInitialize_WithoutGPIO asserts the device still comes up when no
// GPIO hardware is available.
func TestInitialize_WithoutGPIO(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	service := NewService(testConfig(), session, nil, nil)

	require.NoError(t, service.Initialize(context.Background()))
	require.Empty(t, service.Status().Triggers)
	require.True(t, service.Status().Running)
}

// TestCooldownGate asserts edges inside the cooldown window are dropped
// and the first edge past the boundary dispatches again.
func TestCooldownGate(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}

	cfg := testConfig()
	cfg.CooldownWindow = 5 * time.Minute

	service := NewService(cfg, session, nil, nil)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	service.now = func() time.Time { return current }

	ctx := context.Background()
	event := edgeEvent{key: "front_door", name: "Front Door"}

	service.handleEdge(ctx, event)
	require.Equal(t, 1, session.alertCount())

	// Inside the window: dropped.
	current = base.Add(100 * time.Second)
	service.handleEdge(ctx, event)
	require.Equal(t, 1, session.alertCount())

	// At the exact boundary the window has elapsed.
	current = base.Add(5 * time.Minute)
	service.handleEdge(ctx, event)
	require.Equal(t, 2, session.alertCount())
}

// TestCooldownGate_ClosesBeforeDispatch asserts the gate closes before
// the alert goes out, so a second edge arriving during a slow dispatch
// is still suppressed.
func TestCooldownGate_ClosesBeforeDispatch(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}

	cfg := testConfig()
	cfg.CooldownWindow = 5 * time.Minute

	service := NewService(cfg, session, nil, nil)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	service.handleEdge(context.Background(), edgeEvent{key: "a", name: "A"})

	service.mu.RLock()
	lastAlert := service.lastAlert
	service.mu.RUnlock()

	require.Equal(t, now, lastAlert)
}

// TestCooldownGate_SharedAcrossTriggers asserts the gate is global: an
// alert from one trigger suppresses near-simultaneous edges from others.
func TestCooldownGate_SharedAcrossTriggers(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}

	cfg := testConfig()
	cfg.CooldownWindow = 5 * time.Minute

	service := NewService(cfg, session, nil, nil)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	service.handleEdge(ctx, edgeEvent{key: "front_door", name: "Front Door"})
	service.handleEdge(ctx, edgeEvent{key: "motion", name: "motion"})

	require.Equal(t, []string{"Front Door"}, session.alerts)
}

// TestEdgeSource_NonBlocking asserts a full handoff queue drops edges
// instead of blocking the hardware callback.
func TestEdgeSource_NonBlocking(t *testing.T) {
	t.Parallel()

	events := make(chan edgeEvent, 2)
	source := &edgeSource{key: "front_door", name: "Front Door", events: events}

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 10; i++ {
			source.fire()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("edge callback blocked on a full queue")
	}

	require.Len(t, events, 2)
}

// TestRun_DispatchesQueuedEdges asserts the pipeline consumes edges
// fired by the hardware callback and dispatches alerts.
func TestRun_DispatchesQueuedEdges(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	watcher := newFakeWatcher()
	service := NewService(testConfig(), session, watcher, nil)

	require.NoError(t, service.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)

	go func() {
		runDone <- service.Run(ctx)
	}()

	watcher.fire(17)

	require.Eventually(t, func() bool {
		return session.alertCount() == 1
	}, time.Second, time.Millisecond)

	session.mu.Lock()
	alerted := session.alerts[0]
	session.mu.Unlock()
	require.Equal(t, "Front Door", alerted)

	cancel()

	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * pipelinePollInterval):
		t.Fatal("pipeline did not observe cancellation")
	}
}

// TestRun_AppliesConfigUpdates asserts reloaded configuration reaches
// the session and the cooldown gate.
func TestRun_AppliesConfigUpdates(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	updates := make(chan *config.Config, 1)
	service := NewService(testConfig(), session, nil, updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)

	go func() {
		runDone <- service.Run(ctx)
	}()

	updated := testConfig()
	updated.PhoneNumbers = []string{"+15559876543"}
	updated.CooldownWindow = time.Minute
	updates <- updated

	require.Eventually(t, func() bool {
		recipients := session.Recipients()

		return len(recipients) == 1 && recipients[0] == "+15559876543"
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		service.mu.RLock()
		defer service.mu.RUnlock()

		return service.cooldown == time.Minute
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)
}

// TestShutdown asserts triggers are disarmed and the session closed.
func TestShutdown(t *testing.T) {
	t.Parallel()

	session := &fakeModem{recipients: []string{"+15551234567"}}
	watcher := newFakeWatcher()
	service := NewService(testConfig(), session, watcher, nil)

	require.NoError(t, service.Initialize(context.Background()))
	require.NoError(t, service.Shutdown(context.Background()))

	require.ElementsMatch(t, []int{17, 27}, watcher.unwatched)
	require.True(t, watcher.closed)
	require.True(t, session.closed)
	require.False(t, service.Status().Running)
}

// TestStartupNotification_NoRecipients asserts startup without phone
// numbers sends nothing and still succeeds.
func TestStartupNotification_NoRecipients(t *testing.T) {
	t.Parallel()

	session := &fakeModem{}
	service := NewService(testConfig(), session, nil, nil)

	require.NoError(t, service.Initialize(context.Background()))
	require.Empty(t, session.sentMessages())
}
