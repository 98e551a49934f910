package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/piguard/internal/config"
	domain "github.com/oshokin/piguard/internal/domain/guard"
	"github.com/oshokin/piguard/internal/gpio"
	"github.com/oshokin/piguard/internal/logger"
	"github.com/oshokin/piguard/internal/modem"
)

// Modem is the subset of the modem session the service drives.
type Modem interface {
	Initialize(ctx context.Context) error
	SendSMS(ctx context.Context, number, text string) error
	SendAlert(ctx context.Context, triggerName string) []domain.AlertResult
	Recipients() []string
	SetRecipients(recipients []string)
	Close() error
	Status() modem.SessionStatus
}

// Status is a read-only snapshot of the whole device.
type Status struct {
	// Running reports whether the pipeline is active.
	Running bool
	// Triggers are the armed triggers and their cooldown state.
	Triggers []domain.TriggerStatus
	// Modem is the modem session snapshot.
	Modem modem.SessionStatus
}

// edgeEvent is one surviving hardware edge, identified by its trigger.
type edgeEvent struct {
	// key is the trigger identifier.
	key string
	// name is the trigger display name.
	name string
}

// edgeSource is the handler registered for one pin. Edge callbacks run
// on the hardware watch goroutine, so fire only performs a non-blocking
// enqueue and never touches shared state.
type edgeSource struct {
	// key identifies the trigger.
	key string
	// name is the trigger display name.
	name string
	// events is the bounded handoff queue into the pipeline.
	events chan<- edgeEvent
}

// fire hands the edge off to the pipeline. A full queue drops the edge:
// the pipeline is already saturated with events for the same burst.
func (e *edgeSource) fire() {
	select {
	case e.events <- edgeEvent{key: e.key, name: e.name}:
	default:
	}
}

// edgeQueueCapacity bounds the handoff queue between hardware watch
// goroutines and the pipeline task.
const edgeQueueCapacity = 16

// pipelinePollInterval bounds how long the pipeline waits between
// checks, so shutdown is observed promptly.
const pipelinePollInterval = time.Second

// Service is the trigger pipeline: it arms GPIO triggers, consumes
// their edges through the bounded queue and turns surviving events into
// alert dispatches against the modem session.
type Service struct {
	// session is the GSM modem driving SMS delivery.
	session Modem
	// watcher is the GPIO capability, nil when hardware is unavailable.
	watcher gpio.Watcher
	// updates delivers reloaded configuration snapshots, may be nil.
	updates <-chan *config.Config
	// now supplies timestamps for the cooldown gate.
	now func() time.Time
	// edges is the bounded handoff queue.
	edges chan edgeEvent
	// debounce is the per-pin minimum inter-edge interval.
	debounce time.Duration
	// configured are the triggers from configuration, armed or not.
	configured []config.TriggerConfig

	// mu guards the fields below.
	mu sync.RWMutex
	// triggers are the successfully armed triggers, in configuration order.
	triggers []*domain.Trigger
	// lastAlert is when the last alert was dispatched.
	lastAlert time.Time
	// cooldown is the alert suppression window.
	cooldown time.Duration
	// running reports whether the pipeline is active.
	running bool
}

// NewService creates the trigger pipeline. The watcher may be nil on
// platforms without GPIO; triggers are then reported unarmed and the
// device still initializes the modem. The updates channel may be nil
// when live configuration reload is disabled.
func NewService(cfg *config.Config, session Modem, watcher gpio.Watcher, updates <-chan *config.Config) *Service {
	return &Service{
		session:    session,
		watcher:    watcher,
		updates:    updates,
		now:        time.Now,
		edges:      make(chan edgeEvent, edgeQueueCapacity),
		debounce:   cfg.DebounceInterval,
		configured: cfg.Triggers,
		cooldown:   cfg.CooldownWindow,
	}
}

// Initialize brings up the modem session, arms the configured triggers
// and sends the startup notification. A modem bring-up failure is fatal;
// a trigger registration failure only loses that trigger.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize modem: %w", err)
	}

	s.setupTriggers(ctx)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	logger.Info(ctx, "System ready and monitoring")

	s.sendStartupNotification(ctx)

	return nil
}

// setupTriggers registers edge detection for every configured trigger.
// Registration failures are logged and skipped, so the remaining
// triggers still arm.
func (s *Service) setupTriggers(ctx context.Context) {
	if s.watcher == nil {
		logger.Warn(ctx, "GPIO is not available, triggers will not be armed")

		return
	}

	armed := 0

	for _, trigger := range s.configured {
		name := trigger.Name
		if name == "" {
			name = trigger.Key
		}

		source := &edgeSource{
			key:    trigger.Key,
			name:   name,
			events: s.edges,
		}

		if err := s.watcher.Watch(trigger.Pin, s.debounce, source.fire); err != nil {
			logger.ErrorKV(ctx, "Failed to arm trigger",
				"trigger", trigger.Key,
				"pin", trigger.Pin,
				"error", err)

			continue
		}

		s.mu.Lock()
		s.triggers = append(s.triggers, &domain.Trigger{
			Key:   trigger.Key,
			Name:  name,
			Pin:   trigger.Pin,
			Armed: true,
		})
		s.mu.Unlock()

		logger.InfoKV(ctx, "Trigger armed", "trigger", trigger.Key, "pin", trigger.Pin)

		armed++
	}

	if armed == 0 {
		logger.Warn(ctx, "No GPIO triggers configured")

		return
	}

	logger.Infof(ctx, "%d trigger(s) configured successfully", armed)
}

// Run is the pipeline task: it consumes queued edges, applies the
// cooldown gate and dispatches alerts, until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(pipelinePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-s.updates:
			s.applyConfig(ctx, cfg)
		case event := <-s.edges:
			s.handleEdge(ctx, event)
		case <-ticker.C:
			// Bounded poll so shutdown is observed even with no events.
		}
	}
}

// handleEdge applies the cooldown gate to one surviving edge and
// dispatches an alert when the gate is open. The gate closes before
// dispatch, so a burst of near-simultaneous edges across triggers
// collapses to a single outgoing alert.
func (s *Service) handleEdge(ctx context.Context, event edgeEvent) {
	now := s.now()

	s.mu.Lock()
	if s.inCooldownLocked(now) {
		s.mu.Unlock()

		logger.InfoKV(ctx, "In cooldown period, skipping alert", "trigger", event.key)

		return
	}

	s.lastAlert = now
	s.mu.Unlock()

	logger.InfoKV(ctx, "Trigger fired", "trigger", event.key, "name", event.name)

	results := s.session.SendAlert(ctx, event.name)
	for _, result := range results {
		if !result.Success {
			logger.ErrorKV(ctx, "Failed to send alert",
				"recipient", result.Recipient,
				"error", result.Err)
		}
	}
}

// applyConfig adopts a reloaded configuration snapshot: recipients and
// the cooldown window can change at runtime.
func (s *Service) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	s.session.SetRecipients(cfg.PhoneNumbers)

	s.mu.Lock()
	s.cooldown = cfg.CooldownWindow
	s.mu.Unlock()

	logger.InfoKV(ctx, "Applied configuration update",
		"recipients", len(cfg.PhoneNumbers),
		"cooldown_window", cfg.CooldownWindow)
}

// sendStartupNotification tells every recipient the device is active.
// Best effort: failures are logged and do not affect startup.
func (s *Service) sendStartupNotification(ctx context.Context) {
	recipients := s.session.Recipients()
	if len(recipients) == 0 {
		logger.Warn(ctx, "No phone numbers configured, SMS alerts will not be sent")

		return
	}

	message := fmt.Sprintf("PiGuard surveillance system is now active at %s",
		s.now().Format("2006-01-02 15:04:05"))

	for _, recipient := range recipients {
		if err := s.session.SendSMS(ctx, recipient, message); err != nil {
			logger.ErrorKV(ctx, "Failed to send startup notification",
				"recipient", recipient,
				"error", err)

			continue
		}

		logger.InfoKV(ctx, "Startup notification sent", "recipient", recipient)
	}
}

// Shutdown disarms all triggers, stops the GPIO watcher and closes the
// modem session.
func (s *Service) Shutdown(ctx context.Context) error {
	logger.Info(ctx, "Shutting down")

	s.mu.Lock()
	s.running = false
	triggers := s.triggers
	s.mu.Unlock()

	if s.watcher != nil {
		for _, trigger := range triggers {
			if err := s.watcher.Unwatch(trigger.Pin); err != nil {
				logger.ErrorKV(ctx, "Failed to disarm trigger",
					"trigger", trigger.Key,
					"error", err)
			}
		}

		if err := s.watcher.Close(); err != nil {
			logger.Errorf(ctx, "Failed to close GPIO watcher: %v", err)
		}
	}

	if err := s.session.Close(); err != nil {
		return fmt.Errorf("close modem session: %w", err)
	}

	logger.Info(ctx, "Shutdown complete")

	return nil
}

// Status returns a read-only snapshot of the device.
func (s *Service) Status() Status {
	now := s.now()

	s.mu.RLock()
	inCooldown := s.inCooldownLocked(now)
	triggers := make([]domain.TriggerStatus, 0, len(s.triggers))

	for _, trigger := range s.triggers {
		triggers = append(triggers, domain.TriggerStatus{
			Key:        trigger.Key,
			Name:       trigger.Name,
			Pin:        trigger.Pin,
			InCooldown: inCooldown,
		})
	}

	running := s.running
	s.mu.RUnlock()

	return Status{
		Running:  running,
		Triggers: triggers,
		Modem:    s.session.Status(),
	}
}

// inCooldownLocked reports whether the cooldown gate is closed.
// Callers must hold mu.
func (s *Service) inCooldownLocked(now time.Time) bool {
	return !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < s.cooldown
}
