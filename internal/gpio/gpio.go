package gpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePollInterval bounds each WaitForEdge call so a watch goroutine
// can observe its stop signal.
const edgePollInterval = time.Second

// Watcher is the GPIO edge-detection capability. Edge callbacks fire on
// a goroutine outside the caller's scheduling domain and must therefore
// never block; consumers hand events off through a bounded queue.
type Watcher interface {
	// Watch configures the pin as a pull-up input and invokes fn on
	// each rising edge, spacing invocations at least debounce apart.
	Watch(pin int, debounce time.Duration, fn func()) error
	// Unwatch stops edge delivery for the pin.
	Unwatch(pin int) error
	// Close stops all watches.
	Close() error
}

// PeriphWatcher implements Watcher on Raspberry Pi GPIO lines
// through periph.io.
type PeriphWatcher struct {
	// mu guards watches.
	mu sync.Mutex
	// watches maps BCM pin numbers to their active watch.
	watches map[int]*pinWatch
}

// pinWatch is one armed pin: the hardware line and the stop signal of
// its edge-wait goroutine.
type pinWatch struct {
	// pin is the configured hardware line.
	pin gpio.PinIO
	// stop terminates the edge-wait goroutine.
	stop chan struct{}
	// done is closed when the goroutine exits.
	done chan struct{}
}

// NewPeriphWatcher initializes the periph host and returns a watcher.
func NewPeriphWatcher() (*PeriphWatcher, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}

	return &PeriphWatcher{
		watches: make(map[int]*pinWatch),
	}, nil
}

// Watch arms the given BCM pin for rising-edge detection.
func (w *PeriphWatcher) Watch(pin int, debounce time.Duration, fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watches[pin]; ok {
		return fmt.Errorf("GPIO%d is already watched", pin)
	}

	line := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if line == nil {
		return fmt.Errorf("GPIO%d not present", pin)
	}

	if err := line.In(gpio.PullUp, gpio.RisingEdge); err != nil {
		return fmt.Errorf("configure GPIO%d: %w", pin, err)
	}

	watch := &pinWatch{
		pin:  line,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.watches[pin] = watch

	go watch.run(debounce, fn)

	return nil
}

// Unwatch stops edge delivery for the pin.
func (w *PeriphWatcher) Unwatch(pin int) error {
	w.mu.Lock()
	watch, ok := w.watches[pin]
	delete(w.watches, pin)
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("GPIO%d is not watched", pin)
	}

	watch.halt()

	return nil
}

// Close stops all watches.
func (w *PeriphWatcher) Close() error {
	w.mu.Lock()
	watches := w.watches
	w.watches = make(map[int]*pinWatch)
	w.mu.Unlock()

	for _, watch := range watches {
		watch.halt()
	}

	return nil
}

// run waits for rising edges and invokes fn, dropping edges that land
// inside the debounce window. Spurious contact bounce produces bursts
// of edges; only the first of a burst survives.
func (p *pinWatch) run(debounce time.Duration, fn func()) {
	defer close(p.done)

	var lastEdge time.Time

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if !p.pin.WaitForEdge(edgePollInterval) {
			continue
		}

		now := time.Now()
		if !lastEdge.IsZero() && now.Sub(lastEdge) < debounce {
			continue
		}

		lastEdge = now

		fn()
	}
}

// halt stops the edge-wait goroutine and releases the line.
func (p *pinWatch) halt() {
	close(p.stop)
	_ = p.pin.Halt()
	<-p.done
}
