// Package guard converts hardware edge interrupts into gated SMS alert
// dispatches and orchestrates the device's components: configuration,
// the GSM modem session and the GPIO triggers.
//
// Edges fire on goroutines outside the pipeline; each one is handed off
// through a bounded, non-blocking queue consumed by a single pipeline
// task that applies the cooldown gate before alerting.
package guard
