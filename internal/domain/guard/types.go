package guard

// Trigger represents a hardware contact being monitored for edges.
type Trigger struct {
	// Key is the stable identifier of the trigger.
	Key string
	// Name is the human-readable label used in alert messages.
	Name string
	// Pin is the BCM number of the GPIO line.
	Pin int
	// Armed reports whether edge detection was successfully registered.
	Armed bool
}

// Clone returns a copy of the trigger.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}

	cloned := *t

	return &cloned
}

// AlertResult is the outcome of one SMS alert attempt to one recipient.
type AlertResult struct {
	// Recipient is the phone number the alert was sent to.
	Recipient string
	// Success reports whether the SMS was accepted by the modem.
	Success bool
	// Err describes the failure when Success is false.
	Err error
}

// TriggerStatus is a read-only snapshot of one trigger for status reporting.
type TriggerStatus struct {
	// Key is the stable identifier of the trigger.
	Key string
	// Name is the human-readable label.
	Name string
	// Pin is the BCM number of the GPIO line.
	Pin int
	// InCooldown reports whether alerts are currently suppressed.
	InCooldown bool
}
