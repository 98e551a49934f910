package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerConfig describes a single hardware contact wired to a GPIO line.
type TriggerConfig struct {
	// Key is the stable identifier of the trigger (e.g. "front_door").
	Key string `yaml:"key"`
	// Name is the human-readable label used in alert messages.
	Name string `yaml:"name"`
	// Pin is the BCM number of the GPIO line the contact is wired to.
	Pin int `yaml:"pin"`
}

// Config holds device parameters for the piguard binary.
type Config struct {
	// SerialPort is the device path of the GSM modem serial link.
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the serial link speed in bits per second.
	BaudRate int `yaml:"baud_rate"`
	// Triggers lists the GPIO contacts to monitor.
	Triggers []TriggerConfig `yaml:"triggers"`
	// PhoneNumbers are the SMS alert recipients.
	PhoneNumbers []string `yaml:"phone_numbers"`
	// CommandTimeout bounds how long a single AT command may wait for its response.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// MaxRetries is how many times a failed AT command is re-dispatched
	// before its error is surfaced.
	MaxRetries int `yaml:"max_retries"`
	// CooldownWindow suppresses repeated alerts after one has been dispatched.
	CooldownWindow time.Duration `yaml:"cooldown_window"`
	// SettleDelay is the pause after opening the serial port before the
	// modem bring-up sequence starts.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// DebounceInterval is the minimum spacing between edge events on one pin.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

const (
	// DefaultConfigFilename is the default filename for device settings.
	DefaultConfigFilename = "piguard-settings.yaml"

	// DefaultBaudRate is the default serial link speed.
	DefaultBaudRate = 9600

	// DefaultCommandTimeout is the default AT command response deadline.
	DefaultCommandTimeout = 5 * time.Second

	// DefaultMaxRetries is the default retry bound for failed AT commands.
	DefaultMaxRetries = 3

	// DefaultCooldownWindow is the default alert suppression interval.
	DefaultCooldownWindow = 5 * time.Minute

	// DefaultSettleDelay is the default modem boot settle pause.
	DefaultSettleDelay = 2 * time.Second

	// DefaultDebounceInterval is the default per-pin edge debounce window.
	DefaultDebounceInterval = 300 * time.Millisecond

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errSerialPortRequired is returned when the serial port path is missing.
	errSerialPortRequired = errors.New("serial port must be provided")
	// errInvalidBaudRate is returned when the baud rate is not positive.
	errInvalidBaudRate = errors.New("baud rate must be positive")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.SerialPort == "" {
		return errSerialPortRequired
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	if cfg.BaudRate < 0 {
		return errInvalidBaudRate
	}

	seen := make(map[string]struct{}, len(cfg.Triggers))

	for _, trigger := range cfg.Triggers {
		if trigger.Key == "" {
			return errors.New("trigger key must not be empty")
		}

		if trigger.Pin < 0 {
			return fmt.Errorf("invalid GPIO pin %d for trigger %q", trigger.Pin, trigger.Key)
		}

		if _, ok := seen[trigger.Key]; ok {
			return fmt.Errorf("duplicate trigger key %q", trigger.Key)
		}

		seen[trigger.Key] = struct{}{}
	}

	// Apply policy defaults when unset.
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultCooldownWindow
	}

	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultDebounceInterval
	}

	return nil
}

// TriggerName returns the display name of a trigger key,
// falling back to the key itself when no name is configured.
func (c *Config) TriggerName(key string) string {
	for _, trigger := range c.Triggers {
		if trigger.Key == key {
			if trigger.Name != "" {
				return trigger.Name
			}

			break
		}
	}

	return key
}
