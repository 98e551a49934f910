package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/piguard/internal/config"
	"github.com/oshokin/piguard/internal/gpio"
	"github.com/oshokin/piguard/internal/logger"
	"github.com/oshokin/piguard/internal/modem"
	"github.com/oshokin/piguard/internal/serialport"
)

// Options controls the piguard process and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
}

// shutdownTimeout bounds how long shutdown may take once the run
// context is canceled.
const shutdownTimeout = 10 * time.Second

// Run wires up and starts the device, blocking until the context is
// canceled. A modem bring-up failure is returned to the caller, which
// owns the decision to shut the whole process down.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "piguard")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger.InfoKV(ctx, "Configuration loaded",
		"serial_port", cfg.SerialPort,
		"baud_rate", cfg.BaudRate,
		"triggers", len(cfg.Triggers),
		"phone_numbers", len(cfg.PhoneNumbers))

	session := modem.NewSession(
		func() (modem.Channel, error) {
			return serialport.Open(cfg.SerialPort, cfg.BaudRate)
		},
		modem.Options{
			CommandTimeout: cfg.CommandTimeout,
			SettleDelay:    cfg.SettleDelay,
			MaxRetries:     cfg.MaxRetries,
			Recipients:     cfg.PhoneNumbers,
		})

	// GPIO is absent off-device; the modem side still works there.
	var watcher gpio.Watcher

	periphWatcher, err := gpio.NewPeriphWatcher()
	if err != nil {
		logger.Warnf(ctx, "GPIO is not available: %v", err)
	} else {
		watcher = periphWatcher
	}

	// Live reload is a convenience; its absence is not fatal.
	var updates <-chan *config.Config

	configWatcher, err := config.NewWatcher(opts.ConfigPath)
	if err != nil {
		logger.Warnf(ctx, "Config reload is disabled: %v", err)
	} else {
		updates = configWatcher.Updates()
	}

	service := NewService(cfg, session, watcher, updates)

	if err := service.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize device: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return service.Run(groupCtx)
	})

	if configWatcher != nil {
		group.Go(func() error {
			return configWatcher.Run(groupCtx)
		})
	}

	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(logger.ToContext(context.Background(), logger.FromContext(ctx)), shutdownTimeout)
	defer cancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Errorf(shutdownCtx, "Shutdown failed: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}
