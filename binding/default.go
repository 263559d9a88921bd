package binding

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/bus/sysbus"
	"github.com/wippyai/busbind/errors"
)

// Opener creates the process-wide default bus.
type Opener func() (bus.Conn, error)

var defaultBus struct {
	conn   bus.Conn
	err    error
	open   Opener
	mu     sync.Mutex
	opened bool
}

// openSystem connects to the bus selected by the BUSBIND_* environment.
func openSystem() (bus.Conn, error) {
	cfg, err := sysbus.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return sysbus.Open(cfg)
}

// DefaultBus returns the process-wide bus used when Export or Connect get
// a nil connection. It is opened on first use; the outcome, including a
// failure, is kept for the life of the process.
func DefaultBus() (bus.Conn, error) {
	defaultBus.mu.Lock()
	defer defaultBus.mu.Unlock()

	if !defaultBus.opened {
		open := defaultBus.open
		if open == nil {
			open = openSystem
		}
		defaultBus.conn, defaultBus.err = open()
		defaultBus.opened = true
		if defaultBus.err != nil {
			Logger().Warn("default bus unavailable", zap.Error(defaultBus.err))
		} else {
			Logger().Debug("default bus opened", zap.String("unique_name", defaultBus.conn.UniqueName()))
		}
	}
	return defaultBus.conn, defaultBus.err
}

// SetDefaultBus installs c as the default bus. It fails once a default bus
// has been opened or installed.
func SetDefaultBus(c bus.Conn) error {
	if c == nil {
		return errors.InvalidInput(errors.PhaseBind, "default bus must not be nil")
	}

	defaultBus.mu.Lock()
	defer defaultBus.mu.Unlock()

	if defaultBus.opened {
		return errors.InvalidState(errors.PhaseBind, "", "default bus is already set")
	}
	defaultBus.conn = c
	defaultBus.opened = true
	return nil
}

// SetDefaultOpener changes how DefaultBus opens the bus. It has no effect
// once the default bus exists.
func SetDefaultOpener(open Opener) {
	defaultBus.mu.Lock()
	defaultBus.open = open
	defaultBus.mu.Unlock()
}

// resolveConn returns c, or the default bus when c is nil.
func resolveConn(c bus.Conn) (bus.Conn, error) {
	if c != nil {
		return c, nil
	}
	return DefaultBus()
}
