package sysbus

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvBus         = "BUSBIND_BUS"
	EnvAddress     = "BUSBIND_ADDRESS"
	EnvCallTimeout = "BUSBIND_CALL_TIMEOUT"

	// envSessionAddress is set by session managers when a session bus runs.
	envSessionAddress = "DBUS_SESSION_BUS_ADDRESS"
)

// Kind selects which bus Open connects to.
type Kind int

const (
	// Auto picks the session bus when one is advertised, else the system bus.
	Auto Kind = iota
	Session
	System
)

func (k Kind) String() string {
	switch k {
	case Session:
		return "session"
	case System:
		return "system"
	default:
		return "auto"
	}
}

// Config describes a bus connection.
type Config struct {
	// Logger overrides the package logger for this connection.
	Logger *zap.Logger

	// Address, when set, wins over Bus.
	Address string

	Bus Kind

	// CallTimeout applies to calls whose context has no deadline.
	// Zero disables it.
	CallTimeout time.Duration
}

// DefaultConfig returns the configuration used without environment
// overrides.
func DefaultConfig() Config {
	return Config{
		Bus:         Auto,
		CallTimeout: bus.DefaultCallTimeout,
	}
}

// ConfigFromEnv returns DefaultConfig with the BUSBIND_* variables applied.
// Unparseable values are reported rather than ignored.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := applyEnvOverrides(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	if raw := getenv(EnvBus); raw != "" {
		kind, ok := parseKind(raw)
		if !ok {
			return errors.InvalidInput(errors.PhaseTransport, EnvBus+": unknown bus "+strconv.Quote(raw))
		}
		cfg.Bus = kind
	}
	if raw := strings.TrimSpace(getenv(EnvAddress)); raw != "" {
		cfg.Address = raw
	}
	if raw := getenv(EnvCallTimeout); raw != "" {
		d, ok := parseTimeout(raw)
		if !ok {
			return errors.InvalidInput(errors.PhaseTransport, EnvCallTimeout+": invalid duration "+strconv.Quote(raw))
		}
		cfg.CallTimeout = d
	}
	return nil
}

func parseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return Auto, true
	case "session", "user":
		return Session, true
	case "system":
		return System, true
	default:
		return Auto, false
	}
}

// parseTimeout accepts Go durations and bare integers as seconds.
func parseTimeout(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d, true
	}
	if n, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// target resolves Auto against the environment.
func (c Config) target(getenv func(string) string) Kind {
	if c.Bus != Auto {
		return c.Bus
	}
	if getenv(envSessionAddress) != "" {
		return Session
	}
	return System
}
