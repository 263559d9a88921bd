package bus

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultCallTimeout applies to method calls whose context has no deadline.
const DefaultCallTimeout = 25 * time.Second

// Conn is a connection to a message bus.
//
// Implementations serialize I/O but allow many logical calls in flight.
// Replies are matched to calls by serial, so a caller that abandons Call
// through its context must not disturb other calls; a late reply is dropped.
type Conn interface {
	// UniqueName returns the connection's unique bus name (":1.42").
	UniqueName() string

	// NewMethodCall creates a method call message addressed to destination.
	NewMethodCall(destination string, path dbus.ObjectPath, iface, member string) *Message

	// NewSignal creates a signal message emitted from path.
	NewSignal(path dbus.ObjectPath, iface, member string) *Message

	// Call sends msg and waits for the reply. An error reply is returned
	// as *Error.
	Call(ctx context.Context, msg *Message) (*Message, error)

	// Send sends msg without waiting for a reply.
	Send(ctx context.Context, msg *Message) error

	// RegisterInterface makes iface callable at path until the returned
	// registration is closed.
	RegisterInterface(path dbus.ObjectPath, iface *Interface) (Registration, error)

	// AddMatch subscribes to signals matching m.
	AddMatch(ctx context.Context, m Match) (SignalSource, error)

	// RequestName acquires a well-known name for this connection.
	RequestName(ctx context.Context, name string, flags NameFlags) error

	// Close shuts the connection down and fails calls in flight.
	Close() error
}

// Registration is an exported interface owned by the registering object.
type Registration interface {
	Close() error
}

// SignalSource yields signal messages in arrival order.
type SignalSource interface {
	Next(ctx context.Context) (*Message, error)
	Close() error
}

// Match filters signals. Empty fields match anything.
type Match struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
}

// Matches reports whether msg satisfies the header filters. Sender is
// compared literally; runtimes resolve well-known names before calling.
func (m Match) Matches(msg *Message) bool {
	if msg.Type != TypeSignal {
		return false
	}
	if m.Sender != "" && m.Sender != msg.Sender {
		return false
	}
	if m.Path != "" && m.Path != msg.Path {
		return false
	}
	if m.Interface != "" && m.Interface != msg.Interface {
		return false
	}
	if m.Member != "" && m.Member != msg.Member {
		return false
	}
	return true
}

// Rule renders m as a bus match rule string.
func (m Match) Rule() string {
	rule := "type='signal'"
	if m.Sender != "" {
		rule += ",sender='" + m.Sender + "'"
	}
	if m.Path != "" {
		rule += ",path='" + string(m.Path) + "'"
	}
	if m.Interface != "" {
		rule += ",interface='" + m.Interface + "'"
	}
	if m.Member != "" {
		rule += ",member='" + m.Member + "'"
	}
	return rule
}
