package loopback

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
)

// Option configures a connection created by Broker.Connect.
type Option func(*Conn)

// WithCredentials sets the credentials attached to calls sent by the
// connection. The bus-level fields (unique name, well-known names,
// description) are still filled in by the broker.
func WithCredentials(c *bus.Creds) Option {
	return func(conn *Conn) {
		conn.creds = c.Clone()
	}
}

// WithCallTimeout sets the timeout applied to Call when the context has no
// deadline. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(conn *Conn) {
		conn.timeout = d
	}
}

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) Option {
	return func(conn *Conn) {
		conn.log = l
	}
}

// WithDescription sets a human-readable connection description.
func WithDescription(desc string) Option {
	return func(conn *Conn) {
		conn.desc = desc
	}
}
