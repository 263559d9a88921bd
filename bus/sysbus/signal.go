package sysbus

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// AddMatch installs a match rule on the daemon and returns a source fed by
// the connection's signal pump. A well-known sender is resolved to its
// current owner once, when the match is added.
func (c *Conn) AddMatch(ctx context.Context, m bus.Match) (bus.SignalSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, errClosed
	}

	local := m
	if isWellKnown(m.Sender) {
		var owner string
		err := c.conn.BusObject().CallWithContext(ctx, bus.BusName+".GetNameOwner", 0, m.Sender).Store(&owner)
		if err != nil {
			c.log.Debug("sender has no owner yet",
				zap.String("sender", m.Sender),
				zap.Error(err))
		} else {
			local.Sender = owner
		}
	}

	opts := matchOptions(m)
	if err := c.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, err, "add match "+m.Rule())
	}

	s := &source{conn: c, match: local, opts: opts, queue: bus.NewQueue[*bus.Message]()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	c.sources[s] = struct{}{}
	c.mu.Unlock()

	c.log.Debug("match added", zap.String("rule", m.Rule()))
	return s, nil
}

// pumpSignals fans signals from godbus out to the matching sources.
func (c *Conn) pumpSignals() {
	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.deliver(signalMessage(c, sig))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) deliver(msg *bus.Message) {
	c.mu.Lock()
	sources := make([]*source, 0, len(c.sources))
	for s := range c.sources {
		sources = append(sources, s)
	}
	c.mu.Unlock()

	for _, s := range sources {
		if s.match.Matches(msg) {
			in := *msg
			s.queue.Push(&in)
		}
	}
}

// signalMessage converts a godbus signal into a bus.Message.
func signalMessage(c bus.Conn, sig *dbus.Signal) *bus.Message {
	msg := bus.NewMessage(c, bus.TypeSignal)
	msg.Sender = sig.Sender
	msg.Path = sig.Path
	msg.Interface, msg.Member = splitMember(sig.Name)
	msg.Body = sig.Body
	msg.Signature = dbus.SignatureOf(sig.Body...).String()
	return msg
}

func matchOptions(m bus.Match) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if m.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(m.Sender))
	}
	if m.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(m.Path))
	}
	if m.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(m.Interface))
	}
	if m.Member != "" {
		opts = append(opts, dbus.WithMatchMember(m.Member))
	}
	return opts
}

func isWellKnown(name string) bool {
	return name != "" && !strings.HasPrefix(name, ":") && name != bus.BusName
}

// source is a signal subscription created by AddMatch.
type source struct {
	conn  *Conn
	queue *bus.Queue[*bus.Message]
	opts  []dbus.MatchOption
	match bus.Match
}

func (s *source) Next(ctx context.Context) (*bus.Message, error) {
	return s.queue.Pop(ctx)
}

func (s *source) Close() error {
	s.conn.mu.Lock()
	_, live := s.conn.sources[s]
	delete(s.conn.sources, s)
	s.conn.mu.Unlock()
	s.queue.Close()

	if !live {
		return nil
	}
	if err := s.conn.conn.RemoveMatchSignalContext(context.Background(), s.opts...); err != nil {
		return errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, err, "remove match "+s.match.Rule())
	}
	return nil
}
