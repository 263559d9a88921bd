package loopback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// Conn is one peer on a Broker. It implements bus.Conn.
type Conn struct {
	ctx     context.Context
	broker  *Broker
	creds   *bus.Creds
	log     *zap.Logger
	inbox   *bus.Queue[*bus.Message]
	exports *registry
	pending map[uint32]chan *bus.Message
	matches map[*source]struct{}
	cancel  context.CancelFunc
	name    string
	desc    string
	timeout time.Duration
	serial  atomic.Uint32
	mu      sync.Mutex
	closed  bool
}

var _ bus.Conn = (*Conn)(nil)

func newConn(b *Broker, name string, opts []Option) *Conn {
	c := &Conn{
		broker:  b,
		name:    name,
		timeout: bus.DefaultCallTimeout,
		inbox:   bus.NewQueue[*bus.Message](),
		exports: newRegistry(),
		pending: make(map[uint32]chan *bus.Message),
		matches: make(map[*source]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil {
		c.creds = processCreds()
	}
	if c.log == nil {
		c.log = Logger()
	}
	c.log = c.log.With(zap.String("conn", name))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// UniqueName returns the broker-assigned name, e.g. ":1.3".
func (c *Conn) UniqueName() string {
	return c.name
}

// Broker returns the broker the connection belongs to.
func (c *Conn) Broker() *Broker {
	return c.broker
}

func (c *Conn) NewMethodCall(destination string, path dbus.ObjectPath, iface, member string) *bus.Message {
	msg := bus.NewMessage(c, bus.TypeMethodCall)
	msg.Destination = destination
	msg.Path = path
	msg.Interface = iface
	msg.Member = member
	msg.Sender = c.name
	return msg
}

func (c *Conn) NewSignal(path dbus.ObjectPath, iface, member string) *bus.Message {
	msg := bus.NewMessage(c, bus.TypeSignal)
	msg.Path = path
	msg.Interface = iface
	msg.Member = member
	msg.Sender = c.name
	return msg
}

// Call sends a method call and waits for its reply. Without a context
// deadline the connection call timeout applies.
func (c *Conn) Call(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	if msg.Type != bus.TypeMethodCall {
		return nil, errors.InvalidInput(errors.PhaseTransport, "Call needs a method call message")
	}
	if msg.NoReply {
		return nil, errors.InvalidInput(errors.PhaseTransport, "Call on a no-reply message; use Send")
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := make(chan *bus.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	msg.Serial = c.serial.Add(1)
	msg.Sender = c.name
	c.pending[msg.Serial] = ch
	c.mu.Unlock()
	defer c.forget(msg.Serial)

	if err := c.broker.deliverCall(c, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.IsError() {
			return nil, reply.Err()
		}
		return reply, nil
	case <-ctx.Done():
		c.log.Debug("call abandoned",
			zap.Uint32("serial", msg.Serial),
			zap.String("destination", msg.Destination),
			zap.String("member", msg.Interface+"."+msg.Member),
			zap.Error(ctx.Err()))
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, errClosed
	}
}

// Send sends msg without waiting. Method returns and errors are routed to
// their destination's pending call; signals are broadcast.
func (c *Conn) Send(ctx context.Context, msg *bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errClosed
	}
	if msg.Serial == 0 {
		msg.Serial = c.serial.Add(1)
	}
	msg.Sender = c.name

	switch msg.Type {
	case bus.TypeMethodCall:
		return c.broker.deliverCall(c, msg)
	case bus.TypeMethodReturn, bus.TypeError:
		return c.broker.deliverReply(msg)
	case bus.TypeSignal:
		c.broker.broadcast(msg)
		return nil
	default:
		return errors.InvalidInput(errors.PhaseTransport, "cannot send message of type "+msg.Type.String())
	}
}

// RegisterInterface exports iface at path until the registration is closed.
func (c *Conn) RegisterInterface(path dbus.ObjectPath, iface *bus.Interface) (bus.Registration, error) {
	if !path.IsValid() {
		return nil, errors.New(errors.PhaseTransport, errors.KindInvalidInput).
			Path(string(path)).
			Detail("invalid object path").
			Build()
	}
	if iface == nil || iface.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseTransport, "interface name is required")
	}

	h, err := c.exports.insert(path, iface)
	if err != nil {
		return nil, err
	}
	c.log.Debug("interface exported",
		zap.String("path", string(path)),
		zap.String("interface", iface.Name),
		zap.Int("methods", len(iface.Methods)),
		zap.Int("properties", len(iface.Properties)),
		zap.Int("signals", len(iface.Signals)))
	return &registration{reg: c.exports, h: h}, nil
}

// AddMatch subscribes to broadcast signals matching m.
func (c *Conn) AddMatch(ctx context.Context, m bus.Match) (bus.SignalSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errClosed
	}
	s := &source{conn: c, match: m, queue: bus.NewQueue[*bus.Message]()}
	c.matches[s] = struct{}{}
	c.log.Debug("match added", zap.String("rule", m.Rule()))
	return s, nil
}

// RequestName acquires a well-known name. An owned name is only taken over
// with NameReplaceExisting when its owner allowed replacement; queueing is
// not supported.
func (c *Conn) RequestName(ctx context.Context, name string, flags bus.NameFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errClosed
	}
	return c.broker.requestName(c, name, flags)
}

// Close detaches the connection. Calls in flight fail, subscriptions end
// and exports are dropped.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	matches := make([]*source, 0, len(c.matches))
	for s := range c.matches {
		matches = append(matches, s)
	}
	clear(c.matches)
	c.mu.Unlock()

	c.broker.detach(c)
	c.cancel()
	c.inbox.Close()
	for _, s := range matches {
		s.queue.Close()
	}
	c.exports.close()

	c.log.Debug("closed")
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) forget(serial uint32) {
	c.mu.Lock()
	delete(c.pending, serial)
	c.mu.Unlock()
}

func (c *Conn) handleReply(msg *bus.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ReplySerial]
	if ok {
		delete(c.pending, msg.ReplySerial)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping reply without pending call",
			zap.Uint32("reply_serial", msg.ReplySerial),
			zap.String("sender", msg.Sender))
		return
	}
	ch <- msg
}

func (c *Conn) deliverSignal(msg *bus.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	matches := make([]*source, 0, len(c.matches))
	for s := range c.matches {
		matches = append(matches, s)
	}
	c.mu.Unlock()

	for _, s := range matches {
		if s.accepts(msg) {
			in := cloneMessage(msg)
			in.SetConn(c)
			s.queue.Push(in)
		}
	}
}

// peerCreds is the snapshot attached to calls this connection sends.
func (c *Conn) peerCreds() *bus.Creds {
	creds := c.creds.Clone()
	creds.UniqueName = c.name
	creds.WellKnownNames = c.broker.ownedNames(c)
	creds.Mask |= bus.CredUniqueName | bus.CredWellKnownNames
	if c.desc != "" {
		creds.Description = c.desc
		creds.Mask |= bus.CredDescription
	}
	return creds
}

// source is a signal subscription created by AddMatch.
type source struct {
	conn  *Conn
	queue *bus.Queue[*bus.Message]
	match bus.Match
}

func (s *source) accepts(msg *bus.Message) bool {
	m := s.match
	if m.Sender != "" && m.Sender[0] != ':' {
		owner, ok := s.conn.broker.NameOwner(m.Sender)
		if !ok {
			return false
		}
		m.Sender = owner
	}
	return m.Matches(msg)
}

func (s *source) Next(ctx context.Context) (*bus.Message, error) {
	return s.queue.Pop(ctx)
}

func (s *source) Close() error {
	s.conn.mu.Lock()
	delete(s.conn.matches, s)
	s.conn.mu.Unlock()
	s.queue.Close()
	return nil
}
