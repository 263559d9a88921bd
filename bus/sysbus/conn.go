package sysbus

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

const signalBuffer = 64

var errClosed = errors.Closed(errors.PhaseTransport, "connection")

// Conn is a connection to a D-Bus daemon. It implements bus.Conn.
type Conn struct {
	ctx     context.Context
	conn    *dbus.Conn
	log     *zap.Logger
	exports *exports
	signals chan *dbus.Signal
	sources map[*source]struct{}
	cancel  context.CancelFunc

	// creds fetches the credentials of an inbound call's sender.
	creds func(ctx context.Context, sender string) (*bus.Creds, error)

	name    string
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

var _ bus.Conn = (*Conn)(nil)

func newConn(cfg Config) *Conn {
	c := &Conn{
		log:     cfg.Logger,
		timeout: cfg.CallTimeout,
		exports: newExports(),
		sources: make(map[*source]struct{}),
	}
	if c.log == nil {
		c.log = Logger()
	}
	c.creds = c.fetchCreds
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Open connects to the bus described by cfg.
func Open(cfg Config) (*Conn, error) {
	c := newConn(cfg)
	opts := []dbus.ConnOption{dbus.WithHandler(&handler{c: c})}

	var (
		conn *dbus.Conn
		err  error
		desc string
	)
	switch {
	case cfg.Address != "":
		desc = cfg.Address
		conn, err = dbus.Connect(cfg.Address, opts...)
	case cfg.target(os.Getenv) == Session:
		desc = Session.String()
		conn, err = dbus.ConnectSessionBus(opts...)
	default:
		desc = System.String()
		conn, err = dbus.ConnectSystemBus(opts...)
	}
	if err != nil {
		c.cancel()
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, err, "connect to "+desc+" bus")
	}

	c.conn = conn
	if names := conn.Names(); len(names) > 0 {
		c.name = names[0]
	}
	c.log = c.log.With(zap.String("conn", c.name))

	c.signals = make(chan *dbus.Signal, signalBuffer)
	conn.Signal(c.signals)
	go c.pumpSignals()

	c.log.Debug("connected", zap.String("bus", desc))
	return c, nil
}

// UniqueName returns the daemon-assigned name, e.g. ":1.42".
func (c *Conn) UniqueName() string {
	return c.name
}

// Raw returns the underlying godbus connection.
func (c *Conn) Raw() *dbus.Conn {
	return c.conn
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
// deadline the configured call timeout applies.
func (c *Conn) Call(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	if msg.Type != bus.TypeMethodCall {
		return nil, errors.InvalidInput(errors.PhaseTransport, "Call needs a method call message")
	}
	if msg.NoReply {
		return nil, errors.InvalidInput(errors.PhaseTransport, "Call on a no-reply message; use Send")
	}
	if c.isClosed() {
		return nil, errClosed
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	obj := c.conn.Object(msg.Destination, msg.Path)
	call := obj.CallWithContext(ctx, memberName(msg.Interface, msg.Member), 0, msg.Body...)
	if call.Err != nil {
		if ctx.Err() != nil {
			c.log.Debug("call abandoned",
				zap.String("destination", msg.Destination),
				zap.String("member", memberName(msg.Interface, msg.Member)),
				zap.Error(ctx.Err()))
			return nil, ctx.Err()
		}
		return nil, c.callError(msg, call.Err)
	}

	reply := bus.NewMessage(c, bus.TypeMethodReturn)
	reply.Sender = msg.Destination
	reply.Destination = c.name
	reply.Path = msg.Path
	reply.Interface = msg.Interface
	reply.Member = msg.Member
	reply.Body = call.Body
	reply.Signature = dbus.SignatureOf(call.Body...).String()
	return reply, nil
}

// callError turns a failed godbus call into *bus.Error when the peer
// answered with an error reply.
func (c *Conn) callError(msg *bus.Message, err error) error {
	var name string
	var body []any
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case stderrors.As(err, &dep):
		name, body = dep.Name, dep.Body
	case stderrors.As(err, &de):
		name, body = de.Name, de.Body
	default:
		if stderrors.Is(err, dbus.ErrClosed) {
			return errClosed
		}
		return errors.New(errors.PhaseTransport, errors.KindConnectionFailure).
			Interface(msg.Interface).
			Member(msg.Member).
			Path(string(msg.Path)).
			Cause(err).
			Build()
	}

	reply := bus.NewMessage(c, bus.TypeError)
	reply.Sender = msg.Destination
	reply.ErrorName = name
	reply.Body = body
	return bus.ErrorFromReply(reply)
}

// Send sends msg without waiting. Method calls go out with the no-reply
// flag; replies can only be sent through the call they answer.
func (c *Conn) Send(ctx context.Context, msg *bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errClosed
	}

	switch msg.Type {
	case bus.TypeMethodCall:
		obj := c.conn.Object(msg.Destination, msg.Path)
		call := obj.GoWithContext(ctx, memberName(msg.Interface, msg.Member), dbus.FlagNoReplyExpected, nil, msg.Body...)
		if call.Err != nil {
			return errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, call.Err, "send "+msg.Member)
		}
		return nil
	case bus.TypeSignal:
		if err := c.conn.Emit(msg.Path, memberName(msg.Interface, msg.Member), msg.Body...); err != nil {
			return errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, err, "emit "+msg.Member)
		}
		return nil
	case bus.TypeMethodReturn, bus.TypeError:
		return errors.InvalidState(errors.PhaseTransport, "", "reply sent outside the call it answers")
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

	reg, err := c.exports.add(path, iface)
	if err != nil {
		return nil, err
	}
	c.log.Debug("interface exported",
		zap.String("path", string(path)),
		zap.String("interface", iface.Name),
		zap.Int("methods", len(iface.Methods)),
		zap.Int("properties", len(iface.Properties)),
		zap.Int("signals", len(iface.Signals)))
	return reg, nil
}

// RequestName acquires a well-known name. Requests are never queued
// behind another owner.
func (c *Conn) RequestName(ctx context.Context, name string, flags bus.NameFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errClosed
	}

	reply, err := c.conn.RequestName(name, dbus.RequestNameFlags(flags|bus.NameDoNotQueue))
	if err != nil {
		return c.callError(&bus.Message{Destination: bus.BusName, Interface: bus.BusName, Member: "RequestName"}, err)
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		c.log.Debug("name acquired", zap.String("name", name))
		return nil
	default:
		return errors.New(errors.PhaseTransport, errors.KindExists).
			Value(name).
			Detail("name is owned by another connection").
			Build()
	}
}

// Close disconnects from the bus. Subscriptions end and exports are
// dropped.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sources := make([]*source, 0, len(c.sources))
	for s := range c.sources {
		sources = append(sources, s)
	}
	clear(c.sources)
	c.mu.Unlock()

	c.cancel()
	for _, s := range sources {
		s.queue.Close()
	}
	c.exports.close()

	var err error
	if c.conn != nil {
		c.conn.RemoveSignal(c.signals)
		err = c.conn.Close()
	}
	c.log.Debug("closed")
	if err != nil {
		return errors.Wrap(errors.PhaseTransport, errors.KindConnectionFailure, err, "close")
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// memberName joins an interface and member the way godbus expects.
func memberName(iface, member string) string {
	if iface == "" {
		return member
	}
	return iface + "." + member
}

// splitMember is the inverse of memberName.
func splitMember(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
