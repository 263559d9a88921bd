package loopback

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

var errClosed = errors.Closed(errors.PhaseTransport, "connection")

type nameOwner struct {
	conn             *Conn
	allowReplacement bool
}

// Broker routes messages between the connections it created.
type Broker struct {
	conns  map[string]*Conn
	names  map[string]nameOwner
	guid   string
	mu     sync.RWMutex
	next   uint64
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		conns: make(map[string]*Conn),
		names: make(map[string]nameOwner),
		guid:  strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// NewPair connects two peers to a fresh private broker.
func NewPair(opts ...Option) (server, client *Conn, err error) {
	b := NewBroker()
	server, err = b.Connect(opts...)
	if err != nil {
		return nil, nil, err
	}
	client, err = b.Connect(opts...)
	if err != nil {
		return nil, nil, multierr.Append(err, server.Close())
	}
	return server, client, nil
}

// GUID returns the broker id, reported by Peer.GetMachineId.
func (b *Broker) GUID() string {
	return b.guid
}

// Connect attaches a new connection and starts its dispatch goroutine.
func (b *Broker) Connect(opts ...Option) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.Closed(errors.PhaseTransport, "broker")
	}

	b.next++
	c := newConn(b, fmt.Sprintf(":1.%d", b.next), opts)
	b.conns[c.name] = c
	go c.run()

	c.log.Debug("connected", zap.String("description", c.desc))
	return c, nil
}

// Close closes every connection and rejects new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// NameOwner returns the unique name owning name. Unique names own
// themselves while connected.
func (b *Broker) NameOwner(name string) (string, bool) {
	c, ok := b.resolve(name)
	if !ok {
		return "", false
	}
	return c.name, true
}

func (b *Broker) resolve(name string) (*Conn, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if strings.HasPrefix(name, ":") {
		c, ok := b.conns[name]
		return c, ok
	}
	o, ok := b.names[name]
	if !ok {
		return nil, false
	}
	return o.conn, true
}

func (b *Broker) requestName(c *Conn, name string, flags bus.NameFlags) error {
	if name == "" || strings.HasPrefix(name, ":") {
		return errors.InvalidInput(errors.PhaseTransport, fmt.Sprintf("cannot request name %q", name))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, owned := b.names[name]
	switch {
	case !owned, cur.conn == c:
	case flags.Has(bus.NameReplaceExisting) && cur.allowReplacement:
		c.log.Debug("name replaced",
			zap.String("name", name),
			zap.String("previous_owner", cur.conn.name))
	default:
		return errors.New(errors.PhaseTransport, errors.KindExists).
			Detail("name %q is owned by %s", name, cur.conn.name).
			Build()
	}
	b.names[name] = nameOwner{conn: c, allowReplacement: flags.Has(bus.NameAllowReplacement)}
	return nil
}

// ownedNames lists the well-known names owned by c, sorted.
func (b *Broker) ownedNames(c *Conn) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for name, o := range b.names {
		if o.conn == c {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (b *Broker) detach(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c.name)
	for name, o := range b.names {
		if o.conn == c {
			delete(b.names, name)
		}
	}
}

// deliverCall queues a method call on its destination with the sender's
// credentials attached.
func (b *Broker) deliverCall(from *Conn, msg *bus.Message) error {
	dest, ok := b.resolve(msg.Destination)
	if !ok {
		return bus.NewError(bus.ErrorServiceUnknown,
			fmt.Sprintf("the name %s was not provided by any service", msg.Destination))
	}

	in := cloneMessage(msg)
	in.SetConn(dest)
	in.SetCredentials(from.peerCreds())
	if !dest.inbox.Push(in) {
		return bus.NewError(bus.ErrorNoReply, fmt.Sprintf("%s disconnected", dest.name))
	}
	return nil
}

// deliverReply hands a method return or error to the waiting caller.
func (b *Broker) deliverReply(msg *bus.Message) error {
	dest, ok := b.resolve(msg.Destination)
	if !ok {
		// The caller went away; nothing is waiting for this reply.
		return nil
	}
	in := cloneMessage(msg)
	in.SetConn(dest)
	dest.handleReply(in)
	return nil
}

// broadcast offers a signal to every connection's matches.
func (b *Broker) broadcast(msg *bus.Message) {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.deliverSignal(msg)
	}
}

func cloneMessage(msg *bus.Message) *bus.Message {
	out := *msg
	out.Body = slices.Clone(msg.Body)
	return &out
}
