package bus

import (
	"context"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/errors"
)

// MessageType is the bus message kind.
type MessageType uint8

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Message is a bus message with its body already decoded into Go values.
// Serial and ReplySerial are owned by the runtime and correlate replies with
// calls.
type Message struct {
	Body        []any
	conn        Conn
	creds       *Creds
	Sender      string
	Destination string
	Path        dbus.ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	Signature   string
	Serial      uint32
	ReplySerial uint32
	Type        MessageType
	NoReply     bool
}

// NewMessage creates a message of the given type bound to conn.
// Runtimes use it; applications go through Conn.NewMethodCall and friends.
func NewMessage(conn Conn, typ MessageType) *Message {
	return &Message{conn: conn, Type: typ}
}

// Conn returns the connection the message was created on or received from.
func (m *Message) Conn() Conn {
	return m.conn
}

// SetConn attaches the connection replies are sent through.
func (m *Message) SetConn(c Conn) {
	m.conn = c
}

// Credentials returns the sender's credential snapshot attached by the
// runtime to an inbound call.
func (m *Message) Credentials() (*Creds, bool) {
	if m.creds == nil {
		return nil, false
	}
	return m.creds, true
}

// SetCredentials attaches a credential snapshot. Runtimes call this before
// handing an inbound call to a handler.
func (m *Message) SetCredentials(c *Creds) {
	m.creds = c
}

// AppendData appends args encoded against sig. The number of args must
// match the number of complete types in sig.
func (m *Message) AppendData(sig string, args ...any) error {
	parts, err := SplitSignature(sig)
	if err != nil {
		return err
	}
	if len(parts) != len(args) {
		return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Interface(m.Interface).
			Member(m.Member).
			Detail("signature %q needs %d values, got %d", sig, len(parts), len(args)).
			Build()
	}
	body := make([]any, 0, len(args))
	for i, part := range parts {
		v, err := Coerce(part, args[i])
		if err != nil {
			return err
		}
		body = append(body, v)
	}
	m.Body = append(m.Body, body...)
	m.Signature += sig
	return nil
}

// Contents returns a copy of the decoded body.
func (m *Message) Contents() []any {
	return slices.Clone(m.Body)
}

// Store decodes the body into the values pointed to by dest.
func (m *Message) Store(dest ...any) error {
	if err := dbus.Store(m.Body, dest...); err != nil {
		return errors.New(errors.PhaseValidate, errors.KindTypeMismatch).
			Interface(m.Interface).
			Member(m.Member).
			Detail("decode body with signature %q", m.Signature).
			Cause(err).
			Build()
	}
	return nil
}

// NewReply builds an empty method return for this call.
func (m *Message) NewReply() *Message {
	return &Message{
		conn:        m.conn,
		Type:        TypeMethodReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Path:        m.Path,
		Interface:   m.Interface,
		Member:      m.Member,
	}
}

// NewErrorReply builds an error reply for this call.
func (m *Message) NewErrorReply(name, text string) *Message {
	reply := m.NewReply()
	reply.Type = TypeError
	reply.ErrorName = name
	reply.Body = []any{text}
	reply.Signature = "s"
	return reply
}

// NewErrorReplyFor builds an error reply for err using the error mapping
// table. mapped is false when err fell back to the generic Failed name.
func (m *Message) NewErrorReplyFor(err error) (reply *Message, mapped bool) {
	name, mapped := ErrorNameFor(err)
	return m.NewErrorReply(name, ErrorText(err)), mapped
}

// IsError reports whether the message is an error reply.
func (m *Message) IsError() bool {
	return m.Type == TypeError
}

// Err decodes an error reply. It returns nil for other message types.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	return ErrorFromReply(m)
}

// Send sends the message on the connection it is bound to.
func (m *Message) Send(ctx context.Context) error {
	if m.conn == nil {
		return errors.InvalidState(errors.PhaseTransport, "", "message is not bound to a connection")
	}
	return m.conn.Send(ctx, m)
}
