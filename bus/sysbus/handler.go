package sysbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// handler serves the connection's exports to godbus.
type handler struct {
	c *Conn
}

var _ dbus.Handler = (*handler)(nil)

func (h *handler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	ifaces := h.c.exports.at(path)
	if len(ifaces) == 0 {
		return nil, false
	}
	return &serverObject{c: h.c, ifaces: ifaces}, true
}

type serverObject struct {
	c      *Conn
	ifaces []*bus.Interface
}

// LookupInterface resolves name at the object. An empty name searches every
// exported interface for the method.
func (o *serverObject) LookupInterface(name string) (dbus.Interface, bool) {
	switch name {
	case bus.PropertiesInterface:
		return &propertiesInterface{c: o.c}, true
	case "":
		return &serverInterface{c: o.c, ifaces: o.ifaces}, true
	}
	for _, iface := range o.ifaces {
		if iface.Name == name {
			return &serverInterface{c: o.c, ifaces: []*bus.Interface{iface}}, true
		}
	}
	return nil, false
}

type serverInterface struct {
	c      *Conn
	ifaces []*bus.Interface
}

func (i *serverInterface) LookupMethod(name string) (dbus.Method, bool) {
	for _, iface := range i.ifaces {
		if m, ok := iface.Method(name); ok {
			return &serverMethod{c: i.c, spec: m}, true
		}
	}
	return nil, false
}

// serverMethod adapts a bus.MethodSpec to godbus. DecodeArguments turns
// the raw message into a single *bus.Message argument for Call.
type serverMethod struct {
	c    *Conn
	spec *bus.MethodSpec
}

func (m *serverMethod) DecodeArguments(_ *dbus.Conn, sender string, msg *dbus.Message, _ []any) ([]any, error) {
	call := m.c.inboundCall(sender, msg)
	if call.Signature != m.spec.InSignature {
		return nil, dbus.NewError(bus.ErrorInvalidArgs, []any{
			fmt.Sprintf("%s expects signature %q, got %q", m.spec.Name, m.spec.InSignature, call.Signature),
		})
	}
	return []any{call}, nil
}

func (m *serverMethod) Call(args ...any) ([]any, error) {
	call := args[0].(*bus.Message)
	return m.c.serve(call, m.spec.Handler)
}

func (m *serverMethod) NumArguments() int { return 1 }
func (m *serverMethod) NumReturns() int   { return countArgs(m.spec.OutSignature) }

func (m *serverMethod) ArgumentValue(int) any { return nil }
func (m *serverMethod) ReturnValue(int) any   { return nil }

// propertiesInterface serves org.freedesktop.DBus.Properties from the
// export table.
type propertiesInterface struct {
	c *Conn
}

func (p *propertiesInterface) LookupMethod(name string) (dbus.Method, bool) {
	switch name {
	case "Get", "Set", "GetAll":
		return &propertyMethod{c: p.c, member: name}, true
	}
	return nil, false
}

type propertyMethod struct {
	c      *Conn
	member string
}

func (m *propertyMethod) DecodeArguments(_ *dbus.Conn, sender string, msg *dbus.Message, _ []any) ([]any, error) {
	return []any{m.c.inboundCall(sender, msg)}, nil
}

func (m *propertyMethod) Call(args ...any) ([]any, error) {
	call := args[0].(*bus.Message)
	var (
		body []any
		err  error
	)
	switch m.member {
	case "Get":
		body, err = m.c.propertyGet(call)
	case "Set":
		err = m.c.propertySet(call)
	case "GetAll":
		body, err = m.c.propertyGetAll(call)
	}
	if err != nil {
		return nil, wireError(err)
	}
	return body, nil
}

func (m *propertyMethod) NumArguments() int { return 1 }

func (m *propertyMethod) NumReturns() int {
	if m.member == "Set" {
		return 0
	}
	return 1
}

func (m *propertyMethod) ArgumentValue(int) any { return nil }
func (m *propertyMethod) ReturnValue(int) any   { return nil }

// inboundCall converts a godbus method call into a bus.Message carrying
// the sender's credentials. Credentials are best effort.
func (c *Conn) inboundCall(sender string, msg *dbus.Message) *bus.Message {
	call := bus.NewMessage(c, bus.TypeMethodCall)
	call.Sender = sender
	call.Serial = msg.Serial()
	call.Path, _ = header(msg, dbus.FieldPath).(dbus.ObjectPath)
	call.Interface, _ = header(msg, dbus.FieldInterface).(string)
	call.Member, _ = header(msg, dbus.FieldMember).(string)
	call.Destination, _ = header(msg, dbus.FieldDestination).(string)
	if sig, ok := header(msg, dbus.FieldSignature).(dbus.Signature); ok {
		call.Signature = sig.String()
	}
	call.Body = msg.Body
	call.NoReply = msg.Flags&dbus.FlagNoReplyExpected != 0

	if sender != "" {
		creds, err := c.creds(c.ctx, sender)
		if err != nil {
			c.log.Debug("sender credentials unavailable",
				zap.String("sender", sender),
				zap.Error(err))
		} else {
			call.SetCredentials(creds)
		}
	}
	return call
}

func header(msg *dbus.Message, field dbus.HeaderField) any {
	v, ok := msg.Headers[field]
	if !ok {
		return nil
	}
	return v.Value()
}

// serve runs a method handler and waits for the reply it sends through
// the call. A no-reply call returns as soon as the handler is started.
func (c *Conn) serve(call *bus.Message, run bus.MethodHandler) ([]any, error) {
	rc := &replyConn{Conn: c, serial: call.Serial, done: make(chan *bus.Message, 1)}
	call.SetConn(rc)

	if ce := c.log.Check(zap.DebugLevel, "dispatch"); ce != nil {
		ce.Write(
			zap.Uint32("serial", call.Serial),
			zap.String("sender", call.Sender),
			zap.String("path", string(call.Path)),
			zap.String("interface", call.Interface),
			zap.String("member", call.Member))
	}

	if err := c.runHandler(call, run); err != nil {
		return nil, err
	}
	if call.NoReply {
		return nil, nil
	}

	select {
	case reply := <-rc.done:
		if reply.IsError() {
			return nil, dbus.NewError(reply.ErrorName, reply.Body)
		}
		return reply.Body, nil
	case <-c.ctx.Done():
		return nil, dbus.NewError(bus.ErrorFailed, []any{"connection closed"})
	}
}

func (c *Conn) runHandler(call *bus.Message, run bus.MethodHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("dispatch panic",
				zap.String("path", string(call.Path)),
				zap.String("member", memberName(call.Interface, call.Member)),
				zap.Any("panic", r))
			err = dbus.NewError(bus.ErrorFailed, []any{fmt.Sprint(r)})
		}
	}()
	run(c.ctx, call)
	return nil
}

// replyConn is the connection an inbound call is bound to. It captures the
// call's reply and passes everything else through.
type replyConn struct {
	*Conn
	done   chan *bus.Message
	serial uint32
	once   sync.Once
}

func (r *replyConn) Send(ctx context.Context, msg *bus.Message) error {
	if msg.Type != bus.TypeMethodReturn && msg.Type != bus.TypeError {
		return r.Conn.Send(ctx, msg)
	}
	if msg.ReplySerial != r.serial {
		return errors.InvalidState(errors.PhaseTransport, "", "reply does not answer this call")
	}
	sent := false
	r.once.Do(func() {
		r.done <- msg
		sent = true
	})
	if !sent {
		return errors.InvalidState(errors.PhaseTransport, "", "call already answered")
	}
	return nil
}

// wireError names err for an error reply.
func wireError(err error) *dbus.Error {
	name, _ := bus.ErrorNameFor(err)
	return dbus.NewError(name, []any{bus.ErrorText(err)})
}

func countArgs(sig string) int {
	parts, err := bus.SplitSignature(sig)
	if err != nil {
		return 0
	}
	return len(parts)
}
