package loopback

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
)

const peerInterface = "org.freedesktop.DBus.Peer"

// run is the connection's dispatch loop.
func (c *Conn) run() {
	for {
		msg, err := c.inbox.Pop(c.ctx)
		if err != nil {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(call *bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("dispatch panic",
				zap.String("path", string(call.Path)),
				zap.String("member", call.Interface+"."+call.Member),
				zap.Any("panic", r))
			c.replyError(call, bus.ErrorFailed, fmt.Sprint(r))
		}
	}()

	if ce := c.log.Check(zap.DebugLevel, "dispatch"); ce != nil {
		ce.Write(
			zap.Uint32("serial", call.Serial),
			zap.String("sender", call.Sender),
			zap.String("path", string(call.Path)),
			zap.String("interface", call.Interface),
			zap.String("member", call.Member))
	}

	switch call.Interface {
	case peerInterface:
		c.dispatchPeer(call)
		return
	case bus.PropertiesInterface:
		c.dispatchProperties(call)
		return
	}

	ifaces := c.exports.at(call.Path)
	if len(ifaces) == 0 {
		c.replyError(call, bus.ErrorUnknownObject, fmt.Sprintf("unknown object %s", call.Path))
		return
	}

	var method *bus.MethodSpec
	if call.Interface == "" {
		for _, iface := range ifaces {
			if m, ok := iface.Method(call.Member); ok {
				method = m
				break
			}
		}
	} else {
		iface, ok := c.exports.lookup(call.Path, call.Interface)
		if !ok {
			c.replyError(call, bus.ErrorUnknownInterface,
				fmt.Sprintf("unknown interface %s at %s", call.Interface, call.Path))
			return
		}
		method, _ = iface.Method(call.Member)
	}
	if method == nil {
		c.replyError(call, bus.ErrorUnknownMethod,
			fmt.Sprintf("unknown method %s.%s", call.Interface, call.Member))
		return
	}
	if call.Signature != method.InSignature {
		c.replyError(call, bus.ErrorInvalidArgs,
			fmt.Sprintf("%s expects signature %q, got %q", call.Member, method.InSignature, call.Signature))
		return
	}

	method.Handler(c.ctx, call)
}

func (c *Conn) dispatchPeer(call *bus.Message) {
	switch call.Member {
	case "Ping":
		c.reply(call, call.NewReply())
	case "GetMachineId":
		reply := call.NewReply()
		if err := reply.AppendData("s", c.broker.GUID()); err != nil {
			c.replyError(call, bus.ErrorFailed, err.Error())
			return
		}
		c.reply(call, reply)
	default:
		c.replyError(call, bus.ErrorUnknownMethod, "unknown method "+peerInterface+"."+call.Member)
	}
}

func (c *Conn) dispatchProperties(call *bus.Message) {
	if len(c.exports.at(call.Path)) == 0 {
		c.replyError(call, bus.ErrorUnknownObject, fmt.Sprintf("unknown object %s", call.Path))
		return
	}

	var reply *bus.Message
	var err error
	switch call.Member {
	case "Get":
		reply, err = c.propertyGet(call)
	case "Set":
		reply, err = c.propertySet(call)
	case "GetAll":
		reply, err = c.propertyGetAll(call)
	default:
		err = bus.NewError(bus.ErrorUnknownMethod, "unknown method "+bus.PropertiesInterface+"."+call.Member)
	}
	if err != nil {
		r, _ := call.NewErrorReplyFor(err)
		c.reply(call, r)
		return
	}
	c.reply(call, reply)
}

func (c *Conn) property(path dbus.ObjectPath, ifaceName, name string) (*bus.PropertySpec, error) {
	iface, ok := c.exports.lookup(path, ifaceName)
	if !ok {
		return nil, bus.NewError(bus.ErrorUnknownInterface,
			fmt.Sprintf("unknown interface %s at %s", ifaceName, path))
	}
	prop, ok := iface.Property(name)
	if !ok {
		return nil, bus.NewError(bus.ErrorUnknownProperty,
			fmt.Sprintf("unknown property %s.%s", ifaceName, name))
	}
	return prop, nil
}

// readProperty runs the getter and wraps its single value in a variant.
func (c *Conn) readProperty(call *bus.Message, prop *bus.PropertySpec) (dbus.Variant, error) {
	out := bus.NewMessage(c, bus.TypeMethodReturn)
	if err := prop.Get(c.ctx, call, out); err != nil {
		return dbus.Variant{}, err
	}
	if len(out.Body) != 1 || out.Signature != prop.Signature {
		return dbus.Variant{}, bus.NewError(bus.ErrorFailed,
			fmt.Sprintf("getter for %s returned signature %q, want %q", prop.Name, out.Signature, prop.Signature))
	}
	return dbus.MakeVariantWithSignature(out.Body[0], dbus.ParseSignatureMust(prop.Signature)), nil
}

func (c *Conn) propertyGet(call *bus.Message) (*bus.Message, error) {
	var iface, name string
	if err := call.Store(&iface, &name); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, err.Error())
	}
	prop, err := c.property(call.Path, iface, name)
	if err != nil {
		return nil, err
	}
	v, err := c.readProperty(call, prop)
	if err != nil {
		return nil, err
	}
	reply := call.NewReply()
	if err := reply.AppendData("v", v); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Conn) propertySet(call *bus.Message) (*bus.Message, error) {
	var (
		iface, name string
		v           dbus.Variant
	)
	if err := call.Store(&iface, &name, &v); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, err.Error())
	}
	prop, err := c.property(call.Path, iface, name)
	if err != nil {
		return nil, err
	}
	if !prop.Writable() {
		return nil, bus.NewError(bus.ErrorPropertyReadOnly,
			fmt.Sprintf("property %s.%s is read-only", iface, name))
	}
	if v.Signature().String() != prop.Signature {
		return nil, bus.NewError(bus.ErrorInvalidArgs,
			fmt.Sprintf("property %s expects %q, got %q", name, prop.Signature, v.Signature().String()))
	}

	value := bus.NewMessage(c, bus.TypeMethodCall)
	value.Path = call.Path
	value.Interface = iface
	value.Member = name
	value.Body = []any{v.Value()}
	value.Signature = prop.Signature
	if err := prop.Set(c.ctx, call, value); err != nil {
		return nil, err
	}
	return call.NewReply(), nil
}

func (c *Conn) propertyGetAll(call *bus.Message) (*bus.Message, error) {
	var ifaceName string
	if err := call.Store(&ifaceName); err != nil {
		return nil, bus.NewError(bus.ErrorInvalidArgs, err.Error())
	}
	iface, ok := c.exports.lookup(call.Path, ifaceName)
	if !ok {
		return nil, bus.NewError(bus.ErrorUnknownInterface,
			fmt.Sprintf("unknown interface %s at %s", ifaceName, call.Path))
	}

	all := make(map[string]dbus.Variant, len(iface.Properties))
	for i := range iface.Properties {
		prop := &iface.Properties[i]
		if prop.Flags.Has(bus.FlagHidden) {
			continue
		}
		v, err := c.readProperty(call, prop)
		if err != nil {
			return nil, err
		}
		all[prop.Name] = v
	}
	reply := call.NewReply()
	if err := reply.AppendData("a{sv}", all); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Conn) reply(call, reply *bus.Message) {
	if call.NoReply {
		return
	}
	if err := c.Send(context.Background(), reply); err != nil {
		c.log.Debug("reply not sent",
			zap.Uint32("reply_serial", call.Serial),
			zap.Error(err))
	}
}

func (c *Conn) replyError(call *bus.Message, name, text string) {
	c.reply(call, call.NewErrorReply(name, text))
}
