package sysbus

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/bus"
)

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

// readProperty runs the getter and wraps its value in a variant of the
// declared signature.
func (c *Conn) readProperty(call *bus.Message, prop *bus.PropertySpec) (dbus.Variant, error) {
	out := bus.NewMessage(call.Conn(), bus.TypeMethodReturn)
	if err := prop.Get(c.ctx, call, out); err != nil {
		return dbus.Variant{}, err
	}
	if len(out.Body) != 1 || out.Signature != prop.Signature {
		return dbus.Variant{}, bus.NewError(bus.ErrorFailed,
			fmt.Sprintf("getter for %s returned signature %q, want %q", prop.Name, out.Signature, prop.Signature))
	}
	return dbus.MakeVariantWithSignature(out.Body[0], dbus.ParseSignatureMust(prop.Signature)), nil
}

func (c *Conn) propertyGet(call *bus.Message) ([]any, error) {
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
	return []any{v}, nil
}

func (c *Conn) propertySet(call *bus.Message) error {
	var (
		iface, name string
		v           dbus.Variant
	)
	if err := call.Store(&iface, &name, &v); err != nil {
		return bus.NewError(bus.ErrorInvalidArgs, err.Error())
	}
	prop, err := c.property(call.Path, iface, name)
	if err != nil {
		return err
	}
	if !prop.Writable() {
		return bus.NewError(bus.ErrorPropertyReadOnly,
			fmt.Sprintf("property %s.%s is read-only", iface, name))
	}
	if got := v.Signature().String(); got != prop.Signature {
		return bus.NewError(bus.ErrorInvalidArgs,
			fmt.Sprintf("property %s expects %q, got %q", name, prop.Signature, got))
	}

	value := bus.NewMessage(call.Conn(), bus.TypeMethodCall)
	value.Path = call.Path
	value.Interface = iface
	value.Member = name
	value.Body = []any{v.Value()}
	value.Signature = prop.Signature
	return prop.Set(c.ctx, call, value)
}

func (c *Conn) propertyGetAll(call *bus.Message) ([]any, error) {
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
	return []any{all}, nil
}
