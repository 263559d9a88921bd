package bus

import (
	"github.com/godbus/dbus/v5"
)

const (
	// BusName is the well-known name of the bus itself.
	BusName = "org.freedesktop.DBus"

	// PropertiesInterface carries Get, Set, GetAll and PropertiesChanged.
	PropertiesInterface = "org.freedesktop.DBus.Properties"
)

// NewPropertyGet builds a Properties.Get call for iface.name.
func NewPropertyGet(c Conn, dest string, path dbus.ObjectPath, iface, name string) (*Message, error) {
	msg := c.NewMethodCall(dest, path, PropertiesInterface, "Get")
	if err := msg.AppendData("ss", iface, name); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewPropertySet builds a Properties.Set call. value is coerced to sig and
// wrapped in a variant; a "v" property nests the coerced variant.
func NewPropertySet(c Conn, dest string, path dbus.ObjectPath, iface, name, sig string, value any) (*Message, error) {
	v, err := Coerce(sig, value)
	if err != nil {
		return nil, err
	}
	variant := dbus.MakeVariantWithSignature(v, dbus.ParseSignatureMust(sig))
	msg := c.NewMethodCall(dest, path, PropertiesInterface, "Set")
	if err := msg.AppendData("ssv", iface, name, variant); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewPropertyGetAll builds a Properties.GetAll call for iface.
func NewPropertyGetAll(c Conn, dest string, path dbus.ObjectPath, iface string) (*Message, error) {
	msg := c.NewMethodCall(dest, path, PropertiesInterface, "GetAll")
	if err := msg.AppendData("s", iface); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewPropertiesChanged builds a PropertiesChanged signal.
func NewPropertiesChanged(c Conn, path dbus.ObjectPath, iface string, changed map[string]dbus.Variant, invalidated []string) (*Message, error) {
	if changed == nil {
		changed = map[string]dbus.Variant{}
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	msg := c.NewSignal(path, PropertiesInterface, "PropertiesChanged")
	if err := msg.AppendData("sa{sv}as", iface, changed, invalidated); err != nil {
		return nil, err
	}
	return msg, nil
}
