package sysbus

import (
	"bytes"
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/bus"
)

// fetchCreds asks the daemon for the credentials of sender.
func (c *Conn) fetchCreds(ctx context.Context, sender string) (*bus.Creds, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var dict map[string]dbus.Variant
	err := c.conn.BusObject().
		CallWithContext(ctx, bus.BusName+".GetConnectionCredentials", 0, sender).
		Store(&dict)
	if err != nil {
		return nil, c.callError(&bus.Message{Destination: bus.BusName, Interface: bus.BusName, Member: "GetConnectionCredentials"}, err)
	}
	return credsFromDict(sender, dict), nil
}

// credsFromDict maps a GetConnectionCredentials reply onto bus.Creds.
// Keys the daemon does not report leave their mask bit clear.
func credsFromDict(sender string, dict map[string]dbus.Variant) *bus.Creds {
	creds := &bus.Creds{UniqueName: sender, Mask: bus.CredUniqueName}
	if v, ok := dict["UnixUserID"].Value().(uint32); ok {
		creds.UID = v
		creds.Mask |= bus.CredUID
	}
	if v, ok := dict["ProcessID"].Value().(uint32); ok {
		creds.PID = v
		creds.Mask |= bus.CredPID
	}
	if v, ok := dict["UnixGroupIDs"].Value().([]uint32); ok {
		creds.SupplementaryGIDs = v
		creds.Mask |= bus.CredSupplementaryGIDs
	}
	if v, ok := dict["LinuxSecurityLabel"].Value().([]byte); ok {
		creds.SELinuxContext = string(bytes.TrimRight(v, "\x00"))
		creds.Mask |= bus.CredSELinuxContext
	}
	return creds
}
