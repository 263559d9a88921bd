// Package sysbus implements bus.Conn on a real D-Bus daemon through
// github.com/godbus/dbus/v5.
//
// Open connects to the session or system bus, or to an explicit address:
//
//	cfg, err := sysbus.ConfigFromEnv()
//	if err != nil {
//		return err
//	}
//	conn, err := sysbus.Open(cfg)
//
// Exported interfaces are served by a dbus.Handler backed by the
// connection's own table. Inbound calls carry the sender's credentials as
// reported by the bus daemon (GetConnectionCredentials). Each call is
// dispatched on its own goroutine by godbus; the handler's reply is
// captured and handed back to godbus, which writes it to the wire.
//
// The environment variables BUSBIND_BUS, BUSBIND_ADDRESS and
// BUSBIND_CALL_TIMEOUT select the bus and the default call timeout.
package sysbus
