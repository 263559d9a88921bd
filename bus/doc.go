// Package bus defines the contract between declared interfaces and the
// message bus runtime that carries them.
//
// The runtime itself (socket I/O, authentication, wire encoding, the dispatch
// pump) lives behind the Conn interface. Two implementations ship with this
// module:
//
//	bus/loopback   in-process broker, used for tests and embedding
//	bus/sysbus     system/session D-Bus daemon through godbus
//
// # Messages
//
// A Message carries header fields and a decoded body. Values are appended
// against a signature string; basic types are coerced to the signature so
// callers can pass an int where "i" is expected:
//
//	msg := conn.NewMethodCall("org.example", "/test", "org.example.Test", "Add")
//	if err := msg.AppendData("ii", 2, 3); err != nil {
//	    return err
//	}
//	reply, err := conn.Call(ctx, msg)
//	var sum int32
//	err = reply.Store(&sum)
//
// # Interfaces
//
// An Interface groups method, property and signal specs under one bus
// interface name. Method specs carry a handler that receives the inbound
// call and is responsible for sending a reply or error reply. Property specs
// carry a getter that fills an outbound reply and an optional setter that
// reads the new value from an inbound message.
//
// # Errors
//
// Error replies are decoded into *Error, carrying the bus error name and
// message. MapError links a bus error name to a Go error in both directions:
// handler errors matching the Go error are sent under that name, and
// received replies with that name unwrap to the Go error.
package bus
