// Package busbind binds Go types to message bus interfaces.
//
// A type declares its methods, properties and signals once; objects of
// that type are then either served on a bus connection or used as proxies
// of a remote object, through the same accessors.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	busbind/             Root package (documentation only)
//	├── binding/         Type composition, objects, proxies, signals, request context
//	├── bus/             Bus runtime contract: Conn, Message, Interface, Creds, errors
//	│   ├── loopback/    In-process broker for tests and embedding
//	│   └── sysbus/      D-Bus daemon connections through godbus
//	├── metrics/         Prometheus collector for dispatch, calls and signals
//	├── errors/          Structured error types for debugging
//	└── examples/ping/   Served object and client on the session bus
//
// # Quick Start
//
// Declare a type and serve it:
//
//	var Greeter = binding.MustDefine(binding.Declaration{
//	    Name:      "Greeter",
//	    Interface: "org.example.Greeter",
//	    Members: []binding.Decl{
//	        binding.Method("Greet", "s", "s", (*Service).Greet),
//	    },
//	})
//
//	obj := Greeter.New(&Service{})
//	if err := obj.Export("/org/example/Greeter", conn); err != nil {
//	    log.Fatal(err)
//	}
//	defer obj.Close()
//
// Call it from another connection:
//
//	proxy, err := Greeter.Proxy("org.example.Greeter", "/org/example/Greeter", conn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var reply string
//	err = proxy.CallInto(ctx, "Greet", []any{"World"}, &reply)
//
// A nil connection selects the process-wide default bus, opened from the
// BUSBIND_* environment on first use (see sysbus.ConfigFromEnv).
//
// # Inheritance
//
// Types list base types in Declaration.Bases and inherit their members.
// An inherited member can only be redeclared with OverrideMethod or
// OverrideProperty, which keep the wire name, signature and flags.
//
// # Errors
//
// Handler errors are sent as bus error replies. bus.MapError links a bus
// error name with a Go error in both directions, so a proxy caller can
// test the returned error with errors.Is. Library failures are
// *errors.Error values carrying a phase and a kind.
package busbind
