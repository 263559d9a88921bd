// Package binding maps Go types onto bus interfaces.
//
// A Type is composed once with Define from method, property and signal
// descriptors, optionally inheriting the members of base types:
//
//	var Pinger = binding.MustDefine(binding.Declaration{
//		Name:      "Pinger",
//		Interface: "org.example.Pinger",
//		Members: []binding.Decl{
//			binding.Method("Ping", "", "s", (*Service).Ping),
//			binding.Property("Count", "u", (*Service).Count, nil),
//			binding.Signal("Pinged", "s"),
//		},
//	})
//
// A derived type redeclares an inherited member only through an override
// marker, which keeps the wire metadata and replaces the handler:
//
//	var Counter = binding.MustDefine(binding.Declaration{
//		Name:  "Counter",
//		Bases: []*binding.Type{Pinger},
//		Members: []binding.Decl{
//			binding.OverrideProperty("Count", (*Service).DoubleCount, nil),
//		},
//	})
//
// # Objects
//
// Objects created with Type.New start unbound. Export serves them on a
// connection; Connect (or Type.Proxy) turns them into proxies of a remote
// object. An object is bound at most once. Member access goes through
// Call, Get, Set, Properties, Emit and Subscribe, whichever the state:
// proxies send bus messages, local objects run their handlers.
//
// # Handlers
//
// Handlers receive a context carrying the inbound Request. Sender and
// Credentials read it back; both report false for local calls. Async
// methods run on their own goroutine, Sync methods and all property
// accessors run inline on the connection's dispatch goroutine. A type
// cannot mix the two conventions.
//
// Handler errors are sent as error replies named through bus.MapError.
// Errors without a mapping go out as org.freedesktop.DBus.Error.Failed
// and are logged and counted as unmapped.
//
// # Signals
//
// Subscriptions are held weakly by their object. Dropping the last
// reference to a Subscription unsubscribes it at the next delivery;
// Close does so immediately.
package binding
