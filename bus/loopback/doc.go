// Package loopback implements the bus runtime contract in process.
//
// A Broker plays the part of the message bus daemon: it hands out unique
// names, tracks well-known name ownership and routes method calls, replies
// and signals between the connections it created. Messages never leave
// the process and bodies are passed as decoded Go values, so there is no
// wire encoding step.
//
//	broker := loopback.NewBroker()
//	server, _ := broker.Connect()
//	client, _ := broker.Connect()
//
// NewPair is a shortcut for the common private bus pair:
//
//	server, client, err := loopback.NewPair()
//
// # Dispatch
//
// Every connection owns one dispatch goroutine that pops inbound method
// calls in arrival order and hands them to the registered interface.
// Replies bypass that queue and are matched to waiting callers by serial,
// so a handler running on the dispatch goroutine can itself make calls on
// the same connection. A reply that arrives after its caller gave up is
// dropped.
//
// org.freedesktop.DBus.Properties and org.freedesktop.DBus.Peer are
// answered by the runtime for every exported path.
//
// # Credentials
//
// Inbound calls carry a snapshot of the sending connection's credentials.
// By default that is the current process (pid, uid, gid and so on, where
// the platform reports them) together with the bus unique name, owned
// well-known names and description. WithCredentials replaces the process
// part, which is how tests impersonate other peers.
package loopback
