package loopback

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

const testIface = "org.example.Test"

func newPair(t *testing.T) (server, client *Conn) {
	t.Helper()
	server, client, err := NewPair(WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// echoInterface replies to Echo(s) with its argument and records the
// credentials of the last caller.
func echoInterface(t *testing.T, seen chan<- *bus.Creds) *bus.Interface {
	t.Helper()
	iface := bus.NewInterface(testIface)
	iface.AddMethod("Echo", "s", []string{"text"}, "s", []string{"echo"}, 0,
		func(ctx context.Context, call *bus.Message) {
			var s string
			if err := call.Store(&s); err != nil {
				t.Errorf("Store: %v", err)
				return
			}
			if seen != nil {
				creds, _ := call.Credentials()
				seen <- creds
			}
			reply := call.NewReply()
			if err := reply.AppendData("s", s); err != nil {
				t.Errorf("AppendData: %v", err)
				return
			}
			if err := reply.Send(ctx); err != nil {
				t.Errorf("Send: %v", err)
			}
		})
	return iface
}

func TestConn_CallRoundTrip(t *testing.T) {
	server, client := newPair(t)

	seen := make(chan *bus.Creds, 1)
	reg, err := server.RegisterInterface("/test", echoInterface(t, seen))
	if err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}
	defer reg.Close()

	call := client.NewMethodCall(server.UniqueName(), "/test", testIface, "Echo")
	if err := call.AppendData("s", "hello"); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	reply, err := client.Call(context.Background(), call)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	var got string
	if err := reply.Store(&got); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got != "hello" {
		t.Fatalf("Echo = %q, want hello", got)
	}

	creds := <-seen
	if creds == nil {
		t.Fatal("no credentials attached to inbound call")
	}
	if creds.UniqueName != client.UniqueName() {
		t.Fatalf("creds unique name = %q, want %q", creds.UniqueName, client.UniqueName())
	}
	if !creds.Has(bus.CredPID) {
		t.Fatal("process credentials missing pid")
	}
}

func TestConn_RoutingErrors(t *testing.T) {
	server, client := newPair(t)
	if _, err := server.RegisterInterface("/test", echoInterface(t, nil)); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	tests := []struct {
		name   string
		dest   string
		path   dbus.ObjectPath
		iface  string
		member string
		sig    string
		args   []any
		want   string
	}{
		{"unknown service", "org.example.Missing", "/test", testIface, "Echo", "s", []any{"x"}, bus.ErrorServiceUnknown},
		{"unknown object", server.UniqueName(), "/nowhere", testIface, "Echo", "s", []any{"x"}, bus.ErrorUnknownObject},
		{"unknown interface", server.UniqueName(), "/test", "org.example.Other", "Echo", "s", []any{"x"}, bus.ErrorUnknownInterface},
		{"unknown method", server.UniqueName(), "/test", testIface, "Nope", "", nil, bus.ErrorUnknownMethod},
		{"bad signature", server.UniqueName(), "/test", testIface, "Echo", "i", []any{1}, bus.ErrorInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := client.NewMethodCall(tt.dest, tt.path, tt.iface, tt.member)
			if tt.sig != "" {
				if err := call.AppendData(tt.sig, tt.args...); err != nil {
					t.Fatalf("AppendData: %v", err)
				}
			}
			_, err := client.Call(context.Background(), call)
			var be *bus.Error
			if !stderrors.As(err, &be) {
				t.Fatalf("Call error = %v, want *bus.Error", err)
			}
			if be.Name != tt.want {
				t.Fatalf("error name = %q, want %q", be.Name, tt.want)
			}
		})
	}
}

func TestConn_Properties(t *testing.T) {
	server, client := newPair(t)

	var mu sync.Mutex
	value := int32(1)

	iface := bus.NewInterface(testIface)
	iface.AddProperty("Value", "i",
		func(ctx context.Context, call, reply *bus.Message) error {
			mu.Lock()
			defer mu.Unlock()
			return reply.AppendData("i", value)
		},
		func(ctx context.Context, call, v *bus.Message) error {
			mu.Lock()
			defer mu.Unlock()
			return v.Store(&value)
		}, 0)
	iface.AddProperty("Name", "s",
		func(ctx context.Context, call, reply *bus.Message) error {
			return reply.AppendData("s", "fixed")
		}, nil, bus.FlagPropertyConst)
	if _, err := server.RegisterInterface("/props", iface); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	ctx := context.Background()
	dest := server.UniqueName()

	get := func(name string) any {
		t.Helper()
		msg, err := bus.NewPropertyGet(client, dest, "/props", testIface, name)
		if err != nil {
			t.Fatalf("NewPropertyGet: %v", err)
		}
		reply, err := client.Call(ctx, msg)
		if err != nil {
			t.Fatalf("Get %s: %v", name, err)
		}
		var v dbus.Variant
		if err := reply.Store(&v); err != nil {
			t.Fatalf("Store: %v", err)
		}
		return v.Value()
	}

	if got := get("Value"); got != int32(1) {
		t.Fatalf("Value = %v, want 1", got)
	}

	set, err := bus.NewPropertySet(client, dest, "/props", testIface, "Value", "i", 7)
	if err != nil {
		t.Fatalf("NewPropertySet: %v", err)
	}
	if _, err := client.Call(ctx, set); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := get("Value"); got != int32(7) {
		t.Fatalf("Value after set = %v, want 7", got)
	}

	ro, _ := bus.NewPropertySet(client, dest, "/props", testIface, "Name", "s", "other")
	_, err = client.Call(ctx, ro)
	if !stderrors.Is(err, bus.NewError(bus.ErrorPropertyReadOnly, "")) {
		t.Fatalf("set read-only = %v, want PropertyReadOnly", err)
	}

	missing, _ := bus.NewPropertyGet(client, dest, "/props", testIface, "Missing")
	_, err = client.Call(ctx, missing)
	if !stderrors.Is(err, bus.NewError(bus.ErrorUnknownProperty, "")) {
		t.Fatalf("get missing = %v, want UnknownProperty", err)
	}

	all, _ := bus.NewPropertyGetAll(client, dest, "/props", testIface)
	reply, err := client.Call(ctx, all)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	var props map[string]dbus.Variant
	if err := reply.Store(&props); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(props) != 2 || props["Name"].Value() != "fixed" || props["Value"].Value() != int32(7) {
		t.Fatalf("GetAll = %v", props)
	}
}

func TestConn_Signals(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	if err := server.RequestName(ctx, "org.example.Server", 0); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	byName, err := client.AddMatch(ctx, bus.Match{Sender: "org.example.Server", Member: "Tick"})
	if err != nil {
		t.Fatalf("AddMatch: %v", err)
	}
	defer byName.Close()
	other, err := client.AddMatch(ctx, bus.Match{Member: "Other"})
	if err != nil {
		t.Fatalf("AddMatch: %v", err)
	}
	defer other.Close()

	for i := range 3 {
		sig := server.NewSignal("/test", testIface, "Tick")
		if err := sig.AppendData("u", uint32(i)); err != nil {
			t.Fatalf("AppendData: %v", err)
		}
		if err := sig.Send(ctx); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for i := range 3 {
		msg, err := byName.Next(waitCtx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		var n uint32
		if err := msg.Store(&n); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if n != uint32(i) {
			t.Fatalf("signal %d carried %d", i, n)
		}
		if msg.Sender != server.UniqueName() {
			t.Fatalf("signal sender = %q", msg.Sender)
		}
	}

	if _, ok := other.(*source).queue.TryPop(); ok {
		t.Fatal("non-matching subscription received a signal")
	}
}

func TestConn_RequestName(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	if err := server.RequestName(ctx, "org.example.Name", bus.NameAllowReplacement); err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	err := client.RequestName(ctx, "org.example.Name", 0)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransport, Kind: errors.KindExists}) {
		t.Fatalf("second owner = %v, want exists", err)
	}
	if err := client.RequestName(ctx, "org.example.Name", bus.NameReplaceExisting); err != nil {
		t.Fatalf("replace: %v", err)
	}
	owner, ok := server.Broker().NameOwner("org.example.Name")
	if !ok || owner != client.UniqueName() {
		t.Fatalf("owner = %q %v, want %q", owner, ok, client.UniqueName())
	}

	client.Close()
	if _, ok := server.Broker().NameOwner("org.example.Name"); ok {
		t.Fatal("name still owned after owner closed")
	}
}

func TestConn_CallTimeoutDropsLateReply(t *testing.T) {
	server, client := newPair(t)

	release := make(chan struct{})
	done := make(chan struct{})
	iface := bus.NewInterface(testIface)
	iface.AddMethod("Slow", "", nil, "", nil, 0, func(ctx context.Context, call *bus.Message) {
		go func() {
			defer close(done)
			<-release
			// The caller is gone; the runtime must discard this.
			call.NewReply().Send(ctx)
		}()
	})
	if _, err := server.RegisterInterface("/slow", iface); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, client.NewMethodCall(server.UniqueName(), "/slow", testIface, "Slow"))
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call = %v, want deadline exceeded", err)
	}

	close(release)
	<-done

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d pending calls left after late reply", pending)
	}

	// The connection keeps working.
	call := client.NewMethodCall(server.UniqueName(), "/slow", peerInterface, "Ping")
	if _, err := client.Call(context.Background(), call); err != nil {
		t.Fatalf("Ping after late reply: %v", err)
	}
}

func TestConn_CloseFailsPendingCalls(t *testing.T) {
	server, client := newPair(t)

	iface := bus.NewInterface(testIface)
	iface.AddMethod("Never", "", nil, "", nil, 0, func(ctx context.Context, call *bus.Message) {})
	if _, err := server.RegisterInterface("/never", iface); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), client.NewMethodCall(server.UniqueName(), "/never", testIface, "Never"))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	client.Close()

	select {
	case err := <-errc:
		if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransport, Kind: errors.KindClosed}) {
			t.Fatalf("Call = %v, want closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not failed by Close")
	}

	if err := client.Send(context.Background(), client.NewSignal("/x", testIface, "S")); err == nil {
		t.Fatal("Send on closed connection succeeded")
	}
}

func TestConn_Peer(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	if _, err := client.Call(ctx, client.NewMethodCall(server.UniqueName(), "/", peerInterface, "Ping")); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	reply, err := client.Call(ctx, client.NewMethodCall(server.UniqueName(), "/", peerInterface, "GetMachineId"))
	if err != nil {
		t.Fatalf("GetMachineId: %v", err)
	}
	var id string
	if err := reply.Store(&id); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id != server.Broker().GUID() || len(id) != 32 {
		t.Fatalf("machine id = %q", id)
	}
}

func TestConn_WithCredentials(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	server, err := b.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client, err := b.Connect(
		WithCredentials(&bus.Creds{Mask: bus.CredUID, UID: 4242}),
		WithDescription("impostor"),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	seen := make(chan *bus.Creds, 1)
	if _, err := server.RegisterInterface("/test", echoInterface(t, seen)); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}
	call := client.NewMethodCall(server.UniqueName(), "/test", testIface, "Echo")
	call.AppendData("s", "x")
	if _, err := client.Call(context.Background(), call); err != nil {
		t.Fatalf("Call: %v", err)
	}

	creds := <-seen
	if !creds.Has(bus.CredUID) || creds.UID != 4242 {
		t.Fatalf("uid = %d (mask %b)", creds.UID, creds.Mask)
	}
	if creds.Has(bus.CredPID) {
		t.Fatal("explicit credentials should replace process credentials")
	}
	if creds.Description != "impostor" || !creds.Has(bus.CredDescription) {
		t.Fatalf("description = %q", creds.Description)
	}
}

func TestRegistry(t *testing.T) {
	r := newRegistry()

	a, err := r.insert("/a", bus.NewInterface("org.example.A"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.insert("/a", bus.NewInterface("org.example.A")); !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransport, Kind: errors.KindExists}) {
		t.Fatalf("duplicate insert = %v, want exists", err)
	}
	b, err := r.insert("/a", bus.NewInterface("org.example.B"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := r.at("/a"); len(got) != 2 || got[0].Name != "org.example.A" || got[1].Name != "org.example.B" {
		t.Fatalf("at(/a) = %v", got)
	}

	if !r.remove(a) {
		t.Fatal("remove failed")
	}
	if r.remove(a) {
		t.Fatal("double remove succeeded")
	}
	if _, ok := r.lookup("/a", "org.example.A"); ok {
		t.Fatal("lookup after remove succeeded")
	}

	c, err := r.insert("/c", bus.NewInterface("org.example.C"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if c != a {
		t.Fatalf("free handle not reused: got %d, want %d", c, a)
	}
	if r.len() != 2 {
		t.Fatalf("len = %d, want 2", r.len())
	}

	r.close()
	if _, err := r.insert("/d", bus.NewInterface("org.example.D")); err == nil {
		t.Fatal("insert after close succeeded")
	}
	if r.remove(b) {
		t.Fatal("remove after close succeeded")
	}
}
