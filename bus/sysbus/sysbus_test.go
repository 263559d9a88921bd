package sysbus

import (
	"context"
	stderrors "errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

const testIface = "org.example.Test"

func isKind(err error, phase errors.Phase, kind errors.Kind) bool {
	return stderrors.Is(err, &errors.Error{Phase: phase, Kind: kind})
}

func TestConfig_EnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Config
		wantErr bool
	}{
		{
			name: "defaults",
			want: DefaultConfig(),
		},
		{
			name: "system bus",
			env:  map[string]string{EnvBus: " System "},
			want: Config{Bus: System, CallTimeout: bus.DefaultCallTimeout},
		},
		{
			name: "user is session",
			env:  map[string]string{EnvBus: "user"},
			want: Config{Bus: Session, CallTimeout: bus.DefaultCallTimeout},
		},
		{
			name: "address and duration",
			env: map[string]string{
				EnvAddress:     "unix:path=/run/test/bus",
				EnvCallTimeout: "1500ms",
			},
			want: Config{Address: "unix:path=/run/test/bus", CallTimeout: 1500 * time.Millisecond},
		},
		{
			name: "bare seconds",
			env:  map[string]string{EnvCallTimeout: "30"},
			want: Config{CallTimeout: 30 * time.Second},
		},
		{
			name: "disabled timeout",
			env:  map[string]string{EnvCallTimeout: "0"},
			want: Config{},
		},
		{
			name:    "unknown bus",
			env:     map[string]string{EnvBus: "starter"},
			wantErr: true,
		},
		{
			name:    "negative timeout",
			env:     map[string]string{EnvCallTimeout: "-5s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := applyEnvOverrides(&cfg, func(k string) string { return tt.env[k] })
			if tt.wantErr {
				if !isKind(err, errors.PhaseTransport, errors.KindInvalidInput) {
					t.Fatalf("err = %v, want invalid input", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("applyEnvOverrides: %v", err)
			}
			if cfg != tt.want {
				t.Fatalf("config = %+v, want %+v", cfg, tt.want)
			}
		})
	}
}

func TestConfig_Target(t *testing.T) {
	withSession := func(k string) string {
		if k == envSessionAddress {
			return "unix:path=/run/user/1000/bus"
		}
		return ""
	}
	none := func(string) string { return "" }

	if got := (Config{}).target(withSession); got != Session {
		t.Errorf("auto with session address = %v", got)
	}
	if got := (Config{}).target(none); got != System {
		t.Errorf("auto without session address = %v", got)
	}
	if got := (Config{Bus: System}).target(withSession); got != System {
		t.Errorf("explicit system = %v", got)
	}
}

func TestCredsFromDict(t *testing.T) {
	creds := credsFromDict(":1.9", map[string]dbus.Variant{
		"UnixUserID":         dbus.MakeVariant(uint32(1000)),
		"ProcessID":          dbus.MakeVariant(uint32(4242)),
		"UnixGroupIDs":       dbus.MakeVariant([]uint32{1000, 27}),
		"LinuxSecurityLabel": dbus.MakeVariant([]byte("unconfined\x00")),
	})
	want := bus.CredUniqueName | bus.CredUID | bus.CredPID | bus.CredSupplementaryGIDs | bus.CredSELinuxContext
	if creds.Mask != want {
		t.Fatalf("mask = %b, want %b", creds.Mask, want)
	}
	if creds.UID != 1000 || creds.PID != 4242 || creds.UniqueName != ":1.9" {
		t.Fatalf("creds = %+v", creds)
	}
	if !slices.Equal(creds.SupplementaryGIDs, []uint32{1000, 27}) {
		t.Fatalf("gids = %v", creds.SupplementaryGIDs)
	}
	if creds.SELinuxContext != "unconfined" {
		t.Fatalf("label = %q", creds.SELinuxContext)
	}

	sparse := credsFromDict(":1.10", map[string]dbus.Variant{
		"UnixUserID": dbus.MakeVariant("not a uid"),
	})
	if sparse.Mask != bus.CredUniqueName {
		t.Fatalf("sparse mask = %b", sparse.Mask)
	}
}

func TestMemberNames(t *testing.T) {
	if got := memberName(testIface, "Ping"); got != testIface+".Ping" {
		t.Errorf("memberName = %q", got)
	}
	if got := memberName("", "Ping"); got != "Ping" {
		t.Errorf("memberName without interface = %q", got)
	}
	iface, member := splitMember(testIface + ".Changed")
	if iface != testIface || member != "Changed" {
		t.Errorf("splitMember = %q, %q", iface, member)
	}

	for name, want := range map[string]bool{
		"":                     false,
		":1.4":                 false,
		bus.BusName:                false,
		"org.example.Service":  true,
		"com.example.Other.V1": true,
	} {
		if got := isWellKnown(name); got != want {
			t.Errorf("isWellKnown(%q) = %v", name, got)
		}
	}

	if n := len(matchOptions(bus.Match{})); n != 0 {
		t.Errorf("empty match has %d options", n)
	}
	if n := len(matchOptions(bus.Match{Sender: ":1.2", Path: "/p", Interface: testIface, Member: "X"})); n != 4 {
		t.Errorf("full match has %d options", n)
	}
}

// newTestConn is a Conn without a daemon behind it; only the handler side
// is usable.
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	c := newConn(Config{Logger: zaptest.NewLogger(t)})
	c.name = ":1.1"
	c.creds = func(_ context.Context, sender string) (*bus.Creds, error) {
		return &bus.Creds{Mask: bus.CredUniqueName | bus.CredUID, UniqueName: sender, UID: 1000}, nil
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testInterface(t *testing.T) *bus.Interface {
	t.Helper()
	iface := bus.NewInterface(testIface)
	iface.AddMethod("Echo", "s", nil, "s", nil, 0, func(ctx context.Context, call *bus.Message) {
		var s string
		if err := call.Store(&s); err != nil {
			t.Errorf("Store: %v", err)
			return
		}
		reply := call.NewReply()
		if creds, ok := call.Credentials(); ok && creds.UID == 1000 {
			s += " from " + creds.UniqueName
		}
		if err := reply.AppendData("s", s); err != nil {
			t.Errorf("AppendData: %v", err)
			return
		}
		if err := reply.Send(ctx); err != nil {
			t.Errorf("Send: %v", err)
		}
	})
	iface.AddMethod("Deny", "", nil, "", nil, 0, func(ctx context.Context, call *bus.Message) {
		call.NewErrorReply(bus.ErrorAccessDenied, "no").Send(ctx)
	})
	iface.AddMethod("Boom", "", nil, "", nil, 0, func(context.Context, *bus.Message) {
		panic("boom")
	})
	iface.AddProperty("Count", "u", func(_ context.Context, _, reply *bus.Message) error {
		return reply.AppendData("u", uint32(3))
	}, nil, 0)
	return iface
}

func inboundMessage(path dbus.ObjectPath, iface, member string, body ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:   dbus.MakeVariant(path),
			dbus.FieldMember: dbus.MakeVariant(member),
		},
		Body: body,
	}
	if iface != "" {
		msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

// dispatch walks the handler the way godbus does for an inbound call.
func dispatch(t *testing.T, c *Conn, msg *dbus.Message) ([]any, error) {
	t.Helper()
	path := msg.Headers[dbus.FieldPath].Value().(dbus.ObjectPath)
	ifaceName, _ := header(msg, dbus.FieldInterface).(string)
	member := msg.Headers[dbus.FieldMember].Value().(string)

	obj, ok := (&handler{c: c}).LookupObject(path)
	if !ok {
		return nil, dbus.NewError(bus.ErrorUnknownObject, nil)
	}
	iface, ok := obj.LookupInterface(ifaceName)
	if !ok {
		return nil, dbus.NewError(bus.ErrorUnknownInterface, nil)
	}
	m, ok := iface.LookupMethod(member)
	if !ok {
		return nil, dbus.NewError(bus.ErrorUnknownMethod, nil)
	}
	args, err := m.(dbus.ArgumentDecoder).DecodeArguments(nil, ":1.7", msg, msg.Body)
	if err != nil {
		return nil, err
	}
	return m.Call(args...)
}

func errorName(t *testing.T, err error) string {
	t.Helper()
	var de *dbus.Error
	if !stderrors.As(err, &de) {
		t.Fatalf("err = %v (%T), want *dbus.Error", err, err)
	}
	return de.Name
}

func TestHandler_Methods(t *testing.T) {
	c := newTestConn(t)
	reg, err := c.RegisterInterface("/test", testInterface(t))
	if err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	out, err := dispatch(t, c, inboundMessage("/test", testIface, "Echo", "hi"))
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if len(out) != 1 || out[0] != "hi from :1.7" {
		t.Fatalf("Echo = %v", out)
	}

	// No interface header searches every exported interface.
	if _, err := dispatch(t, c, inboundMessage("/test", "", "Echo", "x")); err != nil {
		t.Fatalf("Echo without interface: %v", err)
	}

	if _, err := dispatch(t, c, inboundMessage("/test", testIface, "Echo", int32(1))); errorName(t, err) != bus.ErrorInvalidArgs {
		t.Fatalf("mistyped Echo = %v", err)
	}
	if _, err := dispatch(t, c, inboundMessage("/test", testIface, "Deny")); errorName(t, err) != bus.ErrorAccessDenied {
		t.Fatalf("Deny = %v", err)
	}
	if _, err := dispatch(t, c, inboundMessage("/test", testIface, "Boom")); errorName(t, err) != bus.ErrorFailed {
		t.Fatalf("Boom = %v", err)
	}
	if _, err := dispatch(t, c, inboundMessage("/test", "org.example.Other", "Echo", "x")); errorName(t, err) != bus.ErrorUnknownInterface {
		t.Fatalf("unknown interface = %v", err)
	}

	if _, err := c.RegisterInterface("/test", bus.NewInterface(testIface)); !isKind(err, errors.PhaseTransport, errors.KindExists) {
		t.Fatalf("second export = %v, want exists", err)
	}
	reg.Close()
	if _, err := dispatch(t, c, inboundMessage("/test", testIface, "Echo", "hi")); errorName(t, err) != bus.ErrorUnknownObject {
		t.Fatalf("Echo after unexport = %v", err)
	}
}

func TestHandler_Properties(t *testing.T) {
	c := newTestConn(t)
	if _, err := c.RegisterInterface("/test", testInterface(t)); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	out, err := dispatch(t, c, inboundMessage("/test", bus.PropertiesInterface, "Get", testIface, "Count"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, ok := out[0].(dbus.Variant); !ok || v.Value() != uint32(3) {
		t.Fatalf("Get = %v", out)
	}

	out, err = dispatch(t, c, inboundMessage("/test", bus.PropertiesInterface, "GetAll", testIface))
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	all, _ := out[0].(map[string]dbus.Variant)
	if len(all) != 1 || all["Count"].Value() != uint32(3) {
		t.Fatalf("GetAll = %v", out)
	}

	_, err = dispatch(t, c, inboundMessage("/test", bus.PropertiesInterface, "Set", testIface, "Count", dbus.MakeVariant(uint32(4))))
	if errorName(t, err) != bus.ErrorPropertyReadOnly {
		t.Fatalf("Set = %v", err)
	}
	_, err = dispatch(t, c, inboundMessage("/test", bus.PropertiesInterface, "Get", testIface, "Missing"))
	if errorName(t, err) != bus.ErrorUnknownProperty {
		t.Fatalf("Get missing = %v", err)
	}
}

func TestReplyConn(t *testing.T) {
	c := newTestConn(t)
	call := bus.NewMessage(c, bus.TypeMethodCall)
	call.Serial = 7
	rc := &replyConn{Conn: c, serial: 7, done: make(chan *bus.Message, 1)}
	call.SetConn(rc)

	ctx := context.Background()
	if err := call.NewReply().Send(ctx); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if err := call.NewReply().Send(ctx); !isKind(err, errors.PhaseTransport, errors.KindInvalidState) {
		t.Fatalf("second reply = %v, want invalid state", err)
	}
	stray := call.NewReply()
	stray.ReplySerial = 8
	if err := stray.Send(ctx); !isKind(err, errors.PhaseTransport, errors.KindInvalidState) {
		t.Fatalf("stray reply = %v, want invalid state", err)
	}
	if reply := <-rc.done; reply.ReplySerial != 7 {
		t.Fatalf("captured reply serial %d", reply.ReplySerial)
	}
}

func TestDeliver(t *testing.T) {
	c := newTestConn(t)
	mine := &source{conn: c, match: bus.Match{Sender: ":1.2", Interface: testIface}, queue: bus.NewQueue[*bus.Message]()}
	other := &source{conn: c, match: bus.Match{Member: "Other"}, queue: bus.NewQueue[*bus.Message]()}
	c.sources[mine] = struct{}{}
	c.sources[other] = struct{}{}

	c.deliver(signalMessage(c, &dbus.Signal{
		Sender: ":1.2",
		Path:   "/test",
		Name:   testIface + ".Changed",
		Body:   []any{"a", uint32(1)},
	}))

	msg, ok := mine.queue.TryPop()
	if !ok {
		t.Fatal("matching source got nothing")
	}
	if msg.Interface != testIface || msg.Member != "Changed" || msg.Signature != "su" || msg.Path != "/test" {
		t.Fatalf("signal = %+v", msg)
	}
	if other.queue.Len() != 0 {
		t.Fatal("non-matching source got the signal")
	}
}

func TestOpen_SessionBus(t *testing.T) {
	if os.Getenv(envSessionAddress) == "" {
		t.Skip("no session bus")
	}
	cfg := Config{Bus: Session, CallTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)}
	server, err := Open(cfg)
	if err != nil {
		t.Skipf("session bus unreachable: %v", err)
	}
	defer server.Close()
	client, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer client.Close()

	if _, err := server.RegisterInterface("/test", testInterface(t)); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}
	call := client.NewMethodCall(server.UniqueName(), "/test", testIface, "Echo")
	if err := call.AppendData("s", "hi"); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	reply, err := client.Call(context.Background(), call)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got string
	if err := reply.Store(&got); err != nil || got == "" {
		t.Fatalf("Echo = %q, %v", got, err)
	}

	deny := client.NewMethodCall(server.UniqueName(), "/test", testIface, "Deny")
	_, err = client.Call(context.Background(), deny)
	var be *bus.Error
	if !stderrors.As(err, &be) || be.Name != bus.ErrorAccessDenied {
		t.Fatalf("Deny = %v", err)
	}
}
