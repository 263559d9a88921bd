package binding

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/bus"
)

// Request describes the inbound call a handler is serving.
type Request struct {
	// Credentials is the sender snapshot attached by the bus runtime, nil
	// when the runtime provided none.
	Credentials *bus.Creds
	Sender      string
	Path        dbus.ObjectPath
	Interface   string
	Member      string
}

type ctxKeyRequest struct{}

// withRequest scopes call to ctx. iface and member name the member being
// served, which differs from the message header for property access.
func withRequest(ctx context.Context, call *bus.Message, iface, member string) context.Context {
	r := &Request{
		Sender:    call.Sender,
		Path:      call.Path,
		Interface: iface,
		Member:    member,
	}
	if creds, ok := call.Credentials(); ok {
		r.Credentials = creds
	}
	return context.WithValue(ctx, ctxKeyRequest{}, r)
}

// RequestFromContext returns the inbound call being served. ok is false
// outside a dispatched handler, including for local calls.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	r, ok := ctx.Value(ctxKeyRequest{}).(*Request)
	return r, ok
}

// Sender returns the unique bus name of the caller.
func Sender(ctx context.Context) (string, bool) {
	r, ok := RequestFromContext(ctx)
	if !ok {
		return "", false
	}
	return r.Sender, true
}

// Credentials returns the caller's credential snapshot.
func Credentials(ctx context.Context) (*bus.Creds, bool) {
	r, ok := RequestFromContext(ctx)
	if !ok || r.Credentials == nil {
		return nil, false
	}
	return r.Credentials, true
}
