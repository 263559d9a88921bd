package binding

import (
	"context"
	"slices"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// coerce encodes vals against sig the way a bus message would, so local
// calls observe the same Go types as remote ones.
func coerce(sig string, vals []any) ([]any, error) {
	msg := bus.NewMessage(nil, bus.TypeMethodCall)
	if err := msg.AppendData(sig, vals...); err != nil {
		return nil, err
	}
	return msg.Body, nil
}

// access resolves the binding for member access. Closed objects fail.
func (o *Object) access(phase errors.Phase) (State, bus.Conn, string, dbus.ObjectPath, error) {
	state, conn, service, path, closed := o.binding()
	if closed {
		return state, nil, "", "", errors.Closed(phase, "object")
	}
	return state, conn, service, path, nil
}

// Call invokes the method key. On a proxy it sends a method call and waits
// for the reply, unless the method is declared no-reply. On a local object
// it runs the handler on the calling goroutine.
func (o *Object) Call(ctx context.Context, key string, args ...any) ([]any, error) {
	m, err := o.member(errors.PhaseCall, key, KindMethod)
	if err != nil {
		return nil, err
	}
	md := m.(*MethodDesc)

	state, conn, service, path, err := o.access(errors.PhaseCall)
	if err != nil {
		return nil, err
	}
	if state == Proxying {
		return o.remoteCall(ctx, conn, service, path, md, args)
	}

	in, err := coerce(md.in, args)
	if err != nil {
		return nil, err
	}
	results, err := o.invoke(ctx, md, in)
	if err != nil {
		return nil, err
	}
	return coerce(md.out, results)
}

func (o *Object) remoteCall(ctx context.Context, conn bus.Conn, service string, path dbus.ObjectPath, md *MethodDesc, args []any) (results []any, err error) {
	start := time.Now()
	defer func() {
		stats().ObserveCall(md.iface, md.name, time.Since(start), err)
	}()

	msg := conn.NewMethodCall(service, path, md.iface, md.name)
	if err := msg.AppendData(md.in, args...); err != nil {
		return nil, err
	}
	if md.NoReply() {
		msg.NoReply = true
		return nil, conn.Send(ctx, msg)
	}

	reply, err := conn.Call(ctx, msg)
	if err != nil {
		o.log.Debug("call failed",
			zap.String("service", service),
			zap.String("member", md.iface+"."+md.name),
			zap.Error(err))
		return nil, err
	}
	return reply.Body, nil
}

// CallInto is like Call but stores the results into dest.
func (o *Object) CallInto(ctx context.Context, key string, args []any, dest ...any) error {
	results, err := o.Call(ctx, key, args...)
	if err != nil {
		return err
	}
	return storeValues(results, dest)
}

func storeValues(vals []any, dest []any) error {
	if err := dbus.Store(vals, dest...); err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindTypeMismatch, err, "store results")
	}
	return nil
}

// Get reads the property key.
func (o *Object) Get(ctx context.Context, key string) (any, error) {
	m, err := o.member(errors.PhaseCall, key, KindProperty)
	if err != nil {
		return nil, err
	}
	p := m.(*PropertyDesc)

	state, conn, service, path, err := o.access(errors.PhaseCall)
	if err != nil {
		return nil, err
	}
	if state == Proxying {
		return o.remoteGet(ctx, conn, service, path, p)
	}

	v, err := o.readProperty(ctx, p)
	if err != nil {
		return nil, err
	}
	return bus.Coerce(p.sig, v)
}

func (o *Object) remoteGet(ctx context.Context, conn bus.Conn, service string, path dbus.ObjectPath, p *PropertyDesc) (value any, err error) {
	start := time.Now()
	defer func() {
		stats().ObserveCall(bus.PropertiesInterface, "Get", time.Since(start), err)
	}()

	msg, err := bus.NewPropertyGet(conn, service, path, p.iface, p.name)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	var v dbus.Variant
	if err := reply.Store(&v); err != nil {
		return nil, err
	}
	return v.Value(), nil
}

// GetInto reads the property key into dest.
func (o *Object) GetInto(ctx context.Context, key string, dest any) error {
	v, err := o.Get(ctx, key)
	if err != nil {
		return err
	}
	return storeValues([]any{v}, []any{dest})
}

// Set writes the property key. Properties without a setter fail with
// KindReadOnly before any bus traffic.
func (o *Object) Set(ctx context.Context, key string, value any) error {
	m, err := o.member(errors.PhaseCall, key, KindProperty)
	if err != nil {
		return err
	}
	p := m.(*PropertyDesc)
	if !p.Writable() {
		return errors.New(errors.PhaseCall, errors.KindReadOnly).
			Type(o.typ.name).
			Interface(p.iface).
			Member(key).
			Detail("property is read-only").
			Build()
	}

	state, conn, service, path, err := o.access(errors.PhaseCall)
	if err != nil {
		return err
	}
	if state == Proxying {
		return o.remoteSet(ctx, conn, service, path, p, value)
	}

	v, err := bus.Coerce(p.sig, value)
	if err != nil {
		return err
	}
	return o.writeProperty(ctx, p, v)
}

func (o *Object) remoteSet(ctx context.Context, conn bus.Conn, service string, path dbus.ObjectPath, p *PropertyDesc, value any) (err error) {
	start := time.Now()
	defer func() {
		stats().ObserveCall(bus.PropertiesInterface, "Set", time.Since(start), err)
	}()

	msg, err := bus.NewPropertySet(conn, service, path, p.iface, p.name, p.sig, value)
	if err != nil {
		return err
	}
	_, err = conn.Call(ctx, msg)
	return err
}

// Properties reads every visible property, keyed by member key. A proxy
// issues one GetAll per interface; values the remote reports for unknown
// names are ignored.
func (o *Object) Properties(ctx context.Context) (map[string]any, error) {
	state, conn, service, path, err := o.access(errors.PhaseCall)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	if state != Proxying {
		for _, m := range o.typ.members {
			p, ok := m.(*PropertyDesc)
			if !ok || p.flags.Has(bus.FlagHidden) {
				continue
			}
			v, err := o.readProperty(ctx, p)
			if err != nil {
				return nil, err
			}
			cv, err := bus.Coerce(p.sig, v)
			if err != nil {
				return nil, err
			}
			out[p.key] = cv
		}
		return out, nil
	}

	for _, iface := range o.propertyInterfaces() {
		all, err := o.remoteGetAll(ctx, conn, service, path, iface)
		if err != nil {
			return nil, err
		}
		for name, v := range all {
			m, ok := o.typ.wire(iface, name, KindProperty)
			if !ok {
				continue
			}
			out[m.Key()] = v.Value()
		}
	}
	return out, nil
}

func (o *Object) propertyInterfaces() []string {
	var ifaces []string
	for _, m := range o.typ.members {
		if m.Kind() == KindProperty && !slices.Contains(ifaces, m.Interface()) {
			ifaces = append(ifaces, m.Interface())
		}
	}
	return ifaces
}

func (o *Object) remoteGetAll(ctx context.Context, conn bus.Conn, service string, path dbus.ObjectPath, iface string) (all map[string]dbus.Variant, err error) {
	start := time.Now()
	defer func() {
		stats().ObserveCall(bus.PropertiesInterface, "GetAll", time.Since(start), err)
	}()

	msg, err := bus.NewPropertyGetAll(conn, service, path, iface)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := reply.Store(&all); err != nil {
		return nil, err
	}
	return all, nil
}
