package binding

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// buildInterfaces groups the serving members by interface, in order of
// first appearance, and wires their dispatch entries.
func (o *Object) buildInterfaces() []*bus.Interface {
	var ifaces []*bus.Interface
	byName := make(map[string]*bus.Interface)

	for _, m := range o.typ.members {
		if !m.Serving() {
			continue
		}
		iface, ok := byName[m.Interface()]
		if !ok {
			iface = bus.NewInterface(m.Interface())
			byName[m.Interface()] = iface
			ifaces = append(ifaces, iface)
		}

		switch d := m.(type) {
		case *MethodDesc:
			iface.AddMethod(d.name, d.in, d.inNames, d.out, d.resultNames, d.flags, o.methodEntry(d))
		case *PropertyDesc:
			var set bus.PropertySetter
			if d.Writable() {
				set = o.setterEntry(d)
			}
			iface.AddProperty(d.name, d.sig, o.getterEntry(d), set, d.flags)
		case *SignalDesc:
			iface.AddSignal(d.name, d.sig, d.argNames, d.flags)
		}
	}
	return ifaces
}

func (o *Object) methodEntry(m *MethodDesc) bus.MethodHandler {
	return func(ctx context.Context, call *bus.Message) {
		if m.conv == Sync {
			o.serveCall(ctx, m, call)
			return
		}
		go o.serveCall(ctx, m, call)
	}
}

// serveCall runs the handler for an inbound call and sends its reply.
func (o *Object) serveCall(ctx context.Context, m *MethodDesc, call *bus.Message) {
	start := time.Now()
	reqCtx := withRequest(ctx, call, m.iface, m.name)

	results, err := o.invoke(reqCtx, m, slices.Clone(call.Body))
	var reply *bus.Message
	if err == nil {
		reply = call.NewReply()
		if aerr := reply.AppendData(m.out, results...); aerr != nil {
			err = errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
				Type(o.typ.name).
				Interface(m.iface).
				Member(m.key).
				Detail("handler results do not match %q", m.out).
				Cause(aerr).
				Build()
		}
	}
	if err != nil {
		reply = o.errorReply(call, m.iface, m.name, err)
	}
	stats().ObserveDispatch(m.iface, m.name, time.Since(start), err)

	if call.NoReply {
		return
	}
	if serr := reply.Send(ctx); serr != nil {
		o.log.Debug("reply not sent",
			zap.String("member", m.iface+"."+m.name),
			zap.String("sender", call.Sender),
			zap.Uint32("serial", call.Serial),
			zap.Error(serr))
	}
}

// invoke calls the method handler, turning a panic into an error.
func (o *Object) invoke(ctx context.Context, m *MethodDesc, args []any) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.panicError(m.iface, m.key, r)
		}
	}()
	return m.call(o.impl, ctx, args)
}

func (o *Object) panicError(iface, key string, r any) error {
	o.log.Error("handler panic",
		zap.String("interface", iface),
		zap.String("member", key),
		zap.Any("panic", r))
	return errors.New(errors.PhaseDispatch, errors.KindHandlerPanic).
		Type(o.typ.name).
		Interface(iface).
		Member(key).
		Value(r).
		Detail("handler panicked: %v", r).
		Build()
}

// errorReply maps err to a bus error reply. Errors without a mapping are
// sent as Failed and reported.
func (o *Object) errorReply(call *bus.Message, iface, member string, err error) *bus.Message {
	reply, mapped := call.NewErrorReplyFor(err)
	if !mapped {
		o.unmapped(iface, member, err)
	}
	return reply
}

func (o *Object) unmapped(iface, member string, err error) {
	stats().UnmappedError(iface, member)
	o.log.Warn("unmapped handler error",
		zap.String("interface", iface),
		zap.String("member", member),
		zap.Error(err))
}

func (o *Object) getterEntry(p *PropertyDesc) bus.PropertyGetter {
	return func(ctx context.Context, call, reply *bus.Message) error {
		start := time.Now()
		v, err := o.readProperty(withRequest(ctx, call, p.iface, p.name), p)
		if err == nil {
			err = reply.AppendData(p.sig, v)
		}
		if err != nil {
			if _, mapped := bus.ErrorNameFor(err); !mapped {
				o.unmapped(p.iface, p.name, err)
			}
		}
		stats().ObserveDispatch(p.iface, p.name, time.Since(start), err)
		return err
	}
}

func (o *Object) setterEntry(p *PropertyDesc) bus.PropertySetter {
	return func(ctx context.Context, call, value *bus.Message) error {
		if len(value.Body) != 1 {
			return bus.NewError(bus.ErrorInvalidArgs, fmt.Sprintf("property %s needs one value", p.name))
		}
		start := time.Now()
		err := o.writeProperty(withRequest(ctx, call, p.iface, p.name), p, value.Body[0])
		if err != nil {
			if _, mapped := bus.ErrorNameFor(err); !mapped {
				o.unmapped(p.iface, p.name, err)
			}
		}
		stats().ObserveDispatch(p.iface, p.name, time.Since(start), err)
		return err
	}
}

func (o *Object) readProperty(ctx context.Context, p *PropertyDesc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.panicError(p.iface, p.key, r)
		}
	}()
	return p.get(o.impl, ctx)
}

// writeProperty runs the setter and announces the change when the property
// is served with an emits flag.
func (o *Object) writeProperty(ctx context.Context, p *PropertyDesc, value any) (err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = o.panicError(p.iface, p.key, r)
			}
		}()
		err = p.set(o.impl, ctx, value)
	}()
	if err != nil {
		return err
	}
	o.propertiesChanged(ctx, p, value)
	return nil
}

func (o *Object) propertiesChanged(ctx context.Context, p *PropertyDesc, value any) {
	emitChange := p.flags.Has(bus.FlagPropertyEmitsChange)
	emitInvalidation := p.flags.Has(bus.FlagPropertyEmitsInvalidation)
	if !p.serving || (!emitChange && !emitInvalidation) {
		return
	}
	state, conn, _, path, closed := o.binding()
	if state != Serving || closed {
		return
	}

	var (
		changed     map[string]dbus.Variant
		invalidated []string
	)
	if emitChange {
		v, err := bus.Coerce(p.sig, value)
		if err != nil {
			o.log.Warn("property change not announced", zap.String("property", p.key), zap.Error(err))
			return
		}
		changed = map[string]dbus.Variant{p.name: dbus.MakeVariantWithSignature(v, dbus.ParseSignatureMust(p.sig))}
	} else {
		invalidated = []string{p.name}
	}

	msg, err := bus.NewPropertiesChanged(conn, path, p.iface, changed, invalidated)
	if err == nil {
		err = conn.Send(ctx, msg)
	}
	if err != nil {
		o.log.Warn("property change not announced", zap.String("property", p.key), zap.Error(err))
		return
	}
	stats().SignalEmitted(bus.PropertiesInterface, "PropertiesChanged")
}
