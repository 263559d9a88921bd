package binding

import (
	"context"
	"slices"
	"sync"
	"weak"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// SignalEvent is one received or locally emitted signal.
type SignalEvent struct {
	// Sender is the unique name of the emitting connection, empty for
	// emissions of an unbound object.
	Sender string
	Path   dbus.ObjectPath
	Args   []any
}

// Store decodes the signal arguments into dest.
func (e SignalEvent) Store(dest ...any) error {
	if err := dbus.Store(e.Args, dest...); err != nil {
		return errors.Wrap(errors.PhaseSignal, errors.KindTypeMismatch, err, "store signal arguments")
	}
	return nil
}

// Subscription receives the events of one signal. The object holds it
// weakly: a subscription that is neither closed nor reachable is dropped
// at the next delivery.
type Subscription struct {
	// fan keeps the fan-out alive for as long as a subscriber holds it.
	fan    *fanout
	queue  *bus.Queue[SignalEvent]
	signal *SignalDesc
}

// Signal returns the subscribed signal.
func (s *Subscription) Signal() *SignalDesc {
	return s.signal
}

// Next waits for the next event. It fails with a KindClosed error once
// the subscription or its object is closed and all queued events are read.
func (s *Subscription) Next(ctx context.Context) (SignalEvent, error) {
	return s.queue.Pop(ctx)
}

// Close unsubscribes. Events already queued can still be read.
func (s *Subscription) Close() error {
	s.queue.Close()
	return nil
}

// fanout delivers one signal of one object to its subscribers in
// arrival order.
type fanout struct {
	signal *SignalDesc
	subs   []weak.Pointer[Subscription]
	mu     sync.Mutex
	closed bool
}

func (f *fanout) add() *Subscription {
	s := &Subscription{fan: f, queue: bus.NewQueue[SignalEvent](), signal: f.signal}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.queue.Close()
		return s
	}
	f.subs = append(f.subs, weak.Make(s))
	return s
}

// deliver queues ev on every live subscription and drops dead or closed
// entries. It returns the number of subscriptions reached.
func (f *fanout) deliver(ev SignalEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	f.subs = slices.DeleteFunc(f.subs, func(wp weak.Pointer[Subscription]) bool {
		s := wp.Value()
		if s == nil || !s.queue.Push(ev) {
			return true
		}
		n++
		return false
	})
	if n > 0 {
		stats().SignalDelivered(f.signal.iface, f.signal.name, n)
	}
	return n
}

// len returns the number of entries not yet pruned.
func (f *fanout) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for _, wp := range f.subs {
		if s := wp.Value(); s != nil {
			s.queue.Close()
		}
	}
	f.subs = nil
}

func (o *Object) signal(key string) (*SignalDesc, error) {
	m, err := o.member(errors.PhaseSignal, key, KindSignal)
	if err != nil {
		return nil, err
	}
	return m.(*SignalDesc), nil
}

// fanoutFor returns the fan-out of sig. o.mu must be held.
func (o *Object) fanoutFor(sig *SignalDesc) *fanout {
	f, ok := o.signals[sig]
	if !ok {
		f = &fanout{signal: sig}
		o.signals[sig] = f
	}
	return f
}

// Subscribe returns a subscription to the signal key. A proxy adds one bus
// match per signal on first use and pumps matching signals to all of its
// subscribers; the match is removed at the first delivery that finds no
// live subscription. Local objects deliver what Emit produces.
func (o *Object) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	sig, err := o.signal(key)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, errors.Closed(errors.PhaseSignal, "object")
	}
	f := o.fanoutFor(sig)

	if o.state == Proxying {
		if _, ok := o.pumps[sig]; !ok {
			src, err := o.conn.AddMatch(ctx, bus.Match{
				Sender:    o.service,
				Path:      o.path,
				Interface: sig.iface,
				Member:    sig.name,
			})
			if err != nil {
				return nil, err
			}
			o.pumps[sig] = src
			go o.pump(sig, src, f)
		}
	}
	return f.add(), nil
}

// pump forwards bus signals from src to f until the object closes or a
// delivery reaches no subscription.
func (o *Object) pump(sig *SignalDesc, src bus.SignalSource, f *fanout) {
	for {
		msg, err := src.Next(o.ctx)
		if err != nil {
			o.log.Debug("signal pump stopped", zap.String("signal", sig.iface+"."+sig.name), zap.Error(err))
			return
		}
		if msg.Signature != sig.sig {
			o.log.Debug("signal dropped",
				zap.String("signal", sig.iface+"."+sig.name),
				zap.String("sender", msg.Sender),
				zap.String("signature", msg.Signature))
			continue
		}
		if f.deliver(SignalEvent{Sender: msg.Sender, Path: msg.Path, Args: msg.Body}) == 0 && o.releasePump(sig, src, f) {
			return
		}
	}
}

// releasePump removes the bus match of sig once f has no subscriptions.
// Subscribe adds to f under o.mu, so the check cannot race a new
// subscriber.
func (o *Object) releasePump(sig *SignalDesc, src bus.SignalSource, f *fanout) bool {
	o.mu.Lock()
	if f.len() > 0 || o.pumps[sig] != src {
		o.mu.Unlock()
		return false
	}
	delete(o.pumps, sig)
	o.mu.Unlock()

	if err := src.Close(); err != nil {
		o.log.Debug("signal match not removed", zap.String("signal", sig.iface+"."+sig.name), zap.Error(err))
	}
	o.log.Debug("signal pump released", zap.String("signal", sig.iface+"."+sig.name))
	return true
}

// Emit raises the signal key. A serving object sends it on the bus and
// delivers it to local subscribers; an unbound object only delivers it
// locally. Proxies cannot emit.
func (o *Object) Emit(ctx context.Context, key string, args ...any) error {
	sig, err := o.signal(key)
	if err != nil {
		return err
	}
	state, conn, _, path, err := o.access(errors.PhaseSignal)
	if err != nil {
		return err
	}
	if state == Proxying {
		return errors.New(errors.PhaseSignal, errors.KindInvalidState).
			Type(o.typ.name).
			Interface(sig.iface).
			Member(key).
			Detail("proxies cannot emit signals").
			Build()
	}

	msg := bus.NewMessage(nil, bus.TypeSignal)
	sender := ""
	if state == Serving {
		msg = conn.NewSignal(path, sig.iface, sig.name)
		sender = conn.UniqueName()
	}
	if err := msg.AppendData(sig.sig, args...); err != nil {
		return err
	}
	if state == Serving && sig.serving {
		if err := conn.Send(ctx, msg); err != nil {
			return err
		}
	}
	stats().SignalEmitted(sig.iface, sig.name)

	o.mu.Lock()
	f := o.fanoutFor(sig)
	o.mu.Unlock()
	f.deliver(SignalEvent{Sender: sender, Path: path, Args: msg.Body})
	return nil
}
