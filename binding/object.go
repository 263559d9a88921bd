package binding

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// State is the binding state of an Object.
type State uint8

const (
	Unbound State = iota
	Serving
	Proxying
)

func (s State) String() string {
	switch s {
	case Serving:
		return "serving"
	case Proxying:
		return "proxying"
	default:
		return "unbound"
	}
}

// Object is one instance of a Type. It starts Unbound and is bound at most
// once, either by Export (serving) or by Connect (proxying).
type Object struct {
	ctx     context.Context
	typ     *Type
	impl    any
	conn    bus.Conn
	log     *zap.Logger
	cancel  context.CancelFunc
	regs    []bus.Registration
	signals map[*SignalDesc]*fanout
	pumps   map[*SignalDesc]bus.SignalSource
	service string
	path    dbus.ObjectPath
	mu      sync.Mutex
	state   State
	closed  bool
}

// New creates an unbound object whose handlers receive impl.
func (t *Type) New(impl any) *Object {
	ctx, cancel := context.WithCancel(context.Background())
	return &Object{
		ctx:     ctx,
		cancel:  cancel,
		typ:     t,
		impl:    impl,
		log:     Logger().With(zap.String("type", t.name)),
		signals: make(map[*SignalDesc]*fanout),
		pumps:   make(map[*SignalDesc]bus.SignalSource),
	}
}

// Proxy creates an object bound to the remote object at service and path.
func (t *Type) Proxy(service string, path dbus.ObjectPath, conn bus.Conn) (*Object, error) {
	o := t.New(nil)
	if err := o.Connect(service, path, conn); err != nil {
		return nil, err
	}
	return o, nil
}

// Type returns the object's type.
func (o *Object) Type() *Type {
	return o.typ
}

// Impl returns the handler receiver given to New.
func (o *Object) Impl() any {
	return o.impl
}

// State returns the binding state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Path returns the served or proxied object path.
func (o *Object) Path() dbus.ObjectPath {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.path
}

// Service returns the remote service of a proxy.
func (o *Object) Service() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.service
}

// Conn returns the bus the object is bound to, nil while unbound.
func (o *Object) Conn() bus.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

// bindable checks that the object may still be bound. o.mu must be held.
func (o *Object) bindable() error {
	if o.closed {
		return errors.Closed(errors.PhaseBind, "object")
	}
	if o.state != Unbound {
		return errors.AlreadyBound(o.typ.name, o.state.String())
	}
	return nil
}

func checkPath(path dbus.ObjectPath) error {
	if !path.IsValid() {
		return errors.New(errors.PhaseBind, errors.KindInvalidInput).
			Path(string(path)).
			Detail("invalid object path").
			Build()
	}
	return nil
}

// Export registers the object's serving members at path and moves it to
// Serving. Members are grouped into one registration per interface. A nil
// conn selects the default bus. On failure nothing stays registered and
// the object remains Unbound.
func (o *Object) Export(path dbus.ObjectPath, conn bus.Conn) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.bindable(); err != nil {
		return err
	}
	if len(o.typ.members) == 0 {
		return errors.New(errors.PhaseBind, errors.KindNoInterfaces).
			Type(o.typ.name).
			Detail("type declares no members").
			Build()
	}
	if err := checkPath(path); err != nil {
		return err
	}
	conn, err := resolveConn(conn)
	if err != nil {
		return err
	}

	ifaces := o.buildInterfaces()
	if len(ifaces) == 0 {
		o.log.Warn("exporting object without serving members", zap.String("path", string(path)))
	}

	regs := make([]bus.Registration, 0, len(ifaces))
	for _, iface := range ifaces {
		reg, err := conn.RegisterInterface(path, iface)
		if err != nil {
			regErr := error(errors.Registration(string(path), iface.Name, err))
			for _, r := range regs {
				regErr = multierr.Append(regErr, r.Close())
			}
			return regErr
		}
		regs = append(regs, reg)
	}

	o.conn = conn
	o.path = path
	o.regs = regs
	o.state = Serving
	stats().ObjectBound(Serving.String())

	o.log.Debug("object exported",
		zap.String("path", string(path)),
		zap.String("unique_name", conn.UniqueName()),
		zap.Int("interfaces", len(regs)))
	return nil
}

// Connect binds the object to the remote object at service and path and
// moves it to Proxying. No bus traffic happens until a member is used.
func (o *Object) Connect(service string, path dbus.ObjectPath, conn bus.Conn) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.bindable(); err != nil {
		return err
	}
	if service == "" {
		return errors.InvalidInput(errors.PhaseBind, "service name is required")
	}
	if err := checkPath(path); err != nil {
		return err
	}
	conn, err := resolveConn(conn)
	if err != nil {
		return err
	}

	o.conn = conn
	o.service = service
	o.path = path
	o.state = Proxying
	stats().ObjectBound(Proxying.String())

	o.log.Debug("object connected",
		zap.String("service", service),
		zap.String("path", string(path)))
	return nil
}

// Close releases the object's registrations and signal matches and ends
// its subscriptions. The binding state is kept; the object cannot be
// bound again.
func (o *Object) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	regs := o.regs
	o.regs = nil
	pumps := o.pumps
	o.pumps = make(map[*SignalDesc]bus.SignalSource)
	fans := make([]*fanout, 0, len(o.signals))
	for _, f := range o.signals {
		fans = append(fans, f)
	}
	state := o.state
	o.mu.Unlock()

	o.cancel()

	var err error
	for _, r := range regs {
		err = multierr.Append(err, r.Close())
	}
	for _, src := range pumps {
		err = multierr.Append(err, src.Close())
	}
	for _, f := range fans {
		f.close()
	}
	if state != Unbound {
		stats().ObjectReleased(state.String())
	}

	o.log.Debug("object closed", zap.String("state", state.String()), zap.Error(err))
	return err
}

// member resolves key to a member of kind.
func (o *Object) member(phase errors.Phase, key string, kind MemberKind) (Member, error) {
	m, ok := o.typ.byKey[key]
	if !ok {
		return nil, errors.UnknownMember(phase, o.typ.name, key)
	}
	if m.Kind() != kind {
		return nil, errors.New(phase, errors.KindUnknownMember).
			Type(o.typ.name).
			Member(key).
			Detail("%s is a %s, not a %s", key, m.Kind(), kind).
			Build()
	}
	return m, nil
}

// binding returns a snapshot of the state fields used by member access.
func (o *Object) binding() (State, bus.Conn, string, dbus.ObjectPath, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.conn, o.service, o.path, o.closed
}
