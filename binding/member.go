package binding

import (
	"context"
	"fmt"
	"slices"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// Convention is how inbound method calls are scheduled.
type Convention uint8

const (
	// Async handlers run on their own goroutine, so calls arriving on one
	// connection proceed concurrently.
	Async Convention = iota
	// Sync handlers run inline on the connection's dispatch goroutine.
	Sync
)

func (c Convention) String() string {
	if c == Sync {
		return "sync"
	}
	return "async"
}

// MemberKind tells methods, properties and signals apart.
type MemberKind uint8

const (
	KindMethod MemberKind = iota + 1
	KindProperty
	KindSignal
)

func (k MemberKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindProperty:
		return "property"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Handler signatures after the receiver type has been erased.
type (
	MethodFunc func(recv any, ctx context.Context, args []any) ([]any, error)
	GetterFunc func(recv any, ctx context.Context) (any, error)
	SetterFunc func(recv any, ctx context.Context, value any) error
)

// Member is a composed method, property or signal descriptor.
// Descriptors are read-only once their type is defined.
type Member interface {
	Decl

	// Key is the declared member key, unique within a type.
	Key() string
	// Name is the wire member name.
	Name() string
	// Interface is the bus interface name, assigned by Define.
	Interface() string
	// Serving reports whether the member is exported by Object.Export.
	Serving() bool
	Flags() bus.Flags
	Convention() Convention
	Kind() MemberKind

	core() *memberCore
}

// Decl is one entry of a Declaration: a new member descriptor or an
// override marker.
type Decl interface {
	declKey() string
}

type memberCore struct {
	err      *errors.Error
	key      string
	name     string
	iface    string
	flags    bus.Flags
	conv     Convention
	serving  bool
	composed bool
}

func (m *memberCore) Key() string            { return m.key }
func (m *memberCore) Name() string           { return m.name }
func (m *memberCore) Interface() string      { return m.iface }
func (m *memberCore) Serving() bool          { return m.serving }
func (m *memberCore) Flags() bus.Flags       { return m.flags }
func (m *memberCore) Convention() Convention { return m.conv }
func (m *memberCore) declKey() string        { return m.key }
func (m *memberCore) core() *memberCore      { return m }

// Option adjusts a member descriptor at construction.
type Option func(*memberOptions)

type memberOptions struct {
	key         string
	argNames    []string
	resultNames []string
	flags       bus.Flags
	conv        Convention
}

// Key sets the member key. It defaults to the wire name.
func Key(key string) Option {
	return func(o *memberOptions) { o.key = key }
}

// ArgNames names the method input or signal arguments.
func ArgNames(names ...string) Option {
	return func(o *memberOptions) { o.argNames = names }
}

// ResultNames names the method results.
func ResultNames(names ...string) Option {
	return func(o *memberOptions) { o.resultNames = names }
}

// WithFlags sets the wire flags.
func WithFlags(f bus.Flags) Option {
	return func(o *memberOptions) { o.flags |= f }
}

// WithConvention sets the dispatch convention. Members default to Async.
func WithConvention(c Convention) Option {
	return func(o *memberOptions) { o.conv = c }
}

func buildOptions(name string, opts []Option) memberOptions {
	o := memberOptions{key: name}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newCore(name string, o memberOptions) memberCore {
	c := memberCore{key: o.key, name: name, flags: o.flags, conv: o.conv}
	switch {
	case name == "":
		c.err = errors.Compose(errors.KindInvalidInput, "", o.key, "member name is required")
	case o.key == "":
		c.err = errors.Compose(errors.KindInvalidInput, "", name, "member key is required")
	}
	return c
}

// checkSignature validates sig and, when names is non-nil, that it names
// every complete type in sig.
func checkSignature(key, sig string, names []string, what string) *errors.Error {
	parts, err := bus.SplitSignature(sig)
	if err != nil {
		return errors.New(errors.PhaseCompose, errors.KindInvalidSignature).
			Member(key).
			Detail("%s signature %q", what, sig).
			Cause(err).
			Build()
	}
	if names != nil && len(names) != len(parts) {
		return errors.Compose(errors.KindInvalidInput, "", key,
			fmt.Sprintf("%s signature %q has %d values but %d names", what, sig, len(parts), len(names)))
	}
	return nil
}

func receiver[T any](recv any) (T, error) {
	r, ok := recv.(T)
	if !ok {
		var zero T
		return zero, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			Value(recv).
			Detail("receiver %T does not implement %T", recv, zero).
			Build()
	}
	return r, nil
}

func eraseMethod[T any](fn func(recv T, ctx context.Context, args []any) ([]any, error)) MethodFunc {
	if fn == nil {
		return nil
	}
	return func(recv any, ctx context.Context, args []any) ([]any, error) {
		r, err := receiver[T](recv)
		if err != nil {
			return nil, err
		}
		return fn(r, ctx, args)
	}
}

func eraseGetter[T any](fn func(recv T, ctx context.Context) (any, error)) GetterFunc {
	if fn == nil {
		return nil
	}
	return func(recv any, ctx context.Context) (any, error) {
		r, err := receiver[T](recv)
		if err != nil {
			return nil, err
		}
		return fn(r, ctx)
	}
}

func eraseSetter[T any](fn func(recv T, ctx context.Context, value any) error) SetterFunc {
	if fn == nil {
		return nil
	}
	return func(recv any, ctx context.Context, value any) error {
		r, err := receiver[T](recv)
		if err != nil {
			return err
		}
		return fn(r, ctx, value)
	}
}

// MethodDesc describes a bus method.
type MethodDesc struct {
	memberCore
	call        MethodFunc
	in          string
	out         string
	inNames     []string
	resultNames []string
}

// Method declares a method. fn receives the object's implementation as
// recv, usually through a method expression:
//
//	binding.Method("Ping", "", "s", (*Service).Ping)
//
// Arguments arrive decoded per in; results are encoded per out.
func Method[T any](name, in, out string, fn func(recv T, ctx context.Context, args []any) ([]any, error), opts ...Option) *MethodDesc {
	o := buildOptions(name, opts)
	m := &MethodDesc{
		memberCore:  newCore(name, o),
		call:        eraseMethod(fn),
		in:          in,
		out:         out,
		inNames:     o.argNames,
		resultNames: o.resultNames,
	}
	if m.err == nil && fn == nil {
		m.err = errors.Compose(errors.KindInvalidInput, "", o.key, "method handler is required")
	}
	if m.err == nil {
		m.err = checkSignature(o.key, in, o.argNames, "input")
	}
	if m.err == nil {
		m.err = checkSignature(o.key, out, o.resultNames, "result")
	}
	return m
}

func (m *MethodDesc) Kind() MemberKind      { return KindMethod }
func (m *MethodDesc) InSignature() string   { return m.in }
func (m *MethodDesc) OutSignature() string  { return m.out }
func (m *MethodDesc) InNames() []string     { return slices.Clone(m.inNames) }
func (m *MethodDesc) ResultNames() []string { return slices.Clone(m.resultNames) }

// NoReply reports whether callers should not wait for a reply.
func (m *MethodDesc) NoReply() bool { return m.flags.Has(bus.FlagNoReply) }

func (m *MethodDesc) clone() *MethodDesc {
	c := *m
	c.inNames = slices.Clone(m.inNames)
	c.resultNames = slices.Clone(m.resultNames)
	return &c
}

// PropertyDesc describes a bus property.
type PropertyDesc struct {
	memberCore
	get GetterFunc
	set SetterFunc
	sig string
}

// Property declares a property with a single complete type sig. A nil set
// makes it read-only.
func Property[T any](name, sig string, get func(recv T, ctx context.Context) (any, error), set func(recv T, ctx context.Context, value any) error, opts ...Option) *PropertyDesc {
	o := buildOptions(name, opts)
	p := &PropertyDesc{
		memberCore: newCore(name, o),
		get:        eraseGetter(get),
		set:        eraseSetter(set),
		sig:        sig,
	}
	if p.err == nil && get == nil {
		p.err = errors.Compose(errors.KindInvalidInput, "", o.key, "property getter is required")
	}
	if p.err == nil {
		if parts, err := bus.SplitSignature(sig); err != nil || len(parts) != 1 {
			p.err = errors.New(errors.PhaseCompose, errors.KindInvalidSignature).
				Member(o.key).
				Detail("property signature %q must be one complete type", sig).
				Cause(err).
				Build()
		}
	}
	return p
}

func (p *PropertyDesc) Kind() MemberKind  { return KindProperty }
func (p *PropertyDesc) Signature() string { return p.sig }

// Writable reports whether the property has a setter.
func (p *PropertyDesc) Writable() bool { return p.set != nil }

func (p *PropertyDesc) clone() *PropertyDesc {
	c := *p
	return &c
}

// SignalDesc describes a bus signal. Signals carry no handler; they are
// emitted with Object.Emit.
type SignalDesc struct {
	memberCore
	sig      string
	argNames []string
}

// Signal declares a signal.
func Signal(name, sig string, opts ...Option) *SignalDesc {
	o := buildOptions(name, opts)
	s := &SignalDesc{
		memberCore: newCore(name, o),
		sig:        sig,
		argNames:   o.argNames,
	}
	if s.err == nil {
		s.err = checkSignature(o.key, sig, o.argNames, "signal")
	}
	return s
}

func (s *SignalDesc) Kind() MemberKind  { return KindSignal }
func (s *SignalDesc) Signature() string { return s.sig }
func (s *SignalDesc) ArgNames() []string {
	return slices.Clone(s.argNames)
}
