package bus

import "context"

// MethodHandler handles an inbound method call. It owns the reply: it must
// send a method return or error reply unless call.NoReply is set.
type MethodHandler func(ctx context.Context, call *Message)

// PropertyGetter appends the property value to reply.
type PropertyGetter func(ctx context.Context, call, reply *Message) error

// PropertySetter reads the new value from value, whose body holds exactly
// one element of the property signature.
type PropertySetter func(ctx context.Context, call, value *Message) error

type MethodSpec struct {
	Handler      MethodHandler
	Name         string
	InSignature  string
	OutSignature string
	InNames      []string
	OutNames     []string
	Flags        Flags
}

type PropertySpec struct {
	Get       PropertyGetter
	Set       PropertySetter
	Name      string
	Signature string
	Flags     Flags
}

// Writable reports whether the property has a setter.
func (p *PropertySpec) Writable() bool {
	return p.Set != nil
}

type SignalSpec struct {
	Name      string
	Signature string
	ArgNames  []string
	Flags     Flags
}

// Interface is one bus interface ready for registration.
type Interface struct {
	Name       string
	Methods    []MethodSpec
	Properties []PropertySpec
	Signals    []SignalSpec
}

func NewInterface(name string) *Interface {
	return &Interface{Name: name}
}

func (i *Interface) AddMethod(name, inSig string, inNames []string, outSig string, outNames []string, flags Flags, h MethodHandler) {
	i.Methods = append(i.Methods, MethodSpec{
		Name:         name,
		InSignature:  inSig,
		InNames:      inNames,
		OutSignature: outSig,
		OutNames:     outNames,
		Flags:        flags,
		Handler:      h,
	})
}

// AddProperty adds a property. A nil setter makes it read-only.
func (i *Interface) AddProperty(name, sig string, get PropertyGetter, set PropertySetter, flags Flags) {
	i.Properties = append(i.Properties, PropertySpec{
		Name:      name,
		Signature: sig,
		Flags:     flags,
		Get:       get,
		Set:       set,
	})
}

func (i *Interface) AddSignal(name, sig string, argNames []string, flags Flags) {
	i.Signals = append(i.Signals, SignalSpec{
		Name:      name,
		Signature: sig,
		ArgNames:  argNames,
		Flags:     flags,
	})
}

func (i *Interface) Method(name string) (*MethodSpec, bool) {
	for k := range i.Methods {
		if i.Methods[k].Name == name {
			return &i.Methods[k], true
		}
	}
	return nil, false
}

func (i *Interface) Property(name string) (*PropertySpec, bool) {
	for k := range i.Properties {
		if i.Properties[k].Name == name {
			return &i.Properties[k], true
		}
	}
	return nil, false
}

func (i *Interface) Signal(name string) (*SignalSpec, bool) {
	for k := range i.Signals {
		if i.Signals[k].Name == name {
			return &i.Signals[k], true
		}
	}
	return nil, false
}
