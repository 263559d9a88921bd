package binding

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/busbind/errors"
)

// Declaration describes a type for Define.
type Declaration struct {
	// Name identifies the type in errors and logs.
	Name string
	// Interface is the bus interface of the members declared here.
	// Inherited members keep the interface of the type that declared them.
	Interface string
	// ServingDisabled keeps the members declared here out of Export. They
	// remain usable through proxies.
	ServingDisabled bool
	// Bases are searched in order, depth first, for inherited members.
	Bases []*Type
	// Members lists new descriptors and override markers.
	Members []Decl
}

// Type is a composed, immutable set of members. Objects are created from
// it with New or Proxy.
type Type struct {
	byKey      map[string]Member
	byWire     map[wireKey]Member
	name       string
	members    []Member
	interfaces []string
}

type wireKey struct {
	iface string
	name  string
	kind  MemberKind
}

// composeMu serializes Define so a descriptor can only join one type.
var composeMu sync.Mutex

// MustDefine is like Define but panics on error. It is meant for
// package-level variables, so a broken declaration fails at program start.
func MustDefine(d Declaration) *Type {
	t, err := Define(d)
	if err != nil {
		panic(err)
	}
	return t
}

// Define composes a type from its own members and those inherited from
// d.Bases. Inherited keys can only be redeclared through OverrideMethod or
// OverrideProperty; members of different conventions cannot be mixed.
// Nothing is modified when Define fails.
func Define(d Declaration) (*Type, error) {
	composeMu.Lock()
	defer composeMu.Unlock()

	inherited := make(map[string]Member)
	var order []Member
	for _, base := range d.Bases {
		if base == nil {
			return nil, errors.Compose(errors.KindInvalidInput, d.Name, "", "nil base type")
		}
		for _, m := range base.members {
			if _, ok := inherited[m.Key()]; ok {
				continue
			}
			inherited[m.Key()] = m
			order = append(order, m)
		}
	}

	seen := make(map[string]struct{}, len(d.Members))
	replaced := make(map[string]Member)
	var own []Member

	for _, decl := range d.Members {
		if decl == nil {
			return nil, errors.Compose(errors.KindInvalidInput, d.Name, "", "nil member declaration")
		}
		key := decl.declKey()
		if _, dup := seen[key]; dup {
			return nil, errors.Compose(errors.KindDuplicateMember, d.Name, key, "member key declared twice")
		}
		seen[key] = struct{}{}

		switch x := decl.(type) {
		case *MethodOverride:
			m, err := overrideMethod(d.Name, inherited[key], x)
			if err != nil {
				return nil, err
			}
			replaced[key] = m
		case *PropertyOverride:
			p, err := overrideProperty(d.Name, inherited[key], x)
			if err != nil {
				return nil, err
			}
			replaced[key] = p
		case Member:
			c := x.core()
			if c.err != nil {
				e := *c.err
				e.Type = d.Name
				return nil, &e
			}
			if c.composed {
				return nil, errors.Compose(errors.KindAlreadyComposed, d.Name, key,
					fmt.Sprintf("descriptor already belongs to interface %s", c.iface))
			}
			if base, ok := inherited[key]; ok {
				return nil, errors.New(errors.PhaseCompose, errors.KindOverrideConflict).
					Type(d.Name).
					Interface(base.Interface()).
					Member(key).
					Detail("redeclares inherited %s; use an override marker", base.Kind()).
					Build()
			}
			if d.Interface == "" {
				return nil, errors.Compose(errors.KindInvalidInput, d.Name, key, "interface name is required to declare members")
			}
			own = append(own, x)
		default:
			return nil, errors.Compose(errors.KindInvalidInput, d.Name, key,
				fmt.Sprintf("unsupported declaration %T", decl))
		}
	}

	members := make([]Member, 0, len(order)+len(own))
	for _, m := range order {
		if r, ok := replaced[m.Key()]; ok {
			m = r
		}
		members = append(members, m)
	}
	members = append(members, own...)

	if err := checkConventions(d.Name, members); err != nil {
		return nil, err
	}
	if err := checkWireNames(d, members, own); err != nil {
		return nil, err
	}

	for _, m := range own {
		c := m.core()
		c.iface = d.Interface
		c.serving = !d.ServingDisabled
		c.composed = true
	}

	t := &Type{
		name:    d.Name,
		members: members,
		byKey:   make(map[string]Member, len(members)),
		byWire:  make(map[wireKey]Member, len(members)),
	}
	for _, m := range members {
		t.byKey[m.Key()] = m
		t.byWire[wireKey{iface: m.Interface(), name: m.Name(), kind: m.Kind()}] = m
		if !slices.Contains(t.interfaces, m.Interface()) {
			t.interfaces = append(t.interfaces, m.Interface())
		}
	}

	Logger().Debug("type defined",
		zap.String("type", d.Name),
		zap.Strings("interfaces", t.interfaces),
		zap.Int("members", len(members)),
		zap.Int("overrides", len(replaced)))
	return t, nil
}

func overrideMethod(typeName string, base Member, o *MethodOverride) (*MethodDesc, error) {
	if base == nil {
		return nil, errors.Compose(errors.KindOverrideTarget, typeName, o.key, "no base declares this method")
	}
	bm, ok := base.(*MethodDesc)
	if !ok {
		return nil, errors.Compose(errors.KindOverrideKind, typeName, o.key,
			fmt.Sprintf("method override of a %s", base.Kind()))
	}
	if o.call == nil {
		return nil, errors.Compose(errors.KindInvalidInput, typeName, o.key, "override handler is required")
	}
	m := bm.clone()
	m.call = o.call
	return m, nil
}

func overrideProperty(typeName string, base Member, o *PropertyOverride) (*PropertyDesc, error) {
	if base == nil {
		return nil, errors.Compose(errors.KindOverrideTarget, typeName, o.key, "no base declares this property")
	}
	bp, ok := base.(*PropertyDesc)
	if !ok {
		return nil, errors.Compose(errors.KindOverrideKind, typeName, o.key,
			fmt.Sprintf("property override of a %s", base.Kind()))
	}
	if o.get == nil {
		return nil, errors.Compose(errors.KindInvalidInput, typeName, o.key, "override getter is required")
	}
	p := bp.clone()
	p.get = o.get
	if o.set != nil {
		p.set = o.set
	}
	return p, nil
}

// checkWireNames rejects two members of one kind sharing a wire name on
// the same interface. Own members are not yet stamped with the
// declaration's interface.
func checkWireNames(d Declaration, members, own []Member) error {
	pending := make(map[Member]struct{}, len(own))
	for _, m := range own {
		pending[m] = struct{}{}
	}
	seen := make(map[wireKey]Member, len(members))
	for _, m := range members {
		iface := m.Interface()
		if _, ok := pending[m]; ok {
			iface = d.Interface
		}
		wk := wireKey{iface: iface, name: m.Name(), kind: m.Kind()}
		if prev, dup := seen[wk]; dup {
			return errors.New(errors.PhaseCompose, errors.KindDuplicateMember).
				Type(d.Name).
				Interface(iface).
				Member(m.Key()).
				Detail("%s %s already declared by member %q", m.Kind(), m.Name(), prev.Key()).
				Build()
		}
		seen[wk] = m
	}
	return nil
}

func checkConventions(typeName string, members []Member) error {
	if len(members) == 0 {
		return nil
	}
	first := members[0]
	for _, m := range members[1:] {
		if m.Convention() != first.Convention() {
			return errors.Compose(errors.KindMixedConvention, typeName, m.Key(),
				fmt.Sprintf("%s member %q mixed with %s member %q",
					m.Convention(), m.Key(), first.Convention(), first.Key()))
		}
	}
	return nil
}

// Name returns the declared type name.
func (t *Type) Name() string {
	return t.name
}

// Members returns the composed members, inherited ones first.
func (t *Type) Members() []Member {
	return slices.Clone(t.members)
}

// Member looks up a member by key.
func (t *Type) Member(key string) (Member, bool) {
	m, ok := t.byKey[key]
	return m, ok
}

// Interfaces returns the interface names of all members in first
// appearance order.
func (t *Type) Interfaces() []string {
	return slices.Clone(t.interfaces)
}

// Convention returns the dispatch convention shared by all members.
func (t *Type) Convention() Convention {
	if len(t.members) == 0 {
		return Async
	}
	return t.members[0].Convention()
}

func (t *Type) wire(iface, name string, kind MemberKind) (Member, bool) {
	m, ok := t.byWire[wireKey{iface: iface, name: name, kind: kind}]
	return m, ok
}
