package binding

import "context"

// MethodOverride replaces the handler of an inherited method. Everything
// else about the method stays as the base declared it.
type MethodOverride struct {
	call MethodFunc
	key  string
}

// OverrideMethod marks fn as the new handler for the inherited method key.
func OverrideMethod[T any](key string, fn func(recv T, ctx context.Context, args []any) ([]any, error)) *MethodOverride {
	return &MethodOverride{key: key, call: eraseMethod(fn)}
}

func (o *MethodOverride) declKey() string { return o.key }

// PropertyOverride replaces the accessors of an inherited property. A nil
// setter keeps the base setter.
type PropertyOverride struct {
	get GetterFunc
	set SetterFunc
	key string
}

// OverrideProperty marks get (and set, when non-nil) as the new accessors
// for the inherited property key.
func OverrideProperty[T any](key string, get func(recv T, ctx context.Context) (any, error), set func(recv T, ctx context.Context, value any) error) *PropertyOverride {
	return &PropertyOverride{key: key, get: eraseGetter(get), set: eraseSetter(set)}
}

func (o *PropertyOverride) declKey() string { return o.key }
