package bus

import (
	"reflect"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/errors"
)

var basicTypes = map[byte]reflect.Type{
	'y': reflect.TypeFor[uint8](),
	'b': reflect.TypeFor[bool](),
	'n': reflect.TypeFor[int16](),
	'q': reflect.TypeFor[uint16](),
	'i': reflect.TypeFor[int32](),
	'u': reflect.TypeFor[uint32](),
	'x': reflect.TypeFor[int64](),
	't': reflect.TypeFor[uint64](),
	'd': reflect.TypeFor[float64](),
	's': reflect.TypeFor[string](),
	'o': reflect.TypeFor[dbus.ObjectPath](),
	'g': reflect.TypeFor[dbus.Signature](),
	'h': reflect.TypeFor[dbus.UnixFD](),
}

// ValidSignature reports whether sig parses as a sequence of complete types.
// The empty signature is valid.
func ValidSignature(sig string) error {
	if sig == "" {
		return nil
	}
	if _, err := dbus.ParseSignature(sig); err != nil {
		return errors.InvalidSignature(errors.PhaseValidate, sig, err)
	}
	return nil
}

// SplitSignature splits sig into its complete types.
func SplitSignature(sig string) ([]string, error) {
	if err := ValidSignature(sig); err != nil {
		return nil, err
	}
	var parts []string
	for i := 0; i < len(sig); {
		end := completeTypeEnd(sig, i)
		parts = append(parts, sig[i:end])
		i = end
	}
	return parts, nil
}

// completeTypeEnd returns the index just past the complete type starting at i.
// sig must already be validated.
func completeTypeEnd(sig string, i int) int {
	switch sig[i] {
	case 'a':
		if sig[i+1] == '{' {
			return matching(sig, i+1, '{', '}')
		}
		return completeTypeEnd(sig, i+1)
	case '(':
		return matching(sig, i, '(', ')')
	default:
		return i + 1
	}
}

func matching(sig string, i int, open, closeCh byte) int {
	depth := 0
	for j := i; j < len(sig); j++ {
		switch sig[j] {
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(sig)
}

// SignatureOf returns the wire signature of v, or an error for values with
// no bus representation.
func SignatureOf(v any) (sig string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.TypeMismatch(errors.PhaseValidate, "", v)
		}
	}()
	return dbus.SignatureOf(v).String(), nil
}

// Coerce converts v to the Go representation of the single complete type sig.
// Basic types are converted with overflow checks; containers must already
// carry exactly the requested signature.
func Coerce(sig string, v any) (any, error) {
	if v == nil {
		return nil, errors.TypeMismatch(errors.PhaseValidate, sig, v)
	}
	if len(sig) == 1 {
		if sig[0] == 'v' {
			return toVariant(v)
		}
		if t, ok := basicTypes[sig[0]]; ok {
			return coerceBasic(sig, t, v)
		}
	}
	actual, err := SignatureOf(v)
	if err != nil || actual != sig {
		return nil, errors.TypeMismatch(errors.PhaseValidate, sig, v)
	}
	return v, nil
}

func toVariant(v any) (out any, err error) {
	if variant, ok := v.(dbus.Variant); ok {
		return variant, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.TypeMismatch(errors.PhaseValidate, "v", v)
		}
	}()
	return dbus.MakeVariant(v), nil
}

func coerceBasic(sig string, target reflect.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Type() == target {
		return validateBasic(sig, v)
	}
	if s, ok := v.(string); ok && sig == "g" {
		parsed, err := dbus.ParseSignature(s)
		if err != nil {
			return nil, errors.InvalidSignature(errors.PhaseValidate, s, err)
		}
		return parsed, nil
	}

	switch target.Kind() {
	case reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch {
		case rv.CanInt():
			n = rv.Int()
		case rv.CanUint():
			u := rv.Uint()
			if u > 1<<63-1 {
				return nil, overflow(sig, v)
			}
			n = int64(u)
		default:
			return nil, errors.TypeMismatch(errors.PhaseValidate, sig, v)
		}
		out := reflect.New(target).Elem()
		if out.OverflowInt(n) {
			return nil, overflow(sig, v)
		}
		out.SetInt(n)
		return out.Interface(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var n uint64
		switch {
		case rv.CanUint():
			n = rv.Uint()
		case rv.CanInt():
			i := rv.Int()
			if i < 0 {
				return nil, overflow(sig, v)
			}
			n = uint64(i)
		default:
			return nil, errors.TypeMismatch(errors.PhaseValidate, sig, v)
		}
		out := reflect.New(target).Elem()
		if out.OverflowUint(n) {
			return nil, overflow(sig, v)
		}
		out.SetUint(n)
		return out.Interface(), nil
	case reflect.Float64:
		switch {
		case rv.CanFloat():
			return rv.Float(), nil
		case rv.CanInt():
			return float64(rv.Int()), nil
		case rv.CanUint():
			return float64(rv.Uint()), nil
		}
	case reflect.Bool:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case reflect.String:
		if rv.Kind() == reflect.String {
			return validateBasic(sig, rv.Convert(target).Interface())
		}
	}
	return nil, errors.TypeMismatch(errors.PhaseValidate, sig, v)
}

func validateBasic(sig string, v any) (any, error) {
	switch x := v.(type) {
	case dbus.ObjectPath:
		if !x.IsValid() {
			return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Value(v).
				Detail("invalid object path %q", string(x)).
				Build()
		}
	case dbus.Signature:
		if err := ValidSignature(x.String()); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func overflow(sig string, v any) error {
	return errors.New(errors.PhaseValidate, errors.KindTypeMismatch).
		Value(v).
		Detail("value %v overflows signature %q", v, sig).
		Build()
}
