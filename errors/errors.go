package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompose   Phase = "compose"   // type definition
	PhaseBind      Phase = "bind"      // export / connect lifecycle
	PhaseDispatch  Phase = "dispatch"  // inbound call handling
	PhaseCall      Phase = "call"      // outbound member access
	PhaseSignal    Phase = "signal"    // subscription and emission
	PhaseTransport Phase = "transport" // bus runtime
	PhaseValidate  Phase = "validate"  // argument / name validation
)

// Kind categorizes the error
type Kind string

const (
	KindOverrideConflict  Kind = "override_conflict"
	KindOverrideTarget    Kind = "override_target"
	KindOverrideKind      Kind = "override_kind"
	KindMixedConvention   Kind = "mixed_convention"
	KindDuplicateMember   Kind = "duplicate_member"
	KindAlreadyComposed   Kind = "already_composed"
	KindAlreadyBound      Kind = "already_bound"
	KindNoInterfaces      Kind = "no_interfaces"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidSignature  Kind = "invalid_signature"
	KindTypeMismatch      Kind = "type_mismatch"
	KindUnknownMember     Kind = "unknown_member"
	KindReadOnly          Kind = "read_only"
	KindNotFound          Kind = "not_found"
	KindExists            Kind = "exists"
	KindClosed            Kind = "closed"
	KindUnmapped          Kind = "unmapped"
	KindHandlerPanic      Kind = "handler_panic"
	KindRegistration      Kind = "registration"
	KindConnectionFailure Kind = "connection_failure"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Type      string
	Interface string
	Member    string
	Path      string
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Type != "" {
		b.WriteString(" in ")
		b.WriteString(e.Type)
	}

	if e.Interface != "" || e.Member != "" {
		b.WriteString(" at ")
		switch {
		case e.Interface != "" && e.Member != "":
			b.WriteString(e.Interface)
			b.WriteByte('.')
			b.WriteString(e.Member)
		case e.Interface != "":
			b.WriteString(e.Interface)
		default:
			b.WriteString(e.Member)
		}
	}

	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Type sets the declared type name
func (b *Builder) Type(name string) *Builder {
	b.err.Type = name
	return b
}

// Interface sets the bus interface name
func (b *Builder) Interface(name string) *Builder {
	b.err.Interface = name
	return b
}

// Member sets the member key or wire name
func (b *Builder) Member(name string) *Builder {
	b.err.Member = name
	return b
}

// Path sets the object path
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Compose creates a type composition error
func Compose(kind Kind, typeName, member, detail string) *Error {
	return &Error{
		Phase:  PhaseCompose,
		Kind:   kind,
		Type:   typeName,
		Member: member,
		Detail: detail,
	}
}

// AlreadyBound creates an error for a second export or connect
func AlreadyBound(typeName, state string) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindAlreadyBound,
		Type:   typeName,
		Detail: fmt.Sprintf("object is already %s", state),
	}
}

// InvalidState creates an error for an operation the current binding state does not allow
func InvalidState(phase Phase, typeName, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Type:   typeName,
		Detail: detail,
	}
}

// UnknownMember creates an error for a member key the type does not declare
func UnknownMember(phase Phase, typeName, key string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnknownMember,
		Type:   typeName,
		Member: key,
		Detail: fmt.Sprintf("no member %q", key),
	}
}

// InvalidSignature creates a signature validation error
func InvalidSignature(phase Phase, sig string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidSignature,
		Detail: fmt.Sprintf("signature %q", sig),
		Value:  sig,
		Cause:  cause,
	}
}

// TypeMismatch creates an error for a value that does not fit a signature
func TypeMismatch(phase Phase, sig string, value any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Detail: fmt.Sprintf("value of Go type %T does not match signature %q", value, sig),
		Value:  value,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed creates an error for use of a closed connection, queue or object
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Registration creates an interface registration error
func Registration(path, iface string, cause error) *Error {
	return &Error{
		Phase:     PhaseBind,
		Kind:      KindRegistration,
		Interface: iface,
		Path:      path,
		Detail:    "register interface",
		Cause:     cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
