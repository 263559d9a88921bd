package bus

import (
	"context"
	stderrors "errors"
	"sync"
)

// Standard bus error names.
const (
	ErrorFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrorPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrorInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrorAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorTimeout          = "org.freedesktop.DBus.Error.Timeout"
)

// Error is a bus-level error: a remote error reply, or an error a handler
// wants sent under a specific name.
type Error struct {
	mapped  error
	Name    string
	Message string
}

// NewError creates an error with the given bus name and message.
func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the Go error mapped to Name, if any.
func (e *Error) Unwrap() error {
	return e.mapped
}

// Is matches another *Error with the same name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}

// Named is implemented by errors that carry their own bus error name.
type Named interface {
	BusErrorName() string
}

type mapping struct {
	target error
	name   string
}

var errorTable struct {
	byName  map[string]error
	entries []mapping
	mu      sync.RWMutex
}

// MapError links a bus error name with a Go error. Handler errors for which
// errors.Is(err, target) holds are replied with name; received replies named
// name unwrap to target. Later mappings take precedence.
func MapError(name string, target error) {
	errorTable.mu.Lock()
	defer errorTable.mu.Unlock()

	if errorTable.byName == nil {
		errorTable.byName = make(map[string]error)
	}
	errorTable.byName[name] = target
	errorTable.entries = append([]mapping{{target: target, name: name}}, errorTable.entries...)
}

// UnmapError removes the mapping for name.
func UnmapError(name string) {
	errorTable.mu.Lock()
	defer errorTable.mu.Unlock()

	delete(errorTable.byName, name)
	kept := errorTable.entries[:0]
	for _, e := range errorTable.entries {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	errorTable.entries = kept
}

// ErrorNameFor returns the bus error name for err. mapped is false when no
// rule matched and the generic Failed name was chosen.
func ErrorNameFor(err error) (name string, mapped bool) {
	var be *Error
	if stderrors.As(err, &be) {
		return be.Name, true
	}
	var named Named
	if stderrors.As(err, &named) {
		return named.BusErrorName(), true
	}

	errorTable.mu.RLock()
	defer errorTable.mu.RUnlock()
	for _, e := range errorTable.entries {
		if stderrors.Is(err, e.target) {
			return e.name, true
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout, true
	}
	return ErrorFailed, false
}

// ErrorText returns the message sent alongside an error name.
func ErrorText(err error) string {
	var be *Error
	if stderrors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

// ErrorFromReply decodes an error reply into *Error, linking the mapped Go
// error when the name is registered.
func ErrorFromReply(msg *Message) *Error {
	e := &Error{Name: msg.ErrorName}
	if len(msg.Body) > 0 {
		if s, ok := msg.Body[0].(string); ok {
			e.Message = s
		}
	}
	if e.Name == "" {
		e.Name = ErrorFailed
	}

	errorTable.mu.RLock()
	e.mapped = errorTable.byName[e.Name]
	errorTable.mu.RUnlock()
	return e
}
