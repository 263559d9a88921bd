// Package errors provides structured error types for the busbind module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the declared type, bus interface, member and object path
// involved, plus a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCompose, errors.KindOverrideConflict).
//		Type("Derived").
//		Member("Value").
//		Detail("redefined without an override marker").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.AlreadyBound("Example", "serving")
//	err := errors.UnknownMember(errors.PhaseCall, "Example", "Ping")
//
// All errors implement the standard error interface and support errors.Is/As.
// Is matches on Phase and Kind only, so a bare &Error{Phase: p, Kind: k}
// works as a sentinel.
package errors
