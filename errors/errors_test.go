package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:     PhaseDispatch,
				Kind:      KindTypeMismatch,
				Type:      "Example",
				Interface: "org.example.Test",
				Member:    "Ping",
				Path:      "/test",
				Detail:    "cannot convert",
			},
			contains: []string{"[dispatch]", "type_mismatch", "Example", "org.example.Test.Ping", "(/test)", "cannot convert"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseBind,
				Kind:  KindAlreadyBound,
			},
			contains: []string{"[bind]", "already_bound"},
		},
		{
			name: "member only",
			err: &Error{
				Phase:  PhaseCompose,
				Kind:   KindOverrideConflict,
				Member: "Value",
			},
			contains: []string{"[compose]", "override_conflict", "at Value"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseTransport,
				Kind:   KindConnectionFailure,
				Detail: "dial",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[transport]", "connection_failure", "dial", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseDispatch,
		Kind:  KindHandlerPanic,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not walk to cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase:  PhaseCompose,
		Kind:   KindMixedConvention,
		Member: "Ping",
	}

	if !errors.Is(err, &Error{Phase: PhaseCompose, Kind: KindMixedConvention}) {
		t.Error("expected match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseBind, Kind: KindMixedConvention}) {
		t.Error("different phase should not match")
	}
	if errors.Is(err, &Error{Phase: PhaseCompose, Kind: KindOverrideTarget}) {
		t.Error("different kind should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("busy")
	err := New(PhaseBind, KindRegistration).
		Type("Example").
		Interface("org.example.Test").
		Member("Ping").
		Path("/test").
		Value(3).
		Cause(cause).
		Detail("attempt %d", 3).
		Build()

	if err.Type != "Example" || err.Interface != "org.example.Test" || err.Member != "Ping" {
		t.Fatalf("builder lost identity fields: %+v", err)
	}
	if err.Path != "/test" {
		t.Errorf("Path = %q", err.Path)
	}
	if err.Detail != "attempt 3" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if err.Value != 3 {
		t.Errorf("Value = %v", err.Value)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not attached")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"compose", Compose(KindDuplicateMember, "T", "Ping", "twice"), PhaseCompose, KindDuplicateMember},
		{"already bound", AlreadyBound("T", "serving"), PhaseBind, KindAlreadyBound},
		{"invalid state", InvalidState(PhaseSignal, "T", "proxy"), PhaseSignal, KindInvalidState},
		{"unknown member", UnknownMember(PhaseCall, "T", "Nope"), PhaseCall, KindUnknownMember},
		{"invalid signature", InvalidSignature(PhaseCompose, "a", nil), PhaseCompose, KindInvalidSignature},
		{"type mismatch", TypeMismatch(PhaseCall, "s", 1), PhaseCall, KindTypeMismatch},
		{"not found", NotFound(PhaseTransport, "object", "/x"), PhaseTransport, KindNotFound},
		{"invalid input", InvalidInput(PhaseBind, "bad path"), PhaseBind, KindInvalidInput},
		{"closed", Closed(PhaseTransport, "connection"), PhaseTransport, KindClosed},
		{"registration", Registration("/x", "org.example.Test", errors.New("dup")), PhaseBind, KindRegistration},
		{"wrap", Wrap(PhaseDispatch, KindUnmapped, errors.New("x"), "reply"), PhaseDispatch, KindUnmapped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("Phase = %s, want %s", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() == "" {
				t.Error("empty message")
			}
		})
	}
}
