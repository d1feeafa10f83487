package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIncludesFields(t *testing.T) {
	cause := errors.New("connection reset")
	e := New("broker.submit", KindBrokerAmbiguous,
		WithSymbol("AAPL"),
		WithOrderKey("k-1"),
		WithHTTP(504),
		WithMessage(" timeout "),
		WithCause(cause),
	)

	got := e.Error()
	for _, want := range []string{
		"op=broker.submit",
		"kind=broker_ambiguous",
		"symbol=AAPL",
		"order=k-1",
		"http=504",
		`message="timeout"`,
		`cause="connection reset"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := Persistence("store.append", "k-2", errors.New("disk full"))
	wrapped := fmt.Errorf("recording transition: %w", base)

	if got := KindOf(wrapped); got != KindPersistenceFailure {
		t.Errorf("KindOf = %q, want %q", got, KindPersistenceFailure)
	}
	if !Is(wrapped, KindPersistenceFailure) {
		t.Error("Is should match wrapped kind")
	}
	if Is(wrapped, KindMalformedEvent) {
		t.Error("Is matched the wrong kind")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors should be KindUnknown")
	}
	if Is(nil, KindUnknown) {
		t.Error("nil error should not match any kind")
	}
}

func TestNilEnvelope(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Errorf("nil Error() = %q", e.Error())
	}
	if e.Unwrap() != nil {
		t.Error("nil Unwrap should be nil")
	}
}
