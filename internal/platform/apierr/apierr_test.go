package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("calling engine: %w", UpstreamTimeout(base))

	if !Is(wrapped, CodeUpstreamTimeout) {
		t.Fatalf("expected upstream_timeout through wrapping")
	}
	if got := StatusOf(wrapped); got != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status: got=%d want=%d", got, http.StatusGatewayTimeout)
	}
	if got := CodeOf(wrapped); got != CodeUpstreamTimeout {
		t.Fatalf("unexpected code: got=%q", got)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected unwrap to the base error")
	}
}

func TestPlainErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	if got := StatusOf(err); got != http.StatusInternalServerError {
		t.Fatalf("unexpected status: got=%d", got)
	}
	if got := CodeOf(err); got != CodeInternal {
		t.Fatalf("unexpected code: got=%q", got)
	}
}

func TestValidationMessage(t *testing.T) {
	err := Validation("missing %s", "session_id")
	if err.Status != http.StatusBadRequest {
		t.Fatalf("unexpected status: got=%d", err.Status)
	}
	if err.Error() != "missing session_id" {
		t.Fatalf("unexpected message: got=%q", err.Error())
	}
}
