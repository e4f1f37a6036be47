package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeStorageFailure, cause, "turn store unreachable")

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != CodeStorageFailure {
		t.Fatalf("code lost through fmt wrapping: %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(wrapped, New(CodeTimeout, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisterDrivesBehaviour(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	RegisterHTTPStatus(code, http.StatusTeapot)
	Register(code, Attributes{Message: "registered", Severity: SeverityCritical, Retryable: true, Alert: true})

	err := fmt.Errorf("ctx: %w", New(code, ""))
	if e, _ := From(err); e.Message() != "registered" {
		t.Fatalf("expected default message, got %q", e.Message())
	}
	if !IsRetryable(err) || !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("registered attributes not applied")
	}
	if got := HTTPStatus(err); got != http.StatusTeapot {
		t.Fatalf("status lost after Register: %d", got)
	}
}

func TestUncodedErrorsUseUnknown(t *testing.T) {
	plain := stdErrors.New("boom")
	if IsRetryable(plain) || !ShouldAlert(plain) || SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors should be treated as unknown")
	}
	if IsRetryable(nil) || ShouldAlert(nil) {
		t.Fatalf("nil error must not retry or alert")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"unauthorized", New(CodeUnauthorized, ""), http.StatusUnauthorized},
		{"invalid", New(CodeInvalidArgument, ""), http.StatusBadRequest},
		{"conflict", New(CodeConflict, ""), http.StatusConflict},
		{"storage", New(CodeStorageFailure, ""), http.StatusInternalServerError},
		{"bare cancel", context.Canceled, http.StatusServiceUnavailable},
		{"bare deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"plain", stdErrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
		})
	}
}
