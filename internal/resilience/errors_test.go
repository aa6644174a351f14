package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("bucket busy"), 503), true},
		{"wrapped", fmt.Errorf("store raw object: %w", NewTransientError(errors.New("throttled"), 429)), true},
		{"plain", errors.New("invalid reference: observation:abc"), false},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"pattern broken pipe", errors.New("write: broken pipe"), true},
		{"pattern tls", errors.New("net/http: TLS handshake timeout"), true},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 409, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be permanent", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("upload interrupted")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("expected errors.Is to reach the inner error")
	}
	if te.Error() != "upload interrupted" {
		t.Errorf("unexpected message %q", te.Error())
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 10)
	if cfg.FailureThreshold != 5 {
		t.Errorf("expected default threshold 5, got %d", cfg.FailureThreshold)
	}
	if cfg.ResetTimeout.Seconds() != 10 {
		t.Errorf("expected 10s reset, got %s", cfg.ResetTimeout)
	}
}
