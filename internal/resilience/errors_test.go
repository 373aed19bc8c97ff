package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected EOF",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		if !RetryableStatus(code) {
			t.Errorf("expected HTTP %d to be retryable", code)
		}
	}
	for _, code := range []int{0, 200, 400, 401, 403, 404, 409, 422} {
		if RetryableStatus(code) {
			t.Errorf("expected HTTP %d to NOT be retryable", code)
		}
	}
}

func TestFromStatus(t *testing.T) {
	base := errors.New("overloaded")

	var te *TransientError
	if !errors.As(FromStatus(base, 529), &te) || te.StatusCode != 529 {
		t.Error("529 should wrap as transient")
	}
	if err := FromStatus(base, 400); err != base {
		t.Errorf("400 should pass through unchanged, got %v", err)
	}
	if FromStatus(nil, 500) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(fmt.Errorf("validate: %w", NewTransientError(errors.New("slow down"), 429))) {
		t.Error("expected wrapped 429 to be rate limited")
	}
	if IsRateLimited(NewTransientError(errors.New("bad gateway"), 502)) {
		t.Error("502 should not be rate limited")
	}
	if IsRateLimited(errors.New("plain")) {
		t.Error("plain error should not be rate limited")
	}
}
