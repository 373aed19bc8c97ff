package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a provider failure worth another attempt. StatusCode
// is the provider's HTTP status, or zero when the failure had none.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RetryableStatus reports whether a provider HTTP status is worth another
// attempt: request timeout, rate limiting, or any server-side failure
// (including Anthropic's 529 overloaded).
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// FromStatus wraps err as transient when code is retryable and returns it
// unchanged otherwise.
func FromStatus(err error, code int) error {
	if err == nil || !RetryableStatus(code) {
		return err
	}
	return NewTransientError(err, code)
}

// transientMessages catch network failures that arrive stringified by HTTP
// client wrappers.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports whether err is a TransientError or a network failure
// that is likely to clear on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether the error chain carries a 429 response.
func IsRateLimited(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests
}
