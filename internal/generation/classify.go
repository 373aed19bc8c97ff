package generation

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/resilience"
)

// Sentinel errors for collaborator failures.
var (
	ErrNoCandidates      = eris.New("generation: generator returned no candidates")
	ErrMalformedResponse = eris.New("generation: malformed response")
	ErrEmptyVerdict      = eris.New("generation: validator returned no verdict")
	ErrCallTimeout       = eris.New("generation: call timed out")
)

// Values recorded as generation_exceptions[].error_type.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeCircuitOpen       = "circuit_open"
	ErrorTypeEmptyResponse     = "empty_response"
	ErrorTypeMalformedResponse = "malformed_response"
	ErrorTypeRateLimited       = "rate_limited"
	ErrorTypeTransient         = "transient"
	ErrorTypeProviderError     = "provider_error"
	ErrorTypeCanceled          = "canceled"
)

// Classify maps a collaborator error onto an error_type.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrNoCandidates), errors.Is(err, ErrEmptyVerdict):
		return ErrorTypeEmptyResponse
	case errors.Is(err, ErrMalformedResponse):
		return ErrorTypeMalformedResponse
	case resilience.IsRateLimited(err):
		return ErrorTypeRateLimited
	case resilience.IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypeProviderError
	}
}
