package openrouter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorType classifies gateway errors for retry and fallback handling.
type ErrorType int

const (
	ErrRateLimit          ErrorType = iota // HTTP 429
	ErrProviderOverloaded                  // HTTP 5xx, open circuit breaker
	ErrContextTooLong                      // HTTP 400 + context_length_exceeded
	ErrContentFiltered                     // HTTP 400 + content_filter
	ErrAuth                                // HTTP 401, 403
	ErrMalformedResponse                   // JSON parse failure
	ErrStreamInterrupted                   // connection reset, missing end marker, error frame
	ErrTimeout                             // per-call deadline exceeded
	ErrUnknown                             // anything else
)

// String returns the human-readable name of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrRateLimit:
		return "rate_limit"
	case ErrProviderOverloaded:
		return "provider_overloaded"
	case ErrContextTooLong:
		return "context_length_exceeded"
	case ErrContentFiltered:
		return "content_filter"
	case ErrAuth:
		return "auth_error"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrStreamInterrupted:
		return "stream_interrupted"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the caller-facing class of a failed call.
type Outcome int

const (
	// OutcomeRateLimited is retried by the client against the same model.
	OutcomeRateLimited Outcome = iota + 1
	// OutcomeHardFailure should be retried with a different model.
	OutcomeHardFailure
	// OutcomeTimeout should be retried with a different model. Partial
	// output was discarded.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeHardFailure:
		return "hard_failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps a gateway error with its classification and metadata.
type ClassifiedError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	RetryAfter time.Duration // only set for rate limit errors
}

func (e *ClassifiedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("openrouter %s (HTTP %d): %s (retry after %s)", e.Type, e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("openrouter %s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// Outcome maps the error type onto the three caller-facing classes.
func (e *ClassifiedError) Outcome() Outcome {
	switch e.Type {
	case ErrRateLimit:
		return OutcomeRateLimited
	case ErrTimeout:
		return OutcomeTimeout
	default:
		return OutcomeHardFailure
	}
}

// Retryable returns true if the client itself retries this error against
// the same model. Only rate limits qualify; everything else goes back to
// the caller so it can pick another model.
func (e *ClassifiedError) Retryable() bool {
	return e.Type == ErrRateLimit
}

// AsClassified extracts a *ClassifiedError from err, if any.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// errorBody is the JSON error body returned by the gateway.
type errorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// classifyHTTPError classifies a non-200 HTTP response.
func classifyHTTPError(resp *http.Response) *ClassifiedError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errBody errorBody
	json.Unmarshal(body, &errBody) //nolint:errcheck // best-effort parse

	msg := errBody.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ClassifiedError{
			Type:       ErrRateLimit,
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &ClassifiedError{Type: ErrAuth, StatusCode: resp.StatusCode, Message: msg}

	case resp.StatusCode == http.StatusBadRequest:
		return classifyBadRequest(resp.StatusCode, msg, errBody)

	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return &ClassifiedError{Type: ErrTimeout, StatusCode: resp.StatusCode, Message: msg}

	case resp.StatusCode >= 500:
		return &ClassifiedError{Type: ErrProviderOverloaded, StatusCode: resp.StatusCode, Message: msg}

	default:
		return &ClassifiedError{Type: ErrUnknown, StatusCode: resp.StatusCode, Message: msg}
	}
}

// classifyBadRequest further classifies HTTP 400 errors by examining the error body.
func classifyBadRequest(statusCode int, msg string, errBody errorBody) *ClassifiedError {
	combined := strings.ToLower(string(errBody.Error.Code) + " " + errBody.Error.Type + " " + msg)

	if strings.Contains(combined, "context_length_exceeded") ||
		strings.Contains(combined, "maximum context length") ||
		strings.Contains(combined, "too many tokens") {
		return &ClassifiedError{Type: ErrContextTooLong, StatusCode: statusCode, Message: msg}
	}

	if strings.Contains(combined, "content_filter") ||
		strings.Contains(combined, "content_policy") ||
		strings.Contains(combined, "flagged") {
		return &ClassifiedError{Type: ErrContentFiltered, StatusCode: statusCode, Message: msg}
	}

	return &ClassifiedError{Type: ErrUnknown, StatusCode: statusCode, Message: msg}
}

// classifyStreamError classifies an error frame received mid-stream. The
// response already started, so even rate limits become hard failures here.
func classifyStreamError(msg string, code json.RawMessage) *ClassifiedError {
	status, _ := strconv.Atoi(strings.Trim(string(code), `"`))
	if msg == "" {
		msg = "error frame in stream"
	}
	return &ClassifiedError{Type: ErrStreamInterrupted, StatusCode: status, Message: msg}
}

// parseRetryAfter parses the Retry-After header value as seconds.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// abortError marks a stream stopped by the caller's delta callback. It is
// not a provider failure.
type abortError struct {
	err error
}

func (e *abortError) Error() string { return "stream aborted: " + e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }
