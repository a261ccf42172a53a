package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("upstream: timed out")
	// ErrIncompleteStream is returned when the body ends before any finish reason.
	ErrIncompleteStream = errors.New("upstream: stream ended without a finish reason")
)

// TimeoutError reports that the overall budget for a model expired. It is
// distinct from provider-reported failures.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model timed out: no response within %gs", e.Budget.Seconds())
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StatusError is a provider-reported failure, either a non-2xx response or an
// error object sent in-band on the stream.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Retryable reports whether the status is transient (rate limited or unavailable).
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code == 503
}

const maxErrorMessage = 300

// apiError is the provider's JSON error object. Code may be a number or a string.
type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func (a *apiError) status(fallback int) int {
	raw := strings.Trim(string(a.Code), `"`)
	if n, err := strconv.Atoi(raw); err == nil && n >= 100 && n <= 599 {
		return n
	}
	return fallback
}

// errorMessage extracts a readable message from an error body: error.message,
// then message, then the raw text. The result is truncated.
func errorMessage(body []byte, fallback string) string {
	var parsed struct {
		Error   *apiError `json:"error"`
		Message string    `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error != nil && parsed.Error.Message != "":
			msg = parsed.Error.Message
		case parsed.Message != "":
			msg = parsed.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fallback
	}
	if r := []rune(msg); len(r) > maxErrorMessage {
		msg = string(r[:maxErrorMessage])
	}
	return msg
}
