package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Error wraps a provider failure with enough context for logging and for
// the retry loop to classify it.
type Error struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient: rate limits, 5xx
// responses, timeouts, and connection-level errors.
func (e *Error) Retryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return retryableMessage(e.Error())
}

// IsRetryable classifies arbitrary errors from provider SDKs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return retryableMessage(err.Error())
}

func retryableMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"rate_limit", "too many requests", "429",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
