package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrInvalidTimestamp indicates the value could not be parsed as RFC3339.
	ErrInvalidTimestamp = errors.New("invalid rfc3339 timestamp")
	// ErrInvalidURL indicates that a URL failed validation.
	ErrInvalidURL = errors.New("invalid url")
)

// ParseRFC3339 parses a timestamp string using RFC3339Nano for maximum fidelity.
func ParseRFC3339(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: value is empty", ErrInvalidTimestamp)
	}

	ts, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	return ts, nil
}

// ValidateHTTPURL ensures the provided string is a valid HTTP or HTTPS URL.
// Resolved callback templates are checked with it before any request is made.
func ValidateHTTPURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	if strings.Contains(u.Path, "{{") {
		return "", fmt.Errorf("%w: unresolved template placeholder in %q", ErrInvalidURL, u.Path)
	}

	return trimmed, nil
}

// EnsureMaxBytes checks that a byte slice does not exceed the specified size.
func EnsureMaxBytes(field string, b []byte, max int) error {
	if max <= 0 {
		return nil
	}
	if len(b) > max {
		return fmt.Errorf("%s exceeds maximum size of %d bytes", field, max)
	}
	return nil
}
