// Package fault defines the error taxonomy shared by the envelope builder, the
// endpoint cache and the notification dispatcher, together with the retry
// classification the consumer uses to decide whether a batch can be committed.
package fault

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify failures for the acknowledgement
// decision. Transient failures block the batch commit so the broker redelivers
// the envelope; permanent failures are logged and the envelope is acked.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// Taxonomy sentinels. They are matched with errors.Is and mapped to FSPIOP
// error codes by Code.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrStateConflict  = errors.New("state conflict")
	ErrExpired        = errors.New("expired")
	ErrDelivery       = errors.New("delivery error")
	ErrTranscoding    = errors.New("transcoding error")
	ErrInfrastructure = errors.New("infrastructure error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Validation builds a validation error carrying the supplied message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should block acknowledgement. Errors without
// an explicit classification are treated as transient when they stem from
// delivery or infrastructure, permanent otherwise.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent):
		return false
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrDelivery), errors.Is(err, ErrInfrastructure):
		return true
	default:
		return false
	}
}

// FSPIOP error codes used when a failure is reported back to a participant.
const (
	CodeCommunication   = "1001"
	CodeUnavailable     = "2003"
	CodeGenericClient   = "3000"
	CodeValidation      = "3100"
	CodeMalformedSyntax = "3101"
	CodeIDNotFound      = "3208"
	CodeExpired         = "3303"
	CodeInternal        = "2001"
)

// Code maps err onto the FSPIOP error code reported to participants.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrTranscoding):
		return CodeMalformedSyntax
	case errors.Is(err, ErrNotFound):
		return CodeIDNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrStateConflict):
		return CodeGenericClient
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrDelivery):
		return CodeCommunication
	case errors.Is(err, ErrInfrastructure):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
