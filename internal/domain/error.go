package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrJobTerminal        = errors.New("job already in terminal status")
	ErrNoProcessor        = errors.New("no processor registered for task type")
	ErrCapacityExhausted  = errors.New("admission capacity exhausted")
)

// FailureKind classifies a job failure for retry purposes.
type FailureKind int

const (
	FailureInternal FailureKind = iota
	FailureTransientNetwork
	FailureRateLimited
	FailureServerError
	FailureValidation
	FailureContentValidation
	FailureCanceled
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransientNetwork:
		return "transient_network"
	case FailureRateLimited:
		return "rate_limited"
	case FailureServerError:
		return "server_error"
	case FailureValidation:
		return "validation"
	case FailureContentValidation:
		return "content_validation"
	case FailureCanceled:
		return "canceled"
	case FailureTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Retryable reports whether a failure of this kind is worth resubmitting.
// Network hiccups, rate limits and provider 5xx are; everything the caller
// did wrong (or the model produced wrong) is not.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTransientNetwork, FailureRateLimited, FailureServerError, FailureTimeout:
		return true
	default:
		return false
	}
}

// FailureError carries a classified failure through the processor stack.
type FailureError struct {
	Kind FailureKind
	Msg  string
	Err  error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FailureError) Unwrap() error { return e.Err }

// NewFailure wraps err with a classification and a short human-readable message.
func NewFailure(kind FailureKind, msg string, err error) *FailureError {
	return &FailureError{Kind: kind, Msg: msg, Err: err}
}

// Classify maps an arbitrary error onto the failure taxonomy. Errors already
// carrying a FailureError keep their classification; context and net errors
// count as transient.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureInternal
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FailureTransientNetwork
	}
	if errors.Is(err, ErrInvalidArgument) {
		return FailureValidation
	}
	return FailureInternal
}

// AsFailure returns err as a classified FailureError, wrapping it if it
// does not carry a classification yet.
func AsFailure(err error) error {
	if err == nil {
		return nil
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return err
	}
	kind := Classify(err)
	return &FailureError{Kind: kind, Msg: kind.String() + " failure", Err: err}
}

// ClassifyHTTPStatus maps a provider HTTP status onto the failure taxonomy.
func ClassifyHTTPStatus(status int) FailureKind {
	switch {
	case status == 429 || status == 503 || status == 529:
		return FailureRateLimited
	case status >= 500:
		return FailureServerError
	case status >= 400:
		return FailureValidation
	default:
		return FailureInternal
	}
}
