// Package apperr holds the error taxonomy shared by the ledger, identity,
// billing and usage packages. Callers match with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrOrphanTransaction   = errors.New("orphan_transaction")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrLinkConflict        = errors.New("link_conflict")
	ErrTransientStore      = errors.New("transient_store_failure")
	ErrDuplicateEvent      = errors.New("duplicate_event")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidInput        = errors.New("invalid_input")
	ErrIgnoredEvent        = errors.New("event_ignored")
)

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() error { return e.err }

func (e *storeError) Is(target error) bool { return target == ErrTransientStore }

// Store wraps a data store failure so it matches ErrTransientStore while
// keeping the driver error reachable through errors.As / errors.Is.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *storeError
	if errors.As(err, &se) {
		return err
	}
	return &storeError{op: op, err: err}
}

// Invalid builds an ErrInvalidInput with a reason.
func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, reason)
}

// IsRetryable reports whether the caller may safely repeat the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// Code returns the snake_case code exposed in JSON error bodies.
func Code(err error) string {
	for _, known := range []error{
		ErrInvalidSignature,
		ErrOrphanTransaction,
		ErrInsufficientCredits,
		ErrLinkConflict,
		ErrDuplicateEvent,
		ErrNotFound,
		ErrInvalidInput,
		ErrIgnoredEvent,
		ErrTransientStore,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal_server_error"
}

// HTTPStatus maps the taxonomy onto response codes. Duplicates and ignored
// events are successes so processors stop redelivering them.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDuplicateEvent), errors.Is(err, ErrIgnoredEvent):
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrOrphanTransaction), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrLinkConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
