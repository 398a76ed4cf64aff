package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a user-visible failure
type ErrorKind string

const (
	// KindValidation covers duplicate hostnames and malformed requests
	KindValidation ErrorKind = "validation"
	// KindResourceExhausted covers empty port pools and bridge capacity
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindProvisioning covers failed hypervisor calls
	KindProvisioning ErrorKind = "provisioning"
	// KindRouteConflict covers colliding hostnames or path prefixes
	KindRouteConflict ErrorKind = "route_conflict"
	// KindReconciliationAnomaly covers drift that needs operator attention
	KindReconciliationAnomaly ErrorKind = "reconciliation_anomaly"
	// KindOperationTimeout covers transitional states timed out by the janitor
	KindOperationTimeout ErrorKind = "operation_timeout"
	// KindOperationInProgress covers a second concurrent request for one app
	KindOperationInProgress ErrorKind = "operation_in_progress"
)

// Error is a classified, user-visible failure. Reason is the human-readable
// string recorded on Application.ErrorReason.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError creates a classified error wrapping a cause
func WrapError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the classification of err, or an empty kind for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
