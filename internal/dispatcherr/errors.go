// Package dispatcherr is the single error vocabulary for the dispatch core.
// Every service method that can fail operationally returns an *Error built
// through one of the constructors below; nothing downstream does its own
// string matching on error text.
package dispatcherr

import (
	"errors"
	"fmt"
)

// Kind is the broad category an Error falls into, used by the HTTP layer to
// pick a status class without inspecting Code.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindContention Kind = "contention"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindExpiry     Kind = "expiry"
	KindFatal      Kind = "fatal"
)

// Error is the typed error every dispatch service returns.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind/code/message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that also carries an underlying cause, used for
// fatal/internal errors where the cause is logged but never returned to the
// caller verbatim.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Retry marks e as retryable and returns it, for the contention-kind errors
// a client is expected to back off and re-issue.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// As reports whether err is a *Error (and, if so, returns it), the way
// callers are expected to branch on kind/code.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Common, named constructors for the error codes enumerated in the dispatch
// core's error taxonomy. Each mirrors a precondition or invariant named
// alongside the operation that raises it.
func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Forbidden(code, message string) *Error  { return New(KindForbidden, code, message) }
func Expired(code, message string) *Error    { return New(KindExpiry, code, message) }
func Fatal(code, message string, cause error) *Error {
	return Wrap(KindFatal, code, message, cause)
}

func Policy(code, message string) *Error { return New(KindPolicy, code, message) }

func Contention(code, message string) *Error { return New(KindContention, code, message).Retry() }

var (
	ErrActiveOrderExists    = Policy("ACTIVE_ORDER_EXISTS", "customer already has a non-terminal order")
	ErrRateLimitExceeded    = Policy("RATE_LIMIT_EXCEEDED", "order creation rate limit exceeded")
	ErrAlreadyHolding       = Policy("ALREADY_HOLDING", "transporter already holds an active hold for this group")
	ErrInvalidStatusChange  = Policy("INVALID_STATUS_TRANSITION", "status transition is not allowed")
	ErrConcurrentRequest    = Contention("CONCURRENT_REQUEST", "a conflicting request for the same customer is already in flight")
	ErrLockFailed           = Contention("LOCK_FAILED", "could not acquire lock on one or more truck requests")
	ErrNotEnoughAvailable   = Contention("NOT_ENOUGH_AVAILABLE", "fewer matching truck requests are available than requested")
	ErrOrderNotFound        = NotFound("ORDER_NOT_FOUND", "order not found")
	ErrTruckRequestNotFound = NotFound("TRUCK_REQUEST_NOT_FOUND", "truck request not found")
	ErrHoldNotFound         = NotFound("HOLD_NOT_FOUND", "hold not found")
	ErrForbidden            = Forbidden("FORBIDDEN", "actor is not permitted to perform this operation")
	ErrNotAssigned          = Forbidden("NOT_ASSIGNED", "caller is not the driver assigned to this order")
	ErrHoldExpired          = Expired("EXPIRED", "hold has expired")
	ErrOrderExpired         = Expired("EXPIRED", "order has expired")
	ErrInvalidQuantity      = Validation("INVALID_QUANTITY", "quantity is out of the allowed range")
	ErrValidationFailures   = Validation("VALIDATION_FAILURES", "one or more assignment validations failed")
)
