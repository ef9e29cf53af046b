// Package errs defines the error taxonomy shared by the codec, the storage
// backend and the aggregation repository.
//
// Callers branch on the category with the Is* helpers, which see through
// fmt.Errorf("%w") wrapping:
//
//	if errs.IsOptimisticLock(err) {
//	    // re-read, re-merge, retry
//	}
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes repository errors.
type Code string

const (
	// CodeStorage indicates a backend failure (connectivity, constraint,
	// statement timeout). The transaction was rolled back.
	CodeStorage Code = "STORAGE"

	// CodeOptimisticLock indicates a version conflict on a contested key.
	CodeOptimisticLock Code = "OPTIMISTIC_LOCK"

	// CodeSerialization indicates a body or header could not be encoded.
	CodeSerialization Code = "SERIALIZATION"

	// CodeSecurity indicates the type filter rejected a stored payload.
	CodeSecurity Code = "SECURITY"
)

// Error is the structured error returned by repository operations.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op is the operation that failed, e.g. "add" or "select completed".
	Op string

	// Key is the correlation key involved, if any.
	Key string

	// ExchangeID is the exchange involved, if any.
	ExchangeID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	switch {
	case e.Key != "" && e.ExchangeID != "":
		return fmt.Sprintf("%s: %s: %s (key=%s, exchange=%s)", e.Code, e.Op, msg, e.Key, e.ExchangeID)
	case e.Key != "":
		return fmt.Sprintf("%s: %s: %s (key=%s)", e.Code, e.Op, msg, e.Key)
	case e.ExchangeID != "":
		return fmt.Sprintf("%s: %s: %s (exchange=%s)", e.Code, e.Op, msg, e.ExchangeID)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Storage wraps a backend failure.
func Storage(op string, err error) *Error {
	return &Error{Code: CodeStorage, Op: op, Err: err}
}

// OptimisticLock reports a lost version race on key.
func OptimisticLock(op, key string, expected int64) *Error {
	return &Error{
		Code:    CodeOptimisticLock,
		Op:      op,
		Key:     key,
		Message: fmt.Sprintf("stored version does not match expected version %d", expected),
	}
}

// Serialization reports a value that could not be encoded or decoded.
func Serialization(op, message string, err error) *Error {
	return &Error{Code: CodeSerialization, Op: op, Message: message, Err: err}
}

// Security reports a payload rejected by the type filter.
func Security(op, typeName string) *Error {
	return &Error{
		Code:    CodeSecurity,
		Op:      op,
		Message: fmt.Sprintf("type %q: filter status: REJECTED", typeName),
	}
}

// WithKey returns a copy of err annotated with key when err is an *Error.
// Other errors are returned unchanged.
func WithKey(err error, key string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Key = key
	return &cp
}

// WithExchange returns a copy of err annotated with the exchange id when err
// is an *Error. Other errors are returned unchanged.
func WithExchange(err error, exchangeID string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.ExchangeID = exchangeID
	return &cp
}

// CodeOf returns the category of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStorage returns true if err is a storage error.
func IsStorage(err error) bool { return CodeOf(err) == CodeStorage }

// IsOptimisticLock returns true if err is an optimistic locking conflict.
func IsOptimisticLock(err error) bool { return CodeOf(err) == CodeOptimisticLock }

// IsSerialization returns true if err is a serialization error.
func IsSerialization(err error) bool { return CodeOf(err) == CodeSerialization }

// IsSecurity returns true if err is a type filter rejection.
func IsSecurity(err error) bool { return CodeOf(err) == CodeSecurity }
