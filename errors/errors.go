// Package errors provides the error classification shared by the bot engine,
// the transport adapters and the subscriber stores. It includes standard error
// variables, a ClassifiedError wrapper and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents a broken or stale connection; recover by reconnecting and retrying
	ErrorTransient ErrorClass = iota
	// ErrorExhausted represents a saturated resource; recover by waiting a fixed delay and retrying
	ErrorExhausted
	// ErrorInvalid represents errors due to invalid input, configuration or application logic
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorExhausted:
		return "exhausted"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrAuthenticationFail = errors.New("authentication failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")
	ErrDataCorrupted      = errors.New("data corrupted")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrRateLimited       = errors.New("rate limited")

	// Input and configuration errors
	ErrInvalidData    = errors.New("invalid data format")
	ErrInvalidPeer    = errors.New("invalid peer identity")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrConfigNotFound = errors.New("configuration not found")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf returns the class of the outermost ClassifiedError in the chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient reports whether err is recoverable by reconnecting and retrying.
// context.Canceled is not transient: a cancelled operation must not be replayed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	return errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsExhausted reports whether err signals a saturated resource.
func IsExhausted(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorExhausted
	}
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrRateLimited)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDataCorrupted) ||
		errors.Is(err, ErrAuthenticationFail)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidData) || errors.Is(err, ErrInvalidPeer)
}

// Classify returns the error class for an error. Errors that carry no
// classification are treated as invalid: they are logged and dropped, never retried.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorInvalid
	case IsExhausted(err):
		return ErrorExhausted
	case IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorInvalid
	}
}

// newClassified creates a new classified error.
// Use WrapTransient(), WrapExhausted(), WrapInvalid() or WrapFatal() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapExhausted wraps an error as resource exhaustion with context
func WrapExhausted(err error, component, method, action string) error {
	return wrapAs(ErrorExhausted, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
