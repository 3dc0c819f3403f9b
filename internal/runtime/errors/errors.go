package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired     = sterrors.New("dqueue: service is required")
	ErrHandlerRequired     = sterrors.New("dqueue: handler function is required")
	ErrHandlerNameRequired = sterrors.New("dqueue: handler name is required")
	ErrQueueRequired       = sterrors.New("dqueue: queue name is required")
	ErrMessageRequired     = sterrors.New("dqueue: message is required")
	ErrInvalidThreads      = sterrors.New("dqueue: worker thread count must be positive")
	ErrConfigRequired      = sterrors.New("dqueue: configuration is required")
	ErrLoggerRequired      = sterrors.New("dqueue: logger is required")
	ErrConsumerDisposed    = sterrors.New("dqueue: consumer is disposed")
	ErrServiceStopped      = sterrors.New("dqueue: service is stopped")
)

// ValidationError reports an invalid argument at the call that supplied it.
// Err is one of the sentinel errors above so callers can use errors.Is.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", e.Err.Error(), e.Field)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err for the named field.
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return sterrors.As(err, &vErr)
}

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "dqueue: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// StartupError is returned when the service cannot come up with a usable
// provider. Hosts must not start after receiving one.
type StartupError struct {
	Provider string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("dqueue: startup failed for provider %q: %v", e.Provider, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
