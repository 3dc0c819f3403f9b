package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned by Registry.Build for an unregistered name.
	ErrUnknownProvider = errors.New("dqueue: unknown provider")
	// ErrConfigRequired is returned when a builder receives no config.
	ErrConfigRequired = errors.New("dqueue: provider config is required")
	// ErrCoordinatorsRequired is returned when a builder receives no coordinator registry.
	ErrCoordinatorsRequired = errors.New("dqueue: coordinator registry is required")
	// ErrClosed is returned by operations on a closed provider.
	ErrClosed = errors.New("dqueue: provider closed")
)

// ConnectionError reports a transport failure that outlived its retries.
type ConnectionError struct {
	Provider string
	Op       string
	Queue    string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dqueue: %s %s on queue %q: %v", e.Provider, e.Op, e.Queue, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}
