package storage

import "errors"

var (
	// ErrConnection is returned when no pooled connection can be obtained
	// within the configured wait, or when the manager has been closed.
	ErrConnection = errors.New("storage: connection unavailable")

	// ErrQuery is returned for constraint violations and malformed
	// statements. Not retryable.
	ErrQuery = errors.New("storage: query failed")

	// ErrSchema is returned when schema initialization fails. Fatal at
	// startup.
	ErrSchema = errors.New("storage: schema initialization failed")
)
