package transport

import "errors"

// Errors returned by the transport package.
var (
	// ErrNoHandler is returned when no frame handler is configured.
	ErrNoHandler = errors.New("transport: frame handler is required")

	// ErrNoHost is returned when no bridge address is configured.
	ErrNoHost = errors.New("transport: bridge host is required")

	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)
