package ack

import "errors"

// Errors returned by the ack package.
var (
	// ErrAckTimeout is returned when no acknowledgement arrived in time.
	ErrAckTimeout = errors.New("ack: acknowledgement timed out")

	// ErrNacked is returned when the bridge negatively acknowledged a message.
	ErrNacked = errors.New("ack: bridge rejected message")

	// ErrTrackerClosed is returned when registering on a closed tracker.
	ErrTrackerClosed = errors.New("ack: tracker closed")

	// ErrDuplicateWaiter is returned when an mc is already in flight.
	ErrDuplicateWaiter = errors.New("ack: waiter already registered")
)
