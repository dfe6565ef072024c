package auth

import "errors"

// Errors returned by the auth package.
var (
	// ErrConnectionDeclined is returned when the bridge refuses the handshake.
	ErrConnectionDeclined = errors.New("auth: bridge declined connection")

	// ErrAuthFailed is returned when login did not yield a token.
	ErrAuthFailed = errors.New("auth: login yielded no token")

	// ErrNoSender is returned when the send callbacks are not configured.
	ErrNoSender = errors.New("auth: send callbacks are required")

	// ErrNoAuthKey is returned when the auth key is missing.
	ErrNoAuthKey = errors.New("auth: auth key is required")
)
