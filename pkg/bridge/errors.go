package bridge

import "errors"

// Errors returned by the bridge client. Handshake failures surface the auth
// package's ErrConnectionDeclined and ErrAuthFailed; undecryptable frames are
// logged with the codec package's ErrDecrypt and discarded.
var (
	// ErrConfigMissing is returned when the bridge IP or auth key is absent.
	ErrConfigMissing = errors.New("bridge: bridge IP and auth key are required")

	// ErrConnectTimeout is returned when handshake plus discovery did not
	// complete within the connect window.
	ErrConnectTimeout = errors.New("bridge: connect timed out")

	// ErrNotConnected is returned for mutating calls without an
	// authenticated session.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrInvalidArgument is returned for bad ids, types, or out-of-range
	// values passed to facade methods.
	ErrInvalidArgument = errors.New("bridge: invalid argument")

	// ErrAckTimeout is returned when a command exhausted its retries without
	// an acknowledgement.
	ErrAckTimeout = errors.New("bridge: command not acknowledged")

	// ErrTransportClosed is returned when the bridge closed the socket.
	ErrTransportClosed = errors.New("bridge: transport closed")

	// ErrAlreadyStarted is returned when Init is called on a live client.
	ErrAlreadyStarted = errors.New("bridge: client already started")

	// ErrClientClosed is returned when operating on a cleaned-up client.
	ErrClientClosed = errors.New("bridge: client closed")
)
