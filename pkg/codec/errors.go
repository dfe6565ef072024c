package codec

import "errors"

// Errors returned by the codec package.
var (
	// ErrInvalidKeys is returned when session key material has the wrong length.
	ErrInvalidKeys = errors.New("codec: invalid session keys")

	// ErrDecrypt is returned when a frame cannot be base64-decoded or decrypted.
	ErrDecrypt = errors.New("codec: frame decrypt failed")

	// ErrEmptyFrame is returned for frames with no ciphertext.
	ErrEmptyFrame = errors.New("codec: empty frame")
)
