package crypto

import "errors"

// Errors returned by the crypto package.
var (
	// ErrInvalidPublicKey is returned when the bridge's PEM key cannot be parsed.
	ErrInvalidPublicKey = errors.New("crypto: invalid bridge public key")

	// ErrPublicKeyTooShort is returned for RSA keys below MinPublicKeyBits.
	ErrPublicKeyTooShort = errors.New("crypto: bridge public key below 2048 bits")

	// ErrInvalidSaltLength is returned for non-positive salt lengths.
	ErrInvalidSaltLength = errors.New("crypto: salt length must be positive")
)
