// Package crypto provides the fixed cryptographic primitives of the bridge
// protocol: the double-SHA-256 password derivation, salt generation, and the
// RSA key wrap used to hand the session secret to the bridge.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultSaltLength is the salt length used during login.
const DefaultSaltLength = 32

// saltAlphabet is the character set salts are drawn from.
const saltAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// AuthHash derives the login password from the bridge-advertised device id,
// the user's auth key, and a per-login salt:
//
//	sha256_hex( salt ++ sha256_hex( deviceID ++ authKey ) )
//
// Concatenation is over the UTF-8 encodings. The result is lowercase hex.
func AuthHash(deviceID, authKey, salt string) string {
	inner := sha256.Sum256([]byte(deviceID + authKey))
	outer := sha256.Sum256([]byte(salt + hex.EncodeToString(inner[:])))
	return hex.EncodeToString(outer[:])
}

// GenerateSalt produces a random string of length n drawn from [A-Za-z0-9],
// using a cryptographically secure source.
func GenerateSalt(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidSaltLength
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}

	out := make([]byte, n)
	for i, b := range buf {
		out[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return string(out), nil
}
