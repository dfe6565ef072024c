package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// MinPublicKeyBits is the minimum accepted bridge RSA key size.
const MinPublicKeyBits = 2048

// secretDelimiter separates the hex-encoded key and IV in the wrapped secret.
// The bridge firmware splits on this exact token.
const secretDelimiter = ":::"

// ParsePublicKey decodes a PEM-encoded RSA public key received from the
// bridge. Both PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings
// are accepted. Keys shorter than MinPublicKeyBits are rejected.
func ParsePublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub = key
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		pub = rsaKey
	}

	if pub.N.BitLen() < MinPublicKeyBits {
		return nil, ErrPublicKeyTooShort
	}
	return pub, nil
}

// WrapSessionSecret encrypts the session key material for the bridge. The
// secret string is hex(key) + ":::" + hex(iv), RSA-encrypted with PKCS#1 v1.5
// padding and base64-encoded.
func WrapSessionSecret(pub *rsa.PublicKey, key, iv []byte) (string, error) {
	if pub == nil {
		return "", ErrInvalidPublicKey
	}

	secret := hex.EncodeToString(key) + secretDelimiter + hex.EncodeToString(iv)
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(secret))
	if err != nil {
		return "", fmt.Errorf("crypto: wrapping session secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
