// Package codec implements the framed AES-256-CBC payload encoding used on the
// bridge's WebSocket channel.
//
// The bridge does not use PKCS#7 padding. Plaintext is padded with null bytes
// to the next 16-byte boundary, and a full block of nulls is appended when the
// plaintext is already aligned. The ciphertext is base64-encoded and terminated
// with a single 0x04 byte on the wire.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// KeyLength is the AES-256 key length in bytes.
	KeyLength = 32

	// IVLength is the CBC initialization vector length in bytes.
	IVLength = aes.BlockSize

	// Terminator is the end-of-transmission byte appended to each encrypted
	// frame on the wire.
	Terminator = 0x04
)

// SessionKeys holds the AES-256 key and IV negotiated for one WebSocket
// session. Keys are generated locally during the handshake, wrapped with the
// bridge's RSA public key, and discarded when the session ends. They are never
// reused across sessions.
type SessionKeys struct {
	Key []byte
	IV  []byte
}

// NewSessionKeys generates a fresh key and IV from a cryptographically secure
// source.
func NewSessionKeys() (*SessionKeys, error) {
	k := &SessionKeys{
		Key: make([]byte, KeyLength),
		IV:  make([]byte, IVLength),
	}
	if _, err := rand.Read(k.Key); err != nil {
		return nil, fmt.Errorf("codec: generating session key: %w", err)
	}
	if _, err := rand.Read(k.IV); err != nil {
		return nil, fmt.Errorf("codec: generating session IV: %w", err)
	}
	return k, nil
}

// validate checks the key material lengths.
func (k *SessionKeys) validate() error {
	if k == nil || len(k.Key) != KeyLength || len(k.IV) != IVLength {
		return ErrInvalidKeys
	}
	return nil
}

// pad appends the bridge's null padding to plaintext. The padded length is
// always strictly greater than the input length: an aligned input gains a full
// extra block.
func pad(plaintext []byte) []byte {
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	return append(plaintext, make([]byte, n)...)
}

// Encrypt encodes one outbound frame: null-pad, AES-256-CBC, base64, and the
// trailing terminator byte. The returned slice is ready to write to the
// socket as a text frame.
func Encrypt(plaintext []byte, keys *SessionKeys) ([]byte, error) {
	if err := keys.validate(); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(ciphertext, padded)

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	frame := make([]byte, 0, len(encoded)+1)
	frame = append(frame, encoded...)
	frame = append(frame, Terminator)
	return frame, nil
}

// Decrypt decodes one inbound frame. The input is the base64 payload with the
// terminator byte already stripped by the transport. Ciphertext that is not
// block-aligned is right-padded with zeros before decrypting; some firmware
// versions truncate trailing null blocks. Trailing null bytes are stripped
// from the plaintext.
func Decrypt(frame []byte, keys *SessionKeys) ([]byte, error) {
	if err := keys.validate(); err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(string(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(ciphertext) == 0 {
		return nil, ErrEmptyFrame
	}

	if n := len(ciphertext) % aes.BlockSize; n != 0 {
		ciphertext = append(ciphertext, make([]byte, aes.BlockSize-n)...)
	}

	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.IV).CryptBlocks(plaintext, ciphertext)

	return bytes.TrimRight(plaintext, "\x00"), nil
}

// StripTerminator removes the trailing terminator byte from a raw wire frame,
// if present.
func StripTerminator(frame []byte) []byte {
	if len(frame) > 0 && frame[len(frame)-1] == Terminator {
		return frame[:len(frame)-1]
	}
	return frame
}
