package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// IVSize is the size in bytes of the random IV generated per encryption (128 bits).
	IVSize = 16
	// TagSize is the size in bytes of the GCM authentication tag.
	TagSize = 16
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	segmentSeparator = ":"
)

var (
	// ErrEmptyPlaintext is returned when asked to encrypt an empty value.
	ErrEmptyPlaintext = errors.New("crypto: plaintext must not be empty")
	// ErrMalformedCiphertext is returned when an encrypted value is not iv:tag:ciphertext.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
	// ErrAuthenticationFailed is returned when the GCM tag does not verify.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// SealSegmented encrypts plaintext with AES-256-GCM using a fresh 128-bit IV and returns the
// hex encoded "iv:authTag:ciphertext" form.
func SealSegmented(plaintext, key []byte) (string, error) {
	return sealSegmented(plaintext, key, rand.Reader)
}

func sealSegmented(plaintext, key []byte, random io.Reader) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrEmptyPlaintext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(body),
	}, segmentSeparator), nil
}

// OpenSegmented decrypts a value produced by SealSegmented. Any tampering with the IV, tag or
// ciphertext yields ErrAuthenticationFailed.
func OpenSegmented(value string, key []byte) ([]byte, error) {
	parts := strings.Split(value, segmentSeparator)
	if len(parts) != 3 {
		return nil, ErrMalformedCiphertext
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVSize {
		return nil, ErrMalformedCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return nil, ErrMalformedCiphertext
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil || len(body) == 0 {
		return nil, ErrMalformedCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes (got %d)", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// HashHex returns the hex encoded SHA-256 digest of the joined parts.
func HashHex(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
