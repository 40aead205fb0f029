package vault

import (
	"errors"
	"fmt"

	"github.com/charlesng35/sessionguard/pkg/crypto"
)

// MinSecretLength is the shortest deployment secret accepted by NewTokenCipher.
const MinSecretLength = 32

// DefaultSalt is the fixed derivation label for the token vault key. Changing it orphans every
// stored token, so overrides go through WithSalt explicitly.
const DefaultSalt = "sessionguard:token-vault:v1"

var (
	// ErrSecretTooShort is returned when the deployment secret is below MinSecretLength bytes.
	ErrSecretTooShort = fmt.Errorf("vault: secret must be at least %d bytes", MinSecretLength)
	// ErrEmptyPlaintext is returned when asked to encrypt an empty token.
	ErrEmptyPlaintext = errors.New("vault: cannot encrypt empty value")
	// ErrMalformedCiphertext is returned for values not shaped iv:authTag:ciphertext.
	ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")
	// ErrDecryptFailed is returned when authentication of a stored value fails.
	ErrDecryptFailed = errors.New("vault: decryption failed")
)

// TokenCipher encrypts tokens at rest with AES-256-GCM under a key derived once from the
// deployment secret.
type TokenCipher struct {
	key    []byte
	salt   []byte
	params crypto.Argon2Parameters
}

type cipherConfig struct {
	params crypto.Argon2Parameters
	salt   []byte
}

// Option configures the token cipher.
type Option func(*cipherConfig)

// WithSalt overrides the fixed derivation salt.
func WithSalt(salt []byte) Option {
	cp := make([]byte, len(salt))
	copy(cp, salt)
	return func(cfg *cipherConfig) {
		cfg.salt = cp
	}
}

// WithArgon2Parameters overrides the Argon2 cost parameters used during key derivation.
func WithArgon2Parameters(params crypto.Argon2Parameters) Option {
	return func(cfg *cipherConfig) {
		cfg.params = params
	}
}

// NewTokenCipher derives the vault key from secret using Argon2id.
func NewTokenCipher(secret []byte, opts ...Option) (*TokenCipher, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w (got %d)", ErrSecretTooShort, len(secret))
	}

	cfg := cipherConfig{
		params: crypto.DefaultArgon2Params(),
		salt:   []byte(DefaultSalt),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.salt) < crypto.MinSaltLength {
		return nil, fmt.Errorf("vault: salt must be at least %d bytes (got %d)", crypto.MinSaltLength, len(cfg.salt))
	}

	derived, err := crypto.DeriveKeyArgon2id(secret, cfg.salt, cfg.params)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	return &TokenCipher{
		key:    derived,
		salt:   append([]byte(nil), cfg.salt...),
		params: cfg.params,
	}, nil
}

// Encrypt seals a token and returns hex(iv):hex(tag):hex(ciphertext).
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", errors.New("vault: cipher is not initialised")
	}
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	sealed, err := crypto.SealSegmented([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	return sealed, nil
}

// Decrypt verifies and opens a sealed token. It never returns partial plaintext.
func (c *TokenCipher) Decrypt(value string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", errors.New("vault: cipher is not initialised")
	}
	plaintext, err := crypto.OpenSegmented(value, c.key)
	switch {
	case err == nil:
		return string(plaintext), nil
	case errors.Is(err, crypto.ErrMalformedCiphertext):
		return "", ErrMalformedCiphertext
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return "", ErrDecryptFailed
	default:
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
}

// Salt returns a copy of the salt used during derivation.
func (c *TokenCipher) Salt() []byte {
	return append([]byte(nil), c.salt...)
}

// Parameters returns the Argon2 parameters used during derivation.
func (c *TokenCipher) Parameters() crypto.Argon2Parameters {
	return c.params
}
