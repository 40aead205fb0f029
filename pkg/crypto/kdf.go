package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// MinSaltLength is the shortest salt accepted by DeriveKeyArgon2id.
const MinSaltLength = 16

// Argon2Parameters controls the cost factors for Argon2id key derivation.
type Argon2Parameters struct {
	// Time is the number of iterations.
	Time uint32
	// Memory is the amount of memory (in kibibytes) to use.
	Memory uint32
	// Threads is the degree of parallelism.
	Threads uint8
}

// DefaultArgon2Params returns the parameters used to derive the token vault key.
func DefaultArgon2Params() Argon2Parameters {
	return Argon2Parameters{
		Time:    3,
		Memory:  64 * 1024, // 64 MiB
		Threads: 4,
	}
}

// LightArgon2Params trades cost for speed. Only meant for tests and local tooling.
func LightArgon2Params() Argon2Parameters {
	return Argon2Parameters{
		Time:    1,
		Memory:  8 * 1024,
		Threads: 1,
	}
}

// Validate ensures the parameters are suitable for Argon2id key derivation.
func (p Argon2Parameters) Validate() error {
	if p.Time == 0 {
		return fmt.Errorf("argon2: time cost must be greater than zero")
	}
	if p.Threads == 0 {
		return fmt.Errorf("argon2: parallelism must be greater than zero")
	}
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("argon2: memory cost must be at least 8 * threads")
	}
	return nil
}

// DeriveKeyArgon2id derives a 256-bit key using the Argon2id KDF.
func DeriveKeyArgon2id(secret, salt []byte, params Argon2Parameters) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("argon2: secret is required")
	}
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("argon2: salt must be at least %d bytes (got %d)", MinSaltLength, len(salt))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(secret, salt, params.Time, params.Memory, params.Threads, KeySize), nil
}
