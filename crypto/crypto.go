// Package crypto implements the primitive operations of the storage
// engine: passphrase key derivation (PBKDF2-SHA256 and Argon2id),
// AES-256-GCM authenticated encryption, and the packed envelope format
// used for everything persisted to a tier.
//
// All CPU-bound operations are normally reached through the Engine,
// which runs them on a dedicated worker pool behind a correlation-id
// message channel. The functions in this file are the synchronous
// primitives the workers execute.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation algorithms. PBKDF2 wraps the root master key (fast,
// runs on every app start); Argon2id wraps notebook file keys
// (memory-hard, runs once per notebook open).
const (
	AlgPBKDF2   = "pbkdf2-sha256"
	AlgArgon2id = "argon2id"
)

const (
	// KeyLength is the length of symmetric keys in bytes (AES-256).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes (128 bits).
	TagLength = 16

	// SaltLength is the length of freshly generated KDF salts in bytes.
	SaltLength = 16
)

// Default KDF cost parameters. Argon2id follows the OWASP
// recommendation; PBKDF2 iterations are sized for an interactive unlock.
const (
	DefaultPBKDF2Iterations = 600_000

	DefaultArgon2Iterations  = 3
	DefaultArgon2MemoryKiB   = 64 * 1024
	DefaultArgon2Parallelism = 4
)

var (
	// ErrAuthenticationFailed indicates the GCM tag did not verify: the
	// key is wrong (wrong passphrase) or the ciphertext was corrupted or
	// tampered with. The two cases are deliberately indistinguishable.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrInvalidKeyLength indicates a key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidEnvelope indicates packed envelope bytes are malformed.
	ErrInvalidEnvelope = errors.New("crypto: invalid envelope")

	// ErrUnknownAlgorithm indicates an unsupported KDF algorithm name.
	ErrUnknownAlgorithm = errors.New("crypto: unknown key derivation algorithm")
)

// KDFParams describes a key derivation. The zero values of Memory and
// Parallelism are valid for PBKDF2, which ignores them.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Salt        []byte `json:"salt"`
	Iterations  int    `json:"iterations"`
	Memory      int    `json:"memory,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
}

// NewPBKDF2Params returns default-cost PBKDF2 parameters with a fresh salt.
func NewPBKDF2Params() (KDFParams, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return KDFParams{}, err
	}
	return KDFParams{
		Algorithm:  AlgPBKDF2,
		Salt:       salt,
		Iterations: DefaultPBKDF2Iterations,
	}, nil
}

// NewArgon2idParams returns default-cost Argon2id parameters with a fresh salt.
func NewArgon2idParams() (KDFParams, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return KDFParams{}, err
	}
	return KDFParams{
		Algorithm:   AlgArgon2id,
		Salt:        salt,
		Iterations:  DefaultArgon2Iterations,
		Memory:      DefaultArgon2MemoryKiB,
		Parallelism: DefaultArgon2Parallelism,
	}, nil
}

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// deriveKey derives a 32-byte wrapping key from a passphrase.
func deriveKey(passphrase []byte, params KDFParams) ([]byte, error) {
	switch params.Algorithm {
	case AlgPBKDF2:
		return pbkdf2.Key(passphrase, params.Salt, params.Iterations, KeyLength, sha256.New), nil
	case AlgArgon2id:
		//nolint:gosec // cost params are small positive config values
		return argon2.IDKey(passphrase, params.Salt,
			uint32(params.Iterations), uint32(params.Memory), uint8(params.Parallelism),
			KeyLength), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, params.Algorithm)
	}
}

// generateKey generates a cryptographically random symmetric key.
func generateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// encrypt encrypts plaintext with AES-256-GCM under a fresh random nonce.
func encrypt(plaintext, key []byte) (Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag; the envelope keeps it separate.
	split := len(sealed) - TagLength
	return Envelope{
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// decrypt decrypts an envelope, verifying the authentication tag.
// Any verification failure is reported as ErrAuthenticationFailed;
// a wrong passphrase is never distinguishable from corruption.
func decrypt(env Envelope, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != NonceLength || len(env.Tag) != TagLength {
		return nil, ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// ExportKey returns a copy of a raw symmetric key, used for session key
// caching. Exported keys are never persisted.
func ExportKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

// ImportKey validates and copies raw key bytes back into a usable key.
func ImportKey(raw []byte) ([]byte, error) {
	if len(raw) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	return ExportKey(raw), nil
}

// Wipe overwrites a byte slice with zeros so key material does not
// linger in memory after teardown. runtime.KeepAlive stops the compiler
// from eliding the writes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
