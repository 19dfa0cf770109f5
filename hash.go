// Package runestone holds the shared value types of the encrypted
// notebook storage engine: content hashes and logical tier paths.
package runestone

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = 32

// hashPrefix is the algorithm prefix of the canonical hash string form.
const hashPrefix = "sha256-"

// Hash is a SHA-256 content digest. Manifest entries record the hash of
// an entry's plaintext, so a blob can be verified after decryption
// regardless of which tier it was fetched from.
type Hash [HashSize]byte

// String returns the canonical form "sha256-<hex>".
func (h Hash) String() string {
	return hashPrefix + hex.EncodeToString(h[:])
}

// Hex returns the plain hex digest without the algorithm prefix.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	s := string(text)
	if !strings.HasPrefix(s, hashPrefix) {
		return fmt.Errorf("invalid hash %q: missing %q prefix", s, hashPrefix)
	}
	hexStr := strings.TrimPrefix(s, hashPrefix)
	if len(hexStr) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(hexStr))
	}
	_, err := hex.Decode(h[:], []byte(hexStr))
	return err
}

// ParseHash parses a canonical "sha256-<hex>" hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashReader computes the SHA-256 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
