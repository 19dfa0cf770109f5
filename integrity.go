package runestone

import (
	"errors"
	"fmt"
)

// ErrIntegrity is returned when content fails verification against its
// recorded hash, signalling corruption or tampering.
var ErrIntegrity = errors.New("content hash mismatch")

// VerifyContent checks plaintext bytes against their recorded content
// hash. A mismatch means the data must not be used.
func VerifyContent(data []byte, want Hash) error {
	if got := HashBytes(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrIntegrity, got.ShortString(), want.ShortString())
	}
	return nil
}
