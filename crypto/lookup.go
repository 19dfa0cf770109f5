package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoLookup is the HKDF info string for relay lookup values.
const hkdfInfoLookup = "runestone-relay-lookup"

// DeriveLookupValue derives the value used to authenticate against the
// file relay. It is a keyed hash bound to the master key and account id,
// not a secret key: presenting it authorizes signed-URL issuance but can
// never decrypt anything.
func DeriveLookupValue(mek []byte, accountID string) (string, error) {
	if len(mek) != KeyLength {
		return "", ErrInvalidKeyLength
	}

	r := hkdf.New(sha256.New, mek, nil, []byte(hkdfInfoLookup+":"+accountID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving lookup value: %w", err)
	}
	return hex.EncodeToString(out), nil
}
