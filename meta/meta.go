// Package meta defines the two metadata records that bind a passphrase
// to a data-encryption key: the account's root meta (passphrase → master
// key) and per-notebook meta (passphrase → file key). Meta records are
// stored unencrypted; they hold only wrapped keys, never key material.
package meta

import (
	"encoding/json"
	"fmt"

	"github.com/speedyibbi/runestone/crypto"
)

// SchemaVersion is the current schema version stamped into new records.
const SchemaVersion = 1

// Encryption describes the cipher that produced a record's envelope.
type Encryption struct {
	Cipher    string `json:"cipher"`
	TagLength int    `json:"tag_length"`
}

// DefaultEncryption is AES-256-GCM with a 128-bit tag.
func DefaultEncryption() Encryption {
	return Encryption{Cipher: "aes-256-gcm", TagLength: crypto.TagLength * 8}
}

// WrappedKey is an envelope in its JSON form; fields are base64.
type WrappedKey struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// WrapKey converts an envelope into its meta-record JSON form.
func WrapKey(env crypto.Envelope) WrappedKey {
	return WrappedKey{Nonce: env.Nonce, Ciphertext: env.Ciphertext, Tag: env.Tag}
}

// Envelope converts a wrapped key back into a crypto envelope.
func (w WrappedKey) Envelope() crypto.Envelope {
	return crypto.Envelope{Nonce: w.Nonce, Ciphertext: w.Ciphertext, Tag: w.Tag}
}

// RootMeta is the account-level metadata record. There is exactly one
// per account. The wrapped MEK is the only secret-adjacent content and
// it is useless without the passphrase-derived wrapping key.
type RootMeta struct {
	Version      int              `json:"version"`
	KDF          crypto.KDFParams `json:"kdf"`
	EncryptedMEK WrappedKey       `json:"encrypted_mek"`
	Encryption   Encryption       `json:"encryption"`
}

// NotebookMeta is the per-notebook metadata record wrapping that
// notebook's file encryption key.
type NotebookMeta struct {
	Version      int              `json:"version"`
	KDF          crypto.KDFParams `json:"kdf"`
	EncryptedFEK WrappedKey       `json:"encrypted_fek"`
	Encryption   Encryption       `json:"encryption"`
}

// NewRootMeta constructs a root meta record from KDF parameters and the
// already-wrapped master key.
func NewRootMeta(kdf crypto.KDFParams, encryptedMEK crypto.Envelope) RootMeta {
	return RootMeta{
		Version:      SchemaVersion,
		KDF:          kdf,
		EncryptedMEK: WrapKey(encryptedMEK),
		Encryption:   DefaultEncryption(),
	}
}

// NewNotebookMeta constructs a notebook meta record from KDF parameters
// and the already-wrapped file key.
func NewNotebookMeta(kdf crypto.KDFParams, encryptedFEK crypto.Envelope) NotebookMeta {
	return NotebookMeta{
		Version:      SchemaVersion,
		KDF:          kdf,
		EncryptedFEK: WrapKey(encryptedFEK),
		Encryption:   DefaultEncryption(),
	}
}

// UpdateMEK replaces the wrapped master key, leaving everything else
// untouched. Used when the MEK is rewrapped under the existing KDF
// parameters.
func (m RootMeta) UpdateMEK(encryptedMEK crypto.Envelope) RootMeta {
	m.EncryptedMEK = WrapKey(encryptedMEK)
	return m
}

// UpdateKDF replaces the KDF parameters together with the rewrapped
// master key. The two always change as a unit: new parameters produce a
// new wrapping key, which requires a new envelope.
func (m RootMeta) UpdateKDF(kdf crypto.KDFParams, encryptedMEK crypto.Envelope) RootMeta {
	m.KDF = kdf
	m.EncryptedMEK = WrapKey(encryptedMEK)
	return m
}

// UpdateFEK replaces the wrapped file key, leaving everything else
// untouched.
func (m NotebookMeta) UpdateFEK(encryptedFEK crypto.Envelope) NotebookMeta {
	m.EncryptedFEK = WrapKey(encryptedFEK)
	return m
}

// UpdateKDF replaces the KDF parameters together with the rewrapped
// file key.
func (m NotebookMeta) UpdateKDF(kdf crypto.KDFParams, encryptedFEK crypto.Envelope) NotebookMeta {
	m.KDF = kdf
	m.EncryptedFEK = WrapKey(encryptedFEK)
	return m
}

// Marshal encodes a root meta record for storage.
func (m RootMeta) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling root meta: %w", err)
	}
	return data, nil
}

// UnmarshalRootMeta decodes a stored root meta record.
func UnmarshalRootMeta(data []byte) (RootMeta, error) {
	var m RootMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return RootMeta{}, fmt.Errorf("parsing root meta: %w", err)
	}
	return m, nil
}

// Marshal encodes a notebook meta record for storage.
func (m NotebookMeta) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling notebook meta: %w", err)
	}
	return data, nil
}

// UnmarshalNotebookMeta decodes a stored notebook meta record.
func UnmarshalNotebookMeta(data []byte) (NotebookMeta, error) {
	var m NotebookMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return NotebookMeta{}, fmt.Errorf("parsing notebook meta: %w", err)
	}
	return m, nil
}
