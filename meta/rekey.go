package meta

import (
	"context"
	"fmt"

	"github.com/speedyibbi/runestone/crypto"
)

// FreshParams returns a copy of the given KDF parameters with a newly
// generated salt. Algorithm and cost are preserved; pass different
// params explicitly for a cost upgrade.
func FreshParams(old crypto.KDFParams) (crypto.KDFParams, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return crypto.KDFParams{}, err
	}
	old.Salt = salt
	return old, nil
}

// RekeyRoot rewraps the master key: a new wrapping key is derived from
// the passphrase under the given parameters and the same MEK is
// re-encrypted with it. KDF parameters and envelope are replaced
// together; the MEK's value never changes, only its wrapping.
func RekeyRoot(ctx context.Context, engine *crypto.Engine, m RootMeta, passphrase, mek []byte, params crypto.KDFParams) (RootMeta, error) {
	kek, err := engine.DeriveKey(ctx, passphrase, params)
	if err != nil {
		return RootMeta{}, fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	wrapped, err := engine.Encrypt(ctx, mek, kek)
	if err != nil {
		return RootMeta{}, fmt.Errorf("wrapping master key: %w", err)
	}
	return m.UpdateKDF(params, wrapped), nil
}

// RekeyNotebook rewraps a notebook's file key the same way RekeyRoot
// rewraps the master key.
func RekeyNotebook(ctx context.Context, engine *crypto.Engine, m NotebookMeta, passphrase, fek []byte, params crypto.KDFParams) (NotebookMeta, error) {
	kek, err := engine.DeriveKey(ctx, passphrase, params)
	if err != nil {
		return NotebookMeta{}, fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	wrapped, err := engine.Encrypt(ctx, fek, kek)
	if err != nil {
		return NotebookMeta{}, fmt.Errorf("wrapping file key: %w", err)
	}
	return m.UpdateKDF(params, wrapped), nil
}
