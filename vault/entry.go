package vault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
)

// WriteEntry encrypts and stores a document blob and records it in the
// manifest. If entryID is empty a new entry is created and its UUID
// returned; otherwise the existing entry is updated and its version
// bumped. The content hash is always computed over the plaintext.
func (v *Vault) WriteEntry(ctx context.Context, sess *session.Session, notebookID, entryID, entryType, title string, content []byte) (string, error) {
	return v.writeEntry(ctx, sess, notebookID, entryID, entryType, title, content, runestone.HashBytes(content))
}

// WriteEntryFrom is WriteEntry for streamed content: the plaintext is
// hashed while it is read, so the buffer is only traversed once.
func (v *Vault) WriteEntryFrom(ctx context.Context, sess *session.Session, notebookID, entryID, entryType, title string, r io.Reader) (string, error) {
	hr := runestone.NewHashingReader(r)
	content, err := io.ReadAll(hr)
	if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return v.writeEntry(ctx, sess, notebookID, entryID, entryType, title, content, hr.Sum())
}

func (v *Vault) writeEntry(ctx context.Context, sess *session.Session, notebookID, entryID, entryType, title string, content []byte, hash runestone.Hash) (string, error) {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return "", err
	}

	packed, err := v.engine.EncryptAndPack(ctx, content, fek)
	if err != nil {
		return "", err
	}

	manifest, err := v.loadManifest(ctx, notebookID, fek)
	if err != nil {
		return "", err
	}

	now := v.now()
	size := int64(len(content))
	if entryID == "" {
		entryID = uuid.NewString()
		manifest = manifest.AddEntry(entryID, entryType, title, hash, size, now)
	} else {
		if _, ok := manifest.Entry(entryID); !ok {
			return "", ErrEntryNotFound
		}
		manifest = manifest.UpdateEntry(entryID, title, hash, size, now)
	}

	if err := v.local.Put(ctx, runestone.BlobPath(notebookID, entryID), packed); err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}
	if err := v.saveManifest(ctx, manifest, fek); err != nil {
		return "", err
	}

	v.logger.Debug("entry written", "notebook", notebookID, "entry", entryID, "bytes", size)
	return entryID, nil
}

// ReadEntry fetches, decrypts, and verifies a document blob. A content
// hash that does not match the manifest surfaces as ErrIntegrity.
func (v *Vault) ReadEntry(ctx context.Context, sess *session.Session, notebookID, entryID string) ([]byte, model.ManifestEntry, error) {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return nil, model.ManifestEntry{}, err
	}

	manifest, err := v.loadManifest(ctx, notebookID, fek)
	if err != nil {
		return nil, model.ManifestEntry{}, err
	}
	entry, ok := manifest.Entry(entryID)
	if !ok {
		return nil, model.ManifestEntry{}, ErrEntryNotFound
	}

	packed, err := v.getWithFallback(ctx, runestone.BlobPath(notebookID, entryID))
	if err != nil {
		return nil, model.ManifestEntry{}, err
	}
	plain, err := v.engine.UnpackAndDecrypt(ctx, packed, fek)
	if err != nil {
		return nil, model.ManifestEntry{}, err
	}
	if err := runestone.VerifyContent(plain, entry.Hash); err != nil {
		return nil, model.ManifestEntry{}, err
	}
	return plain, entry, nil
}

// DeleteEntry removes an entry from the manifest and deletes its blob
// from the local tier. The remote copy is reclaimed on the next sync.
func (v *Vault) DeleteEntry(ctx context.Context, sess *session.Session, notebookID, entryID string) error {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return err
	}

	manifest, err := v.loadManifest(ctx, notebookID, fek)
	if err != nil {
		return err
	}
	if _, ok := manifest.Entry(entryID); !ok {
		return ErrEntryNotFound
	}

	if err := v.saveManifest(ctx, manifest.RemoveEntry(entryID, v.now()), fek); err != nil {
		return err
	}
	if _, err := v.local.Delete(ctx, runestone.BlobPath(notebookID, entryID)); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// VerifyNotebook reads every blob in the notebook and checks its
// content hash against the manifest. It returns the UUIDs of entries
// that are missing or fail verification.
func (v *Vault) VerifyNotebook(ctx context.Context, sess *session.Session, notebookID string) ([]string, error) {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return nil, err
	}
	manifest, err := v.loadManifest(ctx, notebookID, fek)
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, entry := range manifest.Entries {
		packed, err := v.getWithFallback(ctx, runestone.BlobPath(notebookID, entry.UUID))
		if err != nil {
			bad = append(bad, entry.UUID)
			continue
		}
		plain, err := v.engine.UnpackAndDecrypt(ctx, packed, fek)
		if err != nil {
			bad = append(bad, entry.UUID)
			continue
		}
		if err := runestone.VerifyContent(plain, entry.Hash); err != nil {
			if !errors.Is(err, runestone.ErrIntegrity) {
				return nil, err
			}
			bad = append(bad, entry.UUID)
		}
	}
	return bad, nil
}
