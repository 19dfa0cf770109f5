package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/meta"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/tier"
)

// CreateNotebook creates a notebook with its own file encryption key
// wrapped under an Argon2id-derived key, writes an empty manifest, and
// registers the notebook in the root map. The decrypted FEK is loaded
// into the session.
func (v *Vault) CreateNotebook(ctx context.Context, sess *session.Session, passphrase []byte, title string) (string, error) {
	mek, err := sess.MEK()
	if err != nil {
		return "", err
	}

	params, err := v.notebookParams()
	if err != nil {
		return "", err
	}
	kek, err := v.engine.DeriveKey(ctx, passphrase, params)
	if err != nil {
		return "", fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	fek, err := v.engine.GenerateKey(ctx)
	if err != nil {
		return "", fmt.Errorf("generating notebook key: %w", err)
	}

	wrapped, err := v.engine.Encrypt(ctx, fek, kek)
	if err != nil {
		crypto.Wipe(fek)
		return "", fmt.Errorf("wrapping notebook key: %w", err)
	}

	id := uuid.NewString()
	nbMeta := meta.NewNotebookMeta(params, wrapped)
	metaBytes, err := nbMeta.Marshal()
	if err != nil {
		crypto.Wipe(fek)
		return "", err
	}
	if err := v.local.Put(ctx, runestone.NotebookMetaPath(id), metaBytes); err != nil {
		crypto.Wipe(fek)
		return "", fmt.Errorf("storing notebook meta: %w", err)
	}

	now := v.now()
	if err := v.saveManifest(ctx, model.NewManifest(id, title, now), fek); err != nil {
		crypto.Wipe(fek)
		return "", err
	}

	nbMap, err := v.loadMap(ctx, mek)
	if err != nil {
		crypto.Wipe(fek)
		return "", err
	}
	nbMap = nbMap.Upsert(model.MapEntry{UUID: id, Title: title}, now)
	if err := v.saveMap(ctx, nbMap, mek); err != nil {
		crypto.Wipe(fek)
		return "", err
	}

	if err := sess.LoadFEK(id, fek); err != nil {
		crypto.Wipe(fek)
		return "", err
	}

	v.logger.Info("notebook created", "notebook", id, "title", title)
	return id, nil
}

// OpenNotebook unwraps the notebook key with the given passphrase and
// loads it into the session. Opening an already-open notebook is a
// no-op.
func (v *Vault) OpenNotebook(ctx context.Context, sess *session.Session, notebookID string, passphrase []byte) error {
	if sess.HasFEK(notebookID) {
		return nil
	}

	metaBytes, err := v.getWithFallback(ctx, runestone.NotebookMetaPath(notebookID))
	if err != nil {
		if errors.Is(err, tier.ErrNotFound) {
			return ErrNotebookNotFound
		}
		return err
	}
	nbMeta, err := meta.UnmarshalNotebookMeta(metaBytes)
	if err != nil {
		return err
	}

	kek, err := v.engine.DeriveKey(ctx, passphrase, nbMeta.KDF)
	if err != nil {
		return fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	fek, err := v.engine.Decrypt(ctx, nbMeta.EncryptedFEK.Envelope(), kek)
	if err != nil {
		return fmt.Errorf("unwrapping notebook key: %w", err)
	}
	if err := sess.LoadFEK(notebookID, fek); err != nil {
		crypto.Wipe(fek)
		return err
	}
	return nil
}

// Notebooks lists the map entries for the account.
func (v *Vault) Notebooks(ctx context.Context, sess *session.Session) ([]model.MapEntry, error) {
	m, err := v.Map(ctx, sess)
	if err != nil {
		return nil, err
	}
	return m.Entries, nil
}

// RemoteNotebookIDs enumerates notebook ids present on the remote tier
// by listing its meta records. Useful when the local map has not been
// synced yet.
func (v *Vault) RemoteNotebookIDs(ctx context.Context) ([]string, error) {
	if v.remote == nil {
		return nil, errors.New("vault: no remote store configured")
	}
	keys, err := v.remote.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing remote records: %w", err)
	}
	var ids []string
	seen := make(map[string]bool)
	for _, key := range keys {
		p, err := runestone.ParsePath(key)
		if err != nil || p.Kind != runestone.KindNotebookMeta {
			continue
		}
		if !seen[p.NotebookID] {
			seen[p.NotebookID] = true
			ids = append(ids, p.NotebookID)
		}
	}
	return ids, nil
}

// RenameNotebook updates the title in both the root map and the
// notebook's manifest.
func (v *Vault) RenameNotebook(ctx context.Context, sess *session.Session, notebookID, title string) error {
	mek, err := sess.MEK()
	if err != nil {
		return err
	}
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return err
	}

	now := v.now()

	manifest, err := v.loadManifest(ctx, notebookID, fek)
	if err != nil {
		return err
	}
	if err := v.saveManifest(ctx, manifest.Rename(title, now), fek); err != nil {
		return err
	}

	nbMap, err := v.loadMap(ctx, mek)
	if err != nil {
		return err
	}
	if _, ok := nbMap.Entry(notebookID); !ok {
		return ErrNotebookNotFound
	}
	nbMap = nbMap.Upsert(model.MapEntry{UUID: notebookID, Title: title}, now)
	return v.saveMap(ctx, nbMap, mek)
}

// DeleteNotebook removes the notebook from the root map, drops its key
// from the session, and deletes its meta, manifest, and blobs from the
// local tier. When a remote store is configured its records are
// reclaimed best-effort in the same call; failures there are logged
// and do not undo the local deletion. Devices that still carry the
// notebook in an unsynced map may reintroduce the map entry on a later
// merge.
func (v *Vault) DeleteNotebook(ctx context.Context, sess *session.Session, notebookID string) error {
	mek, err := sess.MEK()
	if err != nil {
		return err
	}

	nbMap, err := v.loadMap(ctx, mek)
	if err != nil {
		return err
	}
	if _, ok := nbMap.Entry(notebookID); !ok {
		return ErrNotebookNotFound
	}
	nbMap = nbMap.Remove(notebookID, v.now())
	if err := v.saveMap(ctx, nbMap, mek); err != nil {
		return err
	}

	sess.DropFEK(notebookID)

	keys, err := v.local.List(ctx, runestone.NotebookPrefix(notebookID))
	if err != nil {
		return fmt.Errorf("listing notebook records: %w", err)
	}
	for _, key := range keys {
		p, err := runestone.ParsePath(key)
		if err != nil {
			v.logger.Warn("skipping unrecognized record", "key", key, "error", err)
			continue
		}
		if _, err := v.local.Delete(ctx, p); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}

	if v.remote != nil {
		v.reclaimRemoteNotebook(ctx, notebookID)
	}

	v.logger.Info("notebook deleted", "notebook", notebookID)
	return nil
}

// reclaimRemoteNotebook deletes a notebook's records from the remote
// tier. Best-effort: the local deletion already happened, so failures
// are only logged and any leftover remote records stay until removed
// out of band.
func (v *Vault) reclaimRemoteNotebook(ctx context.Context, notebookID string) {
	keys, err := v.remote.List(ctx, runestone.NotebookPrefix(notebookID))
	if err != nil {
		v.logger.Warn("listing remote notebook records failed", "notebook", notebookID, "error", err)
		return
	}
	for _, key := range keys {
		p, err := runestone.ParsePath(key)
		if err != nil {
			continue
		}
		if _, err := v.remote.Delete(ctx, p); err != nil {
			v.logger.Warn("deleting remote record failed", "key", key, "error", err)
		}
	}
}

// RekeyNotebook rewraps the notebook key under a key derived from the
// new passphrase with fresh KDF parameters.
func (v *Vault) RekeyNotebook(ctx context.Context, sess *session.Session, notebookID string, newPassphrase []byte) error {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return err
	}

	metaBytes, err := v.getWithFallback(ctx, runestone.NotebookMetaPath(notebookID))
	if err != nil {
		if errors.Is(err, tier.ErrNotFound) {
			return ErrNotebookNotFound
		}
		return err
	}
	nbMeta, err := meta.UnmarshalNotebookMeta(metaBytes)
	if err != nil {
		return err
	}

	params, err := meta.FreshParams(nbMeta.KDF)
	if err != nil {
		return err
	}
	rekeyed, err := meta.RekeyNotebook(ctx, v.engine, nbMeta, newPassphrase, fek, params)
	if err != nil {
		return err
	}

	data, err := rekeyed.Marshal()
	if err != nil {
		return err
	}
	if err := v.local.Put(ctx, runestone.NotebookMetaPath(notebookID), data); err != nil {
		return fmt.Errorf("storing notebook meta: %w", err)
	}
	return nil
}

// Manifest loads and decrypts the notebook's manifest.
func (v *Vault) Manifest(ctx context.Context, sess *session.Session, notebookID string) (model.Manifest, error) {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return model.Manifest{}, err
	}
	return v.loadManifest(ctx, notebookID, fek)
}

func (v *Vault) loadManifest(ctx context.Context, notebookID string, fek []byte) (model.Manifest, error) {
	packed, err := v.getWithFallback(ctx, runestone.ManifestPath(notebookID))
	if err != nil {
		return model.Manifest{}, err
	}
	plain, err := v.engine.UnpackAndDecrypt(ctx, packed, fek)
	if err != nil {
		return model.Manifest{}, err
	}
	return model.UnmarshalManifest(plain)
}

func (v *Vault) saveManifest(ctx context.Context, m model.Manifest, fek []byte) error {
	plain, err := m.Marshal()
	if err != nil {
		return err
	}
	packed, err := v.engine.EncryptAndPack(ctx, plain, fek)
	if err != nil {
		return err
	}
	if err := v.local.Put(ctx, runestone.ManifestPath(m.NotebookID), packed); err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}
	return nil
}
