// Package vault orchestrates the account and notebook lifecycle:
// creating and opening accounts, wrapping and unwrapping keys through
// the crypto engine, and reading and writing encrypted documents
// through the storage tiers. It never persists key material; decrypted
// keys live only in the caller's session.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/meta"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/tier"
)

var (
	// ErrAccountExists is returned when creating an account over an
	// existing root meta.
	ErrAccountExists = errors.New("vault: account already exists")

	// ErrAccountNotFound is returned when no root meta exists on any
	// reachable tier.
	ErrAccountNotFound = errors.New("vault: account not found")

	// ErrNotebookNotFound is returned when a notebook's meta record is
	// absent on every reachable tier.
	ErrNotebookNotFound = errors.New("vault: notebook not found")

	// ErrEntryNotFound is returned when a manifest has no such entry.
	ErrEntryNotFound = errors.New("vault: entry not found")
)

// Vault ties the crypto engine and the storage tiers together. The
// local store is required; the remote store is optional and used as a
// read-through fallback for records absent from the local cache.
type Vault struct {
	engine *crypto.Engine
	local  tier.Store
	remote tier.Store
	logger *slog.Logger
	now    func() time.Time

	rootParams     func() (crypto.KDFParams, error)
	notebookParams func() (crypto.KDFParams, error)
}

// Option configures a Vault.
type Option func(*Vault)

// WithRemote sets the remote store used as a read-through fallback.
func WithRemote(remote tier.Store) Option {
	return func(v *Vault) {
		v.remote = remote
	}
}

// WithLogger sets the logger for the vault.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// WithKDFParams overrides the KDF parameter factories used for new
// accounts and notebooks. Tests use this to keep derivation cheap.
func WithKDFParams(root, notebook func() (crypto.KDFParams, error)) Option {
	return func(v *Vault) {
		v.rootParams = root
		v.notebookParams = notebook
	}
}

// New creates a vault over the given crypto engine and local store.
func New(engine *crypto.Engine, local tier.Store, opts ...Option) *Vault {
	v := &Vault{
		engine:         engine,
		local:          local,
		logger:         slog.Default(),
		now:            time.Now,
		rootParams:     crypto.NewPBKDF2Params,
		notebookParams: crypto.NewArgon2idParams,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CreateAccount initializes a new account: a fresh master key wrapped
// under a PBKDF2-derived key, an empty root map, and default settings.
// It returns a session holding the decrypted MEK.
func (v *Vault) CreateAccount(ctx context.Context, accountID string, passphrase []byte) (*session.Session, error) {
	if exists, err := tier.Exists(ctx, v.local, runestone.RootMetaPath()); err != nil {
		return nil, fmt.Errorf("checking root meta: %w", err)
	} else if exists {
		return nil, ErrAccountExists
	}

	params, err := v.rootParams()
	if err != nil {
		return nil, err
	}
	kek, err := v.engine.DeriveKey(ctx, passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	mek, err := v.engine.GenerateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	wrapped, err := v.engine.Encrypt(ctx, mek, kek)
	if err != nil {
		crypto.Wipe(mek)
		return nil, fmt.Errorf("wrapping master key: %w", err)
	}

	rootMeta := meta.NewRootMeta(params, wrapped)
	metaBytes, err := rootMeta.Marshal()
	if err != nil {
		crypto.Wipe(mek)
		return nil, err
	}
	if err := v.local.Put(ctx, runestone.RootMetaPath(), metaBytes); err != nil {
		crypto.Wipe(mek)
		return nil, fmt.Errorf("storing root meta: %w", err)
	}

	now := v.now()
	if err := v.saveMap(ctx, model.NewMap(now), mek); err != nil {
		crypto.Wipe(mek)
		return nil, err
	}
	if err := v.saveSettings(ctx, model.NewSettings(now), mek); err != nil {
		crypto.Wipe(mek)
		return nil, err
	}

	sess := session.New(accountID)
	if err := sess.LoadMEK(mek); err != nil {
		crypto.Wipe(mek)
		return nil, err
	}

	v.logger.Info("account created", "account", accountID)
	return sess, nil
}

// Open unlocks an existing account. A wrong passphrase surfaces as
// crypto.ErrAuthenticationFailed from unwrapping the master key; there
// is deliberately no cheaper oracle.
func (v *Vault) Open(ctx context.Context, accountID string, passphrase []byte) (*session.Session, error) {
	metaBytes, err := v.getWithFallback(ctx, runestone.RootMetaPath())
	if err != nil {
		if errors.Is(err, tier.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	rootMeta, err := meta.UnmarshalRootMeta(metaBytes)
	if err != nil {
		return nil, err
	}

	kek, err := v.engine.DeriveKey(ctx, passphrase, rootMeta.KDF)
	if err != nil {
		return nil, fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer crypto.Wipe(kek)

	mek, err := v.engine.Decrypt(ctx, rootMeta.EncryptedMEK.Envelope(), kek)
	if err != nil {
		return nil, fmt.Errorf("unwrapping master key: %w", err)
	}

	sess := session.New(accountID)
	if err := sess.LoadMEK(mek); err != nil {
		crypto.Wipe(mek)
		return nil, err
	}
	return sess, nil
}

// ChangePassphrase rewraps the master key under a key derived from the
// new passphrase with fresh KDF parameters. The MEK itself is unchanged
// and already-encrypted data is untouched.
func (v *Vault) ChangePassphrase(ctx context.Context, sess *session.Session, newPassphrase []byte) error {
	mek, err := sess.MEK()
	if err != nil {
		return err
	}

	metaBytes, err := v.getWithFallback(ctx, runestone.RootMetaPath())
	if err != nil {
		return err
	}
	rootMeta, err := meta.UnmarshalRootMeta(metaBytes)
	if err != nil {
		return err
	}

	params, err := meta.FreshParams(rootMeta.KDF)
	if err != nil {
		return err
	}
	rekeyed, err := meta.RekeyRoot(ctx, v.engine, rootMeta, newPassphrase, mek, params)
	if err != nil {
		return err
	}

	data, err := rekeyed.Marshal()
	if err != nil {
		return err
	}
	if err := v.local.Put(ctx, runestone.RootMetaPath(), data); err != nil {
		return fmt.Errorf("storing root meta: %w", err)
	}

	v.logger.Info("passphrase changed", "account", sess.AccountID())
	return nil
}

// Map loads and decrypts the root map.
func (v *Vault) Map(ctx context.Context, sess *session.Session) (model.Map, error) {
	mek, err := sess.MEK()
	if err != nil {
		return model.Map{}, err
	}
	return v.loadMap(ctx, mek)
}

// Settings loads and decrypts the settings document.
func (v *Vault) Settings(ctx context.Context, sess *session.Session) (model.Settings, error) {
	mek, err := sess.MEK()
	if err != nil {
		return model.Settings{}, err
	}
	packed, err := v.getWithFallback(ctx, runestone.SettingsPath())
	if err != nil {
		return model.Settings{}, err
	}
	plain, err := v.engine.UnpackAndDecrypt(ctx, packed, mek)
	if err != nil {
		return model.Settings{}, err
	}
	return model.UnmarshalSettings(plain)
}

// UpdateSettings stamps and persists the settings document.
func (v *Vault) UpdateSettings(ctx context.Context, sess *session.Session, sync model.SyncSettings, theme model.ThemeSettings) (model.Settings, error) {
	mek, err := sess.MEK()
	if err != nil {
		return model.Settings{}, err
	}
	current, err := v.Settings(ctx, sess)
	if err != nil {
		return model.Settings{}, err
	}
	updated := current.Update(sync, theme, v.now())
	if err := v.saveSettings(ctx, updated, mek); err != nil {
		return model.Settings{}, err
	}
	return updated, nil
}

func (v *Vault) loadMap(ctx context.Context, mek []byte) (model.Map, error) {
	packed, err := v.getWithFallback(ctx, runestone.RootMapPath())
	if err != nil {
		return model.Map{}, err
	}
	plain, err := v.engine.UnpackAndDecrypt(ctx, packed, mek)
	if err != nil {
		return model.Map{}, err
	}
	return model.UnmarshalMap(plain)
}

func (v *Vault) saveMap(ctx context.Context, m model.Map, mek []byte) error {
	plain, err := m.Marshal()
	if err != nil {
		return err
	}
	packed, err := v.engine.EncryptAndPack(ctx, plain, mek)
	if err != nil {
		return err
	}
	if err := v.local.Put(ctx, runestone.RootMapPath(), packed); err != nil {
		return fmt.Errorf("storing map: %w", err)
	}
	return nil
}

func (v *Vault) saveSettings(ctx context.Context, s model.Settings, mek []byte) error {
	plain, err := s.Marshal()
	if err != nil {
		return err
	}
	packed, err := v.engine.EncryptAndPack(ctx, plain, mek)
	if err != nil {
		return err
	}
	if err := v.local.Put(ctx, runestone.SettingsPath(), packed); err != nil {
		return fmt.Errorf("storing settings: %w", err)
	}
	return nil
}

// getWithFallback reads a path from the local cache, falling back to
// the remote store and re-caching on a local miss. Absence on the local
// tier is not an error, just a miss.
func (v *Vault) getWithFallback(ctx context.Context, p runestone.Path) ([]byte, error) {
	data, err := v.local.Get(ctx, p)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, tier.ErrNotFound) || v.remote == nil {
		return nil, err
	}

	data, err = v.remote.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if putErr := v.local.Put(ctx, p, data); putErr != nil {
		v.logger.Warn("failed to cache remote record", "key", p.Key(), "error", putErr)
	}
	return data, nil
}
