package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/tier"
	"github.com/speedyibbi/runestone/vault"
)

func fastRootParams() (crypto.KDFParams, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return crypto.KDFParams{}, err
	}
	return crypto.KDFParams{
		Algorithm:  crypto.AlgPBKDF2,
		Salt:       salt,
		Iterations: 1000,
	}, nil
}

func fastNotebookParams() (crypto.KDFParams, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return crypto.KDFParams{}, err
	}
	return crypto.KDFParams{
		Algorithm:   crypto.AlgArgon2id,
		Salt:        salt,
		Iterations:  1,
		Memory:      8 * 1024,
		Parallelism: 1,
	}, nil
}

// device bundles one simulated client: its own local tier and vault,
// sharing the engine and the remote tier with the other devices.
type device struct {
	local tier.Store
	vault *vault.Vault
	sync  *Syncer
	clock *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newDevice(t *testing.T, engine *crypto.Engine, remote tier.Store) *device {
	t.Helper()

	local, err := tier.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	v := vault.New(engine, local,
		vault.WithRemote(remote),
		vault.WithLogger(logger),
		vault.WithClock(clock.now),
		vault.WithKDFParams(fastRootParams, fastNotebookParams))
	s := New(engine, local, remote, WithLogger(logger))
	return &device{local: local, vault: v, sync: s, clock: clock}
}

func testSetup(t *testing.T) (*crypto.Engine, tier.Store) {
	t.Helper()
	engine, err := crypto.NewEngine(crypto.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	remote, err := tier.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return engine, remote
}

func TestSyncUploadsNewNotebook(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "first", []byte("hello"))
	require.NoError(t, err)

	rootRes, err := dev.sync.SyncRoot(ctx, sess, nil)
	require.NoError(t, err)
	require.True(t, rootRes.Success)
	require.Zero(t, rootRes.Conflicts)

	res, err := dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Uploaded)
	require.Zero(t, res.Downloaded)
	require.Empty(t, res.Errors)

	for _, p := range []runestone.Path{
		runestone.RootMetaPath(),
		runestone.RootMapPath(),
		runestone.ManifestPath(id),
		runestone.NotebookMetaPath(id),
	} {
		ok, err := tier.Exists(ctx, remote, p)
		require.NoError(t, err)
		require.True(t, ok, "remote missing %s", p.Key())
	}
}

func TestSyncNoOp(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "n", []byte("body"))
	require.NoError(t, err)

	_, err = dev.sync.SyncRoot(ctx, sess, nil)
	require.NoError(t, err)
	_, err = dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)

	res, err := dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.Downloaded)
	require.Zero(t, res.Uploaded)
	require.Zero(t, res.DeletedRemotely)
	require.Zero(t, res.DeletedLocally)
	require.Zero(t, res.Conflicts)
	require.Empty(t, res.Errors)
}

func TestSyncDownloadToSecondDevice(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)

	devA := newDevice(t, engine, remote)
	sessA, err := devA.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessA.Close()

	id, err := devA.vault.CreateNotebook(ctx, sessA, []byte("nb"), "Notes")
	require.NoError(t, err)
	entryID, err := devA.vault.WriteEntry(ctx, sessA, id, "", model.EntryTypeNote, "n", []byte("shared body"))
	require.NoError(t, err)

	_, err = devA.sync.SyncRoot(ctx, sessA, nil)
	require.NoError(t, err)
	_, err = devA.sync.SyncNotebook(ctx, sessA, id, nil)
	require.NoError(t, err)

	devB := newDevice(t, engine, remote)
	sessB, err := devB.vault.Open(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessB.Close()

	require.NoError(t, devB.vault.OpenNotebook(ctx, sessB, id, []byte("nb")))

	res, err := devB.sync.SyncNotebook(ctx, sessB, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Downloaded)
	require.Zero(t, res.Uploaded)

	got, _, err := devB.vault.ReadEntry(ctx, sessB, id, entryID)
	require.NoError(t, err)
	require.Equal(t, []byte("shared body"), got)
}

func TestSyncConflictLastWriteWins(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)

	devA := newDevice(t, engine, remote)
	sessA, err := devA.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessA.Close()

	id, err := devA.vault.CreateNotebook(ctx, sessA, []byte("nb"), "Notes")
	require.NoError(t, err)
	entryID, err := devA.vault.WriteEntry(ctx, sessA, id, "", model.EntryTypeNote, "n", []byte("v1"))
	require.NoError(t, err)
	_, err = devA.sync.SyncRoot(ctx, sessA, nil)
	require.NoError(t, err)
	_, err = devA.sync.SyncNotebook(ctx, sessA, id, nil)
	require.NoError(t, err)

	devB := newDevice(t, engine, remote)
	// Device B's clock starts an hour later so its edit wins the merge.
	devB.clock.t = devA.clock.t.Add(time.Hour)
	sessB, err := devB.vault.Open(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessB.Close()
	require.NoError(t, devB.vault.OpenNotebook(ctx, sessB, id, []byte("nb")))
	_, err = devB.sync.SyncNotebook(ctx, sessB, id, nil)
	require.NoError(t, err)

	// Divergent edits to the same entry.
	_, err = devA.vault.WriteEntry(ctx, sessA, id, entryID, model.EntryTypeNote, "n", []byte("edit from A"))
	require.NoError(t, err)
	_, err = devB.vault.WriteEntry(ctx, sessB, id, entryID, model.EntryTypeNote, "n", []byte("edit from B"))
	require.NoError(t, err)

	resA, err := devA.sync.SyncNotebook(ctx, sessA, id, nil)
	require.NoError(t, err)
	require.Equal(t, 1, resA.Uploaded)

	// B's manifest is newer than what A pushed, so B's edit is the base
	// and the differing hash counts as a conflict.
	resB, err := devB.sync.SyncNotebook(ctx, sessB, id, nil)
	require.NoError(t, err)
	require.True(t, resB.Success)
	require.Equal(t, 1, resB.Conflicts)
	require.Equal(t, 1, resB.Uploaded)

	// A converges to B's version on its next sync.
	resA, err = devA.sync.SyncNotebook(ctx, sessA, id, nil)
	require.NoError(t, err)
	require.Equal(t, 1, resA.Downloaded)

	got, _, err := devA.vault.ReadEntry(ctx, sessA, id, entryID)
	require.NoError(t, err)
	require.Equal(t, []byte("edit from B"), got)
}

func TestSyncRestoresEntryStillListedRemotely(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	entryID, err := dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "n", []byte("kept"))
	require.NoError(t, err)
	_, err = dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)

	require.NoError(t, dev.vault.DeleteEntry(ctx, sess, id, entryID))

	// The remote manifest still lists the entry, so the merge restores
	// it and the blob comes back down; nothing is deleted remotely.
	res, err := dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Downloaded)
	require.Zero(t, res.DeletedRemotely)

	got, _, err := dev.vault.ReadEntry(ctx, sess, id, entryID)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), got)
}

func TestSyncDeletesBlobsUnlistedByBothManifests(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	entryID, err := dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "n", []byte("doomed"))
	require.NoError(t, err)
	_, err = dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)

	// Delete locally and push the post-deletion manifest to the remote
	// directly, as if another device synced the deletion but crashed
	// before reclaiming the blob.
	require.NoError(t, dev.vault.DeleteEntry(ctx, sess, id, entryID))
	fek, err := sess.FEK(id)
	require.NoError(t, err)
	manifest, err := dev.vault.Manifest(ctx, sess, id)
	require.NoError(t, err)
	manifestBytes, err := manifest.Marshal()
	require.NoError(t, err)
	require.NoError(t, dev.sync.putEncrypted(ctx, remote, runestone.ManifestPath(id), manifestBytes, fek))

	res, err := dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.DeletedRemotely)
	require.Zero(t, res.Downloaded)

	ok, err := tier.Exists(ctx, remote, runestone.BlobPath(id, entryID))
	require.NoError(t, err)
	require.False(t, ok)
}

// failingStore wraps a store and fails Put for blob paths.
type failingStore struct {
	tier.Store
}

func (f *failingStore) Put(ctx context.Context, p runestone.Path, data []byte) error {
	if p.Kind == runestone.KindBlob {
		return errors.New("relay unavailable")
	}
	return f.Store.Put(ctx, p, data)
}

func TestSyncIsolatesPerBlobFailures(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "a", []byte("one"))
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "b", []byte("two"))
	require.NoError(t, err)

	broken := New(engine, dev.local, &failingStore{Store: remote},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res, err := broken.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.Uploaded)
	require.Len(t, res.Errors, 2)

	// The blobs retry once the remote recovers.
	res, err = dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Uploaded)
	require.Empty(t, res.Errors)
}

func TestSyncRejectsCorruptRemoteBlob(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)

	devA := newDevice(t, engine, remote)
	sessA, err := devA.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessA.Close()

	id, err := devA.vault.CreateNotebook(ctx, sessA, []byte("nb"), "Notes")
	require.NoError(t, err)
	badID, err := devA.vault.WriteEntry(ctx, sessA, id, "", model.EntryTypeNote, "a", []byte("original"))
	require.NoError(t, err)
	goodID, err := devA.vault.WriteEntry(ctx, sessA, id, "", model.EntryTypeNote, "b", []byte("intact"))
	require.NoError(t, err)
	_, err = devA.sync.SyncNotebook(ctx, sessA, id, nil)
	require.NoError(t, err)

	// Swap the remote blob for a validly encrypted payload whose
	// content no longer matches the manifest hash.
	fek, err := sessA.FEK(id)
	require.NoError(t, err)
	forged, err := engine.EncryptAndPack(ctx, []byte("swapped"), fek)
	require.NoError(t, err)
	require.NoError(t, remote.Put(ctx, runestone.BlobPath(id, badID), forged))

	devB := newDevice(t, engine, remote)
	sessB, err := devB.vault.Open(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessB.Close()
	require.NoError(t, devB.vault.OpenNotebook(ctx, sessB, id, []byte("nb")))

	res, err := devB.sync.SyncNotebook(ctx, sessB, id, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Downloaded)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "content hash mismatch")

	// The corrupt envelope is never persisted locally; the intact
	// entry came through.
	ok, err := tier.Exists(ctx, devB.local, runestone.BlobPath(id, badID))
	require.NoError(t, err)
	require.False(t, ok)

	got, _, err := devB.vault.ReadEntry(ctx, sessB, id, goodID)
	require.NoError(t, err)
	require.Equal(t, []byte("intact"), got)
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)

	require.True(t, dev.sync.tryLock(id))
	defer dev.sync.unlock(id)

	_, err = dev.sync.SyncNotebook(ctx, sess, id, nil)
	require.ErrorIs(t, err, ErrSyncInProgress)

	// A different notebook is unaffected.
	id2, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb2"), "Other")
	require.NoError(t, err)
	_, err = dev.sync.SyncNotebook(ctx, sess, id2, nil)
	require.NoError(t, err)
}

func TestSyncCancellation(t *testing.T) {
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	ctx := context.Background()
	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "n", []byte("body"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	res, err := dev.sync.SyncNotebook(cancelled, sess, id, nil)
	require.Error(t, err)
	require.False(t, res.Success)
}

func TestSyncProgressCallback(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	id, err := dev.vault.CreateNotebook(ctx, sess, []byte("nb"), "Notes")
	require.NoError(t, err)
	_, err = dev.vault.WriteEntry(ctx, sess, id, "", model.EntryTypeNote, "n", []byte("body"))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[Phase]bool)
	progress := func(p Progress) {
		mu.Lock()
		seen[p.Phase] = true
		mu.Unlock()
	}

	_, err = dev.sync.SyncNotebook(ctx, sess, id, progress)
	require.NoError(t, err)

	for _, phase := range []Phase{PhaseFetchingManifest, PhaseComparing, PhaseUploading, PhaseSavingManifest, PhaseIdle} {
		require.True(t, seen[phase], "missing phase %s", phase)
	}
	require.False(t, seen[PhaseDownloading])
}

func TestSyncRootMergesMaps(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)

	devA := newDevice(t, engine, remote)
	sessA, err := devA.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessA.Close()
	_, err = devA.vault.CreateNotebook(ctx, sessA, []byte("nb"), "From A")
	require.NoError(t, err)
	_, err = devA.sync.SyncRoot(ctx, sessA, nil)
	require.NoError(t, err)

	devB := newDevice(t, engine, remote)
	devB.clock.t = devA.clock.t.Add(time.Hour)
	sessB, err := devB.vault.Open(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sessB.Close()
	_, err = devB.sync.SyncRoot(ctx, sessB, nil)
	require.NoError(t, err)

	_, err = devB.vault.CreateNotebook(ctx, sessB, []byte("nb2"), "From B")
	require.NoError(t, err)
	_, err = devB.sync.SyncRoot(ctx, sessB, nil)
	require.NoError(t, err)

	// A picks up B's notebook on its next root sync.
	res, err := devA.sync.SyncRoot(ctx, sessA, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	entries, err := devA.vault.Notebooks(ctx, sessA)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSyncWithoutNotebookKey(t *testing.T) {
	ctx := context.Background()
	engine, remote := testSetup(t)
	dev := newDevice(t, engine, remote)

	sess, err := dev.vault.CreateAccount(ctx, "acct", []byte("pw"))
	require.NoError(t, err)
	defer sess.Close()

	_, err = dev.sync.SyncNotebook(ctx, sess, "not-loaded", nil)
	require.ErrorIs(t, err, session.ErrNotLoaded)
}
