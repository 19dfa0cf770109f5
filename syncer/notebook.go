package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/telemetry"
	"github.com/speedyibbi/runestone/tier"
)

// ErrNothingToSync is returned when neither tier holds a manifest for
// the notebook.
var ErrNothingToSync = errors.New("syncer: no manifest on either tier")

// SyncNotebook reconciles one notebook between the tiers. The
// notebook's key must already be loaded in the session. Per-blob
// failures are collected in Result.Errors; a failure to read or write
// the manifest itself aborts with Success=false.
func (s *Syncer) SyncNotebook(ctx context.Context, sess *session.Session, notebookID string, progress ProgressFunc) (Result, error) {
	fek, err := sess.FEK(notebookID)
	if err != nil {
		return Result{}, err
	}

	if !s.tryLock(notebookID) {
		return Result{}, ErrSyncInProgress
	}
	defer s.unlock(notebookID)

	start := time.Now()
	res, err := s.syncNotebook(ctx, notebookID, fek, progress)
	res.Duration = time.Since(start)

	telemetry.RecordSyncRun(ctx, notebookID, res.Success, res.Conflicts, res.Duration)
	s.logger.Info("notebook sync finished",
		"notebook", notebookID,
		"success", res.Success,
		"downloaded", res.Downloaded,
		"uploaded", res.Uploaded,
		"deleted_remote", res.DeletedRemotely,
		"deleted_local", res.DeletedLocally,
		"conflicts", res.Conflicts,
		"errors", len(res.Errors),
		"duration", res.Duration)
	return res, err
}

func (s *Syncer) syncNotebook(ctx context.Context, notebookID string, fek []byte, progress ProgressFunc) (Result, error) {
	var res Result

	report(progress, PhaseFetchingManifest, 0, 1)
	localMan, localOK, err := s.loadManifest(ctx, s.local, notebookID, fek)
	if err != nil {
		return res, err
	}
	remoteMan, remoteOK, err := s.loadManifest(ctx, s.remote, notebookID, fek)
	if err != nil {
		return res, err
	}
	if !localOK && !remoteOK {
		return res, ErrNothingToSync
	}
	report(progress, PhaseFetchingManifest, 1, 1)

	report(progress, PhaseComparing, 0, 1)
	merged, conflicts := model.MergeManifests(localMan, remoteMan)
	res.Conflicts = conflicts

	localHave, err := s.listBlobs(ctx, s.local, notebookID)
	if err != nil {
		return res, err
	}
	remoteHave, err := s.listBlobs(ctx, s.remote, notebookID)
	if err != nil {
		return res, err
	}
	p := computePlan(merged, localMan, remoteMan, localHave, remoteHave)
	for _, uuid := range p.missing {
		res.Errors = append(res.Errors, fmt.Sprintf("blob %s: missing on both tiers", uuid))
	}
	report(progress, PhaseComparing, 1, 1)

	collect := &errorCollector{}

	n, err := s.runTransfers(ctx, PhaseDownloading, len(p.download), progress, collect, func(i int) error {
		return s.downloadBlob(ctx, notebookID, p.download[i], fek)
	})
	res.Downloaded = n
	if err != nil {
		res.Errors = append(res.Errors, collect.take()...)
		return res, err
	}

	n, err = s.runTransfers(ctx, PhaseUploading, len(p.upload), progress, collect, func(i int) error {
		return s.uploadBlob(ctx, notebookID, p.upload[i])
	})
	res.Uploaded = n
	if err != nil {
		res.Errors = append(res.Errors, collect.take()...)
		return res, err
	}

	n, err = s.runTransfers(ctx, PhaseDeletingRemote, len(p.deleteRemote), progress, collect, func(i int) error {
		_, derr := s.remote.Delete(ctx, runestone.BlobPath(notebookID, p.deleteRemote[i]))
		return derr
	})
	res.DeletedRemotely = n
	if err != nil {
		res.Errors = append(res.Errors, collect.take()...)
		return res, err
	}

	n, err = s.runTransfers(ctx, PhaseDeletingLocal, len(p.deleteLocal), progress, collect, func(i int) error {
		_, derr := s.local.Delete(ctx, runestone.BlobPath(notebookID, p.deleteLocal[i]))
		return derr
	})
	res.DeletedLocally = n
	res.Errors = append(res.Errors, collect.take()...)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	report(progress, PhaseSavingManifest, 0, 1)
	if err := s.saveManifest(ctx, merged, localMan, localOK, remoteMan, remoteOK, fek); err != nil {
		return res, err
	}
	if err := s.replicateNotebookMeta(ctx, notebookID); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	report(progress, PhaseSavingManifest, 1, 1)

	report(progress, PhaseIdle, 0, 0)
	res.Success = true
	return res, nil
}

// runTransfers executes n units of one phase with bounded concurrency.
// Unit failures are recorded and skipped; only cancellation stops the
// phase. Returns the number of units that succeeded.
func (s *Syncer) runTransfers(ctx context.Context, phase Phase, total int, progress ProgressFunc, collect *errorCollector, unit func(i int) error) (int, error) {
	if total == 0 {
		return 0, nil
	}
	report(progress, phase, 0, total)

	var (
		mu        sync.Mutex
		done      int
		succeeded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)

	for i := 0; i < total; i++ {
		i := i
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			err := unit(i)

			mu.Lock()
			done++
			if err == nil {
				succeeded++
			}
			current := done
			mu.Unlock()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				collect.add(err)
				s.logger.Warn("sync unit failed", "phase", string(phase), "error", err)
			}
			report(progress, phase, current, total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return succeeded, err
	}
	return succeeded, ctx.Err()
}

// downloadBlob copies one envelope from the remote tier to the local
// tier, verifying content against the manifest hash before persisting.
func (s *Syncer) downloadBlob(ctx context.Context, notebookID string, entry model.ManifestEntry, fek []byte) error {
	p := runestone.BlobPath(notebookID, entry.UUID)
	packed, err := s.remote.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("blob %s: fetching: %w", entry.UUID, err)
	}
	plain, err := s.engine.UnpackAndDecrypt(ctx, packed, fek)
	if err != nil {
		return fmt.Errorf("blob %s: decrypting: %w", entry.UUID, err)
	}
	if err := runestone.VerifyContent(plain, entry.Hash); err != nil {
		return fmt.Errorf("blob %s: %w", entry.UUID, err)
	}
	if err := s.local.Put(ctx, p, packed); err != nil {
		return fmt.Errorf("blob %s: storing: %w", entry.UUID, err)
	}
	telemetry.RecordSyncItems(ctx, "download", 1)
	return nil
}

// uploadBlob copies one envelope from the local tier to the remote
// tier as-is; the remote never sees plaintext.
func (s *Syncer) uploadBlob(ctx context.Context, notebookID string, entry model.ManifestEntry) error {
	p := runestone.BlobPath(notebookID, entry.UUID)
	packed, err := s.local.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("blob %s: reading: %w", entry.UUID, err)
	}
	if err := s.remote.Put(ctx, p, packed); err != nil {
		return fmt.Errorf("blob %s: uploading: %w", entry.UUID, err)
	}
	telemetry.RecordSyncItems(ctx, "upload", 1)
	return nil
}

func (s *Syncer) loadManifest(ctx context.Context, store tier.Store, notebookID string, fek []byte) (model.Manifest, bool, error) {
	packed, err := store.Get(ctx, runestone.ManifestPath(notebookID))
	if errors.Is(err, tier.ErrNotFound) {
		return model.Manifest{ManifestVersion: model.ManifestVersion, NotebookID: notebookID}, false, nil
	}
	if err != nil {
		return model.Manifest{}, false, fmt.Errorf("fetching manifest: %w", err)
	}
	plain, err := s.engine.UnpackAndDecrypt(ctx, packed, fek)
	if err != nil {
		return model.Manifest{}, false, fmt.Errorf("decrypting manifest: %w", err)
	}
	m, err := model.UnmarshalManifest(plain)
	if err != nil {
		return model.Manifest{}, false, err
	}
	return m, true, nil
}

// saveManifest persists the merged manifest to each tier whose copy
// differs from the merge result, so a no-op sync writes nothing.
func (s *Syncer) saveManifest(ctx context.Context, merged, localMan model.Manifest, localOK bool, remoteMan model.Manifest, remoteOK bool, fek []byte) error {
	mergedBytes, err := merged.Marshal()
	if err != nil {
		return err
	}

	if !localOK || !manifestBytesEqual(localMan, mergedBytes) {
		if err := s.putEncrypted(ctx, s.local, runestone.ManifestPath(merged.NotebookID), mergedBytes, fek); err != nil {
			return fmt.Errorf("saving local manifest: %w", err)
		}
	}
	if !remoteOK || !manifestBytesEqual(remoteMan, mergedBytes) {
		if err := s.putEncrypted(ctx, s.remote, runestone.ManifestPath(merged.NotebookID), mergedBytes, fek); err != nil {
			return fmt.Errorf("saving remote manifest: %w", err)
		}
	}
	return nil
}

func (s *Syncer) putEncrypted(ctx context.Context, store tier.Store, p runestone.Path, plain, key []byte) error {
	packed, err := s.engine.EncryptAndPack(ctx, plain, key)
	if err != nil {
		return err
	}
	return store.Put(ctx, p, packed)
}

func manifestBytesEqual(m model.Manifest, want []byte) bool {
	got, err := m.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

// replicateNotebookMeta makes sure both tiers hold the notebook's meta
// record. Meta carries only wrapped keys and is stored unencrypted.
func (s *Syncer) replicateNotebookMeta(ctx context.Context, notebookID string) error {
	p := runestone.NotebookMetaPath(notebookID)
	return replicatePlain(ctx, s.local, s.remote, p)
}

// replicatePlain copies a plaintext record to whichever tier is
// missing it. Records like meta files have no timestamps to merge;
// presence on either side is authoritative.
func replicatePlain(ctx context.Context, local, remote tier.Store, p runestone.Path) error {
	localData, localErr := local.Get(ctx, p)
	remoteData, remoteErr := remote.Get(ctx, p)

	switch {
	case localErr == nil && errors.Is(remoteErr, tier.ErrNotFound):
		if err := remote.Put(ctx, p, localData); err != nil {
			return fmt.Errorf("replicating %s to remote: %w", p.Key(), err)
		}
	case remoteErr == nil && errors.Is(localErr, tier.ErrNotFound):
		if err := local.Put(ctx, p, remoteData); err != nil {
			return fmt.Errorf("replicating %s to local: %w", p.Key(), err)
		}
	case localErr != nil && !errors.Is(localErr, tier.ErrNotFound):
		return fmt.Errorf("reading %s: %w", p.Key(), localErr)
	case remoteErr != nil && !errors.Is(remoteErr, tier.ErrNotFound):
		return fmt.Errorf("reading %s: %w", p.Key(), remoteErr)
	}
	return nil
}

// errorCollector aggregates per-item failures across goroutines.
type errorCollector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *errorCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, err.Error())
}

func (c *errorCollector) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.msgs
	c.msgs = nil
	return msgs
}
