package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/telemetry"
	"github.com/speedyibbi/runestone/tier"
)

// rootLockKey serializes root syncs; it can never collide with a
// notebook id, which is always a UUID.
const rootLockKey = "root"

// SyncRoot reconciles the account-level records: root meta, the
// notebook map, and settings. Map and settings merge last-write-wins;
// root meta is replicated to whichever tier is missing it.
func (s *Syncer) SyncRoot(ctx context.Context, sess *session.Session, progress ProgressFunc) (Result, error) {
	mek, err := sess.MEK()
	if err != nil {
		return Result{}, err
	}

	if !s.tryLock(rootLockKey) {
		return Result{}, ErrSyncInProgress
	}
	defer s.unlock(rootLockKey)

	start := time.Now()
	res, err := s.syncRoot(ctx, mek, progress)
	res.Duration = time.Since(start)

	telemetry.RecordSyncRun(ctx, "root", res.Success, res.Conflicts, res.Duration)
	s.logger.Info("root sync finished",
		"success", res.Success,
		"conflicts", res.Conflicts,
		"errors", len(res.Errors),
		"duration", res.Duration)
	return res, err
}

func (s *Syncer) syncRoot(ctx context.Context, mek []byte, progress ProgressFunc) (Result, error) {
	var res Result

	report(progress, PhaseSyncingRoot, 0, 3)
	if err := replicatePlain(ctx, s.local, s.remote, runestone.RootMetaPath()); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	report(progress, PhaseSyncingRoot, 1, 3)

	conflicts, err := s.syncMap(ctx, mek)
	if err != nil {
		return res, err
	}
	res.Conflicts += conflicts
	if err := ctx.Err(); err != nil {
		return res, err
	}
	report(progress, PhaseSyncingRoot, 2, 3)

	conflicts, err = s.syncSettings(ctx, mek)
	if err != nil {
		return res, err
	}
	res.Conflicts += conflicts
	report(progress, PhaseSyncingRoot, 3, 3)

	report(progress, PhaseIdle, 0, 0)
	res.Success = true
	return res, nil
}

func (s *Syncer) syncMap(ctx context.Context, mek []byte) (int, error) {
	p := runestone.RootMapPath()

	localMap, localOK, err := s.loadMap(ctx, s.local, mek)
	if err != nil {
		return 0, err
	}
	remoteMap, remoteOK, err := s.loadMap(ctx, s.remote, mek)
	if err != nil {
		return 0, err
	}
	if !localOK && !remoteOK {
		return 0, ErrNothingToSync
	}

	merged, conflicts := model.MergeMaps(localMap, remoteMap)
	mergedBytes, err := merged.Marshal()
	if err != nil {
		return 0, err
	}

	if !localOK || !mapBytesEqual(localMap, mergedBytes) {
		if err := s.putEncrypted(ctx, s.local, p, mergedBytes, mek); err != nil {
			return 0, fmt.Errorf("saving local map: %w", err)
		}
	}
	if !remoteOK || !mapBytesEqual(remoteMap, mergedBytes) {
		if err := s.putEncrypted(ctx, s.remote, p, mergedBytes, mek); err != nil {
			return 0, fmt.Errorf("saving remote map: %w", err)
		}
	}
	return conflicts, nil
}

func (s *Syncer) syncSettings(ctx context.Context, mek []byte) (int, error) {
	p := runestone.SettingsPath()

	localSet, localOK, err := s.loadSettings(ctx, s.local, mek)
	if err != nil {
		return 0, err
	}
	remoteSet, remoteOK, err := s.loadSettings(ctx, s.remote, mek)
	if err != nil {
		return 0, err
	}
	// Settings are optional; nothing to reconcile when neither tier
	// has them.
	if !localOK && !remoteOK {
		return 0, nil
	}

	var merged model.Settings
	var conflicts int
	switch {
	case localOK && remoteOK:
		merged, conflicts = model.MergeSettings(localSet, remoteSet)
	case localOK:
		merged = localSet
	default:
		merged = remoteSet
	}

	mergedBytes, err := merged.Marshal()
	if err != nil {
		return 0, err
	}
	if !localOK || !settingsBytesEqual(localSet, mergedBytes) {
		if err := s.putEncrypted(ctx, s.local, p, mergedBytes, mek); err != nil {
			return 0, fmt.Errorf("saving local settings: %w", err)
		}
	}
	if !remoteOK || !settingsBytesEqual(remoteSet, mergedBytes) {
		if err := s.putEncrypted(ctx, s.remote, p, mergedBytes, mek); err != nil {
			return 0, fmt.Errorf("saving remote settings: %w", err)
		}
	}
	return conflicts, nil
}

func (s *Syncer) loadMap(ctx context.Context, store tier.Store, mek []byte) (model.Map, bool, error) {
	packed, err := store.Get(ctx, runestone.RootMapPath())
	if errors.Is(err, tier.ErrNotFound) {
		return model.Map{Version: model.MapVersion}, false, nil
	}
	if err != nil {
		return model.Map{}, false, fmt.Errorf("fetching map: %w", err)
	}
	plain, err := s.engine.UnpackAndDecrypt(ctx, packed, mek)
	if err != nil {
		return model.Map{}, false, fmt.Errorf("decrypting map: %w", err)
	}
	m, err := model.UnmarshalMap(plain)
	if err != nil {
		return model.Map{}, false, err
	}
	return m, true, nil
}

func (s *Syncer) loadSettings(ctx context.Context, store tier.Store, mek []byte) (model.Settings, bool, error) {
	packed, err := store.Get(ctx, runestone.SettingsPath())
	if errors.Is(err, tier.ErrNotFound) {
		return model.Settings{}, false, nil
	}
	if err != nil {
		return model.Settings{}, false, fmt.Errorf("fetching settings: %w", err)
	}
	plain, err := s.engine.UnpackAndDecrypt(ctx, packed, mek)
	if err != nil {
		return model.Settings{}, false, fmt.Errorf("decrypting settings: %w", err)
	}
	set, err := model.UnmarshalSettings(plain)
	if err != nil {
		return model.Settings{}, false, err
	}
	return set, true, nil
}

func mapBytesEqual(m model.Map, want []byte) bool {
	got, err := m.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

func settingsBytesEqual(s model.Settings, want []byte) bool {
	got, err := s.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}
