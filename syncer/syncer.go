// Package syncer reconciles notebook state between the local and
// remote tiers. Manifests are merged last-write-wins, blob transfers
// are planned from the merged manifest against what each tier actually
// holds, and deletions run only after replication so an interrupted
// sync never loses data that exists on a single side.
package syncer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/tier"
)

// ErrSyncInProgress is returned when a sync is requested for a
// notebook (or the root) that is already syncing.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Phase identifies the current step of a sync run.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseFetchingManifest Phase = "fetching_manifest"
	PhaseComparing        Phase = "comparing"
	PhaseDownloading      Phase = "downloading"
	PhaseUploading        Phase = "uploading"
	PhaseDeletingRemote   Phase = "deleting_remote"
	PhaseDeletingLocal    Phase = "deleting_local"
	PhaseSavingManifest   Phase = "saving_manifest"
	PhaseSyncingRoot      Phase = "syncing_root"
)

// Progress reports one unit of completed work within a phase.
type Progress struct {
	Phase   Phase
	Current int
	Total   int
}

// ProgressFunc receives progress updates during a sync run. It may be
// called from multiple goroutines.
type ProgressFunc func(Progress)

// Result summarizes a sync run. Per-item failures land in Errors and
// do not clear Success; only manifest-level failures and cancellation
// do.
type Result struct {
	Success         bool
	Downloaded      int
	Uploaded        int
	DeletedRemotely int
	DeletedLocally  int
	Conflicts       int
	Errors          []string
	Duration        time.Duration
}

// DefaultParallelism bounds concurrent transfers within a phase.
const DefaultParallelism = 4

// Syncer reconciles the two tiers. A given notebook never syncs
// concurrently with itself; distinct notebooks may.
type Syncer struct {
	engine   *crypto.Engine
	local    tier.Store
	remote   tier.Store
	logger   *slog.Logger
	now      func() time.Time
	parallel int

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithParallelism bounds concurrent transfers within a phase.
func WithParallelism(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.parallel = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// New creates a Syncer over the crypto engine and the two tiers.
func New(engine *crypto.Engine, local, remote tier.Store, opts ...Option) *Syncer {
	s := &Syncer{
		engine:   engine,
		local:    local,
		remote:   remote,
		logger:   slog.Default(),
		now:      time.Now,
		parallel: DefaultParallelism,
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tryLock marks a sync key as active. Returns false when a sync for
// the same key is already running.
func (s *Syncer) tryLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[key]; busy {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

func (s *Syncer) unlock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

func report(progress ProgressFunc, phase Phase, current, total int) {
	if progress != nil {
		progress(Progress{Phase: phase, Current: current, Total: total})
	}
}
