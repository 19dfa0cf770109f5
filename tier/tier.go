// Package tier provides the byte-store capability both storage tiers
// implement: the local cache (tier 1) and the remote store (tier 2)
// expose the same logical path space, so the sync orchestrator can
// reconcile them symmetrically.
package tier

import (
	"context"
	"errors"

	runestone "github.com/speedyibbi/runestone"
)

// ErrNotFound is returned when a path does not exist on a tier.
// Absence is not an error at the tier level; callers decide whether a
// missing path is fatal (a missing root meta is, a missing cached blob
// just triggers a remote fetch).
var ErrNotFound = errors.New("not found")

// Store is the byte-store capability of a storage tier.
// Implementations must be safe for concurrent use. All values crossing
// a Store are either packed envelopes or unencrypted meta records; a
// Store never sees plaintext content or keys.
type Store interface {
	// Get retrieves the bytes at the given path.
	// Returns ErrNotFound if the path does not exist.
	Get(ctx context.Context, p runestone.Path) ([]byte, error)

	// Put stores bytes at the given path, overwriting any previous value.
	Put(ctx context.Context, p runestone.Path, data []byte) error

	// Delete removes the bytes at the given path.
	// Returns true if something was deleted, false if the path was absent.
	Delete(ctx context.Context, p runestone.Path) (bool, error)

	// List returns all keys with the given prefix, using "/" as the
	// path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ExistsChecker is an optional Store extension for cheap presence
// checks that avoid fetching the value.
type ExistsChecker interface {
	Store

	// Exists reports whether a path is present.
	Exists(ctx context.Context, p runestone.Path) (bool, error)
}

// Exists reports whether a path is present on a tier, using the
// store's ExistsChecker implementation when it has one.
func Exists(ctx context.Context, s Store, p runestone.Path) (bool, error) {
	if ec, ok := s.(ExistsChecker); ok {
		return ec.Exists(ctx, p)
	}
	_, err := s.Get(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
