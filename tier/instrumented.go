package tier

import (
	"context"
	"errors"
	"time"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates an instrumented store wrapper. The name tags
// every metric, conventionally "local" or "remote".
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (i *Instrumented) Get(ctx context.Context, p runestone.Path) ([]byte, error) {
	start := time.Now()
	data, err := i.store.Get(ctx, p)
	telemetry.RecordTierOp(ctx, i.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (i *Instrumented) Put(ctx context.Context, p runestone.Path, data []byte) error {
	start := time.Now()
	err := i.store.Put(ctx, p, data)
	telemetry.RecordTierOp(ctx, i.name, "put", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (i *Instrumented) Delete(ctx context.Context, p runestone.Path) (bool, error) {
	start := time.Now()
	deleted, err := i.store.Delete(ctx, p)
	telemetry.RecordTierOp(ctx, i.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return deleted, err
}

func (i *Instrumented) Exists(ctx context.Context, p runestone.Path) (bool, error) {
	start := time.Now()
	exists, err := Exists(ctx, i.store, p)
	telemetry.RecordTierOp(ctx, i.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (i *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := i.store.List(ctx, prefix)
	telemetry.RecordTierOp(ctx, i.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Unwrap returns the underlying store.
func (i *Instrumented) Unwrap() Store {
	return i.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Store         = (*Instrumented)(nil)
	_ ExistsChecker = (*Instrumented)(nil)
)
