package tier

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	runestone "github.com/speedyibbi/runestone"
)

// pathsBucket maps storage keys to their bytes.
var pathsBucket = []byte("paths")

// Bolt is a tier-1 local cache backed by a single bbolt file. It trades
// the filesystem store's one-file-per-blob layout for a single
// transactional database, which suits embedded deployments where many
// small notes would otherwise fragment the cache directory.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bolt-backed store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pathsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get retrieves the bytes at the given path.
func (b *Bolt) Get(ctx context.Context, p runestone.Path) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pathsBucket).Get([]byte(p.Key()))
		if v == nil {
			return ErrNotFound
		}
		// Bolt values are only valid inside the transaction.
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores bytes at the given path.
func (b *Bolt) Put(ctx context.Context, p runestone.Path, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pathsBucket).Put([]byte(p.Key()), data)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", p.Key(), err)
	}
	return nil
}

// Delete removes the bytes at the given path.
func (b *Bolt) Delete(ctx context.Context, p runestone.Path) (bool, error) {
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(pathsBucket)
		key := []byte(p.Key())
		if bkt.Get(key) == nil {
			return nil
		}
		existed = true
		return bkt.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", p.Key(), err)
	}
	return existed, nil
}

// Exists checks whether a path is present without copying its value.
func (b *Bolt) Exists(ctx context.Context, p runestone.Path) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(pathsBucket).Get([]byte(p.Key())) != nil
		return nil
	})
	return found, err
}

// List returns all keys with the given prefix.
func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pathsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// Compile-time interface checks
var (
	_ Store         = (*Bolt)(nil)
	_ ExistsChecker = (*Bolt)(nil)
)
