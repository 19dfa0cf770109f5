package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/tier"
)

// Store is the tier-2 byte store. Every operation negotiates a signed
// URL through the relay and performs the transfer directly against it;
// only envelopes and unencrypted meta records ever cross it.
type Store struct {
	relay  *Relay
	client *http.Client
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTransferClient sets the HTTP client used for signed-URL transfers.
func WithTransferClient(client *http.Client) StoreOption {
	return func(s *Store) {
		s.client = client
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a remote store over the given relay client.
func NewStore(relay *Relay, opts ...StoreOption) *Store {
	s := &Store{
		relay:  relay,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves the bytes at the given path.
func (s *Store) Get(ctx context.Context, p runestone.Path) ([]byte, error) {
	signed, err := s.relay.Sign(ctx, http.MethodGet, p.Key())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, tier.ErrNotFound
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", p.Key(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// The object vanished between signing and transfer.
		return nil, tier.ErrNotFound
	default:
		return nil, fmt.Errorf("download of %s returned %d: %s",
			p.Key(), resp.StatusCode, readErrorBody(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.Key(), err)
	}

	s.logger.Debug("downloaded object",
		"key", p.Key(),
		"bytes", len(data),
		"duration", time.Since(start),
	)
	return data, nil
}

// Put stores bytes at the given path.
func (s *Store) Put(ctx context.Context, p runestone.Path, data []byte) error {
	signed, err := s.relay.Sign(ctx, http.MethodPut, p.Key())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", p.Key(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload of %s returned %d: %s",
			p.Key(), resp.StatusCode, readErrorBody(resp.Body))
	}

	s.logger.Debug("uploaded object",
		"key", p.Key(),
		"bytes", len(data),
		"duration", time.Since(start),
	)
	return nil
}

// Delete removes the bytes at the given path.
func (s *Store) Delete(ctx context.Context, p runestone.Path) (bool, error) {
	signed, err := s.relay.Sign(ctx, http.MethodDelete, p.Key())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, signed.URL, nil)
	if err != nil {
		return false, fmt.Errorf("building delete request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", p.Key(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("delete of %s returned %d: %s",
			p.Key(), resp.StatusCode, readErrorBody(resp.Body))
	}
}

// List returns all keys with the given prefix, walking the relay's
// directory listings.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pending := []string{prefix}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]

		listing, err := s.relay.ListPrefix(ctx, dir)
		if err != nil {
			return nil, err
		}
		keys = append(keys, listing.Files...)
		pending = append(pending, listing.Directories...)
	}
	return keys, nil
}

// Compile-time interface check
var _ tier.Store = (*Store)(nil)
