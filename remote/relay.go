// Package remote implements tier-2 storage. Operations are two-phase:
// a short-lived signed URL is obtained from the file relay, then the
// byte transfer runs directly against that URL. The relay authenticates
// callers by a derived lookup value and never sees plaintext or keys.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default timeout for relay and transfer requests.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is read for context.
	maxErrorBody = 4 * 1024
)

var (
	// ErrNotFound is returned when the relay reports the path absent.
	ErrNotFound = errors.New("remote: not found")

	// ErrUnauthorized is returned when the relay rejects the lookup value.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// SignedURL is a time-limited capability for one operation against the
// remote object store.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Listing is a directory listing returned by the relay.
type Listing struct {
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
}

// Relay is a client for the file-relay API. The relay exposes a single
// endpoint: GET/POST/DELETE on a storage key returns a signed URL for
// the corresponding download/upload/delete, and GET on a trailing-slash
// prefix lists directory entries.
type Relay struct {
	baseURL string
	lookup  string
	client  *http.Client
	logger  *slog.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) RelayOption {
	return func(r *Relay) {
		r.client = client
	}
}

// WithLogger sets the logger for the relay client.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// NewRelay creates a relay client. The lookup value authenticates every
// request; it is a keyed hash derived from the master key, never the
// key itself.
func NewRelay(baseURL, lookup string, opts ...RelayOption) *Relay {
	r := &Relay{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		lookup:  lookup,
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sign requests a signed URL authorizing one operation (http.MethodGet,
// http.MethodPut, or http.MethodDelete) on the given storage key.
func (r *Relay) Sign(ctx context.Context, method, key string) (SignedURL, error) {
	// The relay verb mirrors the transfer verb, except uploads are
	// requested with POST.
	relayMethod := method
	if method == http.MethodPut {
		relayMethod = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, relayMethod, r.keyURL(key), nil)
	if err != nil {
		return SignedURL{}, fmt.Errorf("building relay request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.lookup)

	resp, err := r.client.Do(req)
	if err != nil {
		return SignedURL{}, fmt.Errorf("requesting signed url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return SignedURL{}, ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return SignedURL{}, ErrUnauthorized
	default:
		return SignedURL{}, fmt.Errorf("relay returned %d for %s %s: %s",
			resp.StatusCode, relayMethod, key, readErrorBody(resp.Body))
	}

	var signed SignedURL
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return SignedURL{}, fmt.Errorf("parsing signed url: %w", err)
	}
	if signed.URL == "" {
		return SignedURL{}, fmt.Errorf("relay returned empty signed url for %s", key)
	}
	return signed, nil
}

// ListPrefix lists the directory entries under a key prefix. The
// trailing slash tells the relay to list rather than sign.
func (r *Relay) ListPrefix(ctx context.Context, prefix string) (Listing, error) {
	listURL := r.keyURL(strings.TrimSuffix(prefix, "/")) + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return Listing{}, fmt.Errorf("building list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.lookup)

	resp, err := r.client.Do(req)
	if err != nil {
		return Listing{}, fmt.Errorf("listing prefix: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// An absent directory is an empty listing.
		return Listing{}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Listing{}, ErrUnauthorized
	default:
		return Listing{}, fmt.Errorf("relay returned %d listing %s: %s",
			resp.StatusCode, prefix, readErrorBody(resp.Body))
	}

	var listing Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return Listing{}, fmt.Errorf("parsing listing: %w", err)
	}
	return listing, nil
}

func (r *Relay) keyURL(key string) string {
	if key == "" {
		return r.baseURL
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return r.baseURL + "/" + strings.Join(parts, "/")
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(body))
}
