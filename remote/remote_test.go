package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/tier"
)

const testLookup = "deadbeefdeadbeefdeadbeefdeadbeef"

// fakeRelay implements the relay contract over an in-memory object map:
// signing endpoints under /files/, direct transfer endpoints under
// /signed/ guarded by a per-server token.
type fakeRelay struct {
	mu      sync.Mutex
	objects map[string][]byte
	server  *httptest.Server

	signCalls int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{objects: map[string][]byte{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) baseURL() string { return f.server.URL + "/files" }

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/files/"), r.URL.Path == "/files":
		f.handleRelay(w, r)
	case strings.HasPrefix(r.URL.Path, "/signed/"):
		f.handleTransfer(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRelay) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testLookup {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/files"), "/")

	// Trailing slash means a directory listing.
	if strings.HasSuffix(r.URL.Path, "/") {
		f.list(w, strings.TrimSuffix(key, "/"))
		return
	}

	f.mu.Lock()
	_, exists := f.objects[key]
	f.signCalls++
	f.mu.Unlock()

	if (r.Method == http.MethodGet || r.Method == http.MethodDelete) && !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	signed := SignedURL{
		URL:       f.server.URL + "/signed/" + key + "?token=tok",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(signed)
}

func (f *fakeRelay) list(w http.ResponseWriter, dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fileSet := map[string]bool{}
	dirSet := map[string]bool{}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	for key := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			dirSet[prefix+rest[:i]] = true
		} else {
			fileSet[key] = true
		}
	}

	listing := Listing{}
	for k := range fileSet {
		listing.Files = append(listing.Files, k)
	}
	for k := range dirSet {
		listing.Directories = append(listing.Directories, k)
	}
	sort.Strings(listing.Files)
	sort.Strings(listing.Directories)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listing)
}

func (f *fakeRelay) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "tok" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/signed/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeRelay) {
	t.Helper()
	f := newFakeRelay(t)
	return NewStore(NewRelay(f.baseURL(), testLookup)), f
}

func TestStoreGetPutDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	blob := runestone.BlobPath("nb1", "u1")

	_, err := s.Get(ctx, blob)
	require.ErrorIs(t, err, tier.ErrNotFound)

	require.NoError(t, s.Put(ctx, blob, []byte("envelope bytes")))

	got, err := s.Get(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("envelope bytes"), got)

	deleted, err := s.Delete(ctx, blob)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.Delete(ctx, blob)
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = s.Get(ctx, blob)
	require.ErrorIs(t, err, tier.ErrNotFound)
}

func TestStoreList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, runestone.BlobPath("nb1", "u1"), []byte("a")))
	require.NoError(t, s.Put(ctx, runestone.BlobPath("nb1", "u2"), []byte("b")))
	require.NoError(t, s.Put(ctx, runestone.BlobPath("nb2", "u3"), []byte("c")))

	keys, err := s.List(ctx, runestone.BlobPrefix("nb1"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"nb1/blobs/u1.enc", "nb1/blobs/u2.enc"}, keys)
}

func TestStoreListWalksDirectories(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, runestone.RootMetaPath(), []byte("meta")))
	require.NoError(t, s.Put(ctx, runestone.NotebookMetaPath("nb1"), []byte("m1")))
	require.NoError(t, s.Put(ctx, runestone.BlobPath("nb1", "u1"), []byte("a")))

	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"meta.json", "nb1/meta.json", "nb1/blobs/u1.enc"}, keys)
}

func TestRelayRejectsBadLookup(t *testing.T) {
	f := newFakeRelay(t)
	s := NewStore(NewRelay(f.baseURL(), "wrong-lookup"))

	err := s.Put(context.Background(), runestone.RootMapPath(), []byte("x"))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRelaySignNotFound(t *testing.T) {
	f := newFakeRelay(t)
	relay := NewRelay(f.baseURL(), testLookup)

	_, err := relay.Sign(context.Background(), http.MethodGet, "nb1/manifest.json.enc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRelayListAbsentPrefixIsEmpty(t *testing.T) {
	f := newFakeRelay(t)
	relay := NewRelay(f.baseURL(), testLookup)

	listing, err := relay.ListPrefix(context.Background(), "nb9/blobs")
	require.NoError(t, err)
	require.Empty(t, listing.Files)
	require.Empty(t, listing.Directories)
}

func TestStoreContextCancellation(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, runestone.RootMapPath())
	require.ErrorIs(t, err, context.Canceled)
}

func TestSignIsPerOperation(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, runestone.BlobPath("nb1", "u1"), []byte("a")))
	_, err := s.Get(ctx, runestone.BlobPath("nb1", "u1"))
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 2, f.signCalls)
}
