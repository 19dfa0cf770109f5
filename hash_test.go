package runestone

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	h := HashBytes([]byte("hello"))

	require.True(t, strings.HasPrefix(h.String(), "sha256-"))
	require.Len(t, h.Hex(), HashSize*2)

	want := sha256.Sum256([]byte("hello"))
	require.Equal(t, Hash(want), h)
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("content"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseHashRejectsMissingPrefix(t *testing.T) {
	h := HashBytes([]byte("content"))

	_, err := ParseHash(h.Hex())
	require.Error(t, err)
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	_, err := ParseHash("sha256-abcd")
	require.Error(t, err)
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := HashBytes([]byte("json"))

	data, err := json.Marshal(h)
	require.NoError(t, err)
	require.JSONEq(t, `"`+h.String()+`"`, string(data))

	var got Hash
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, h, got)
}

func TestHashReader(t *testing.T) {
	data := []byte("some content to hash")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}

func TestHashingReader(t *testing.T) {
	data := []byte("streamed content")
	hr := NewHashingReader(bytes.NewReader(data))

	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, HashBytes(data), hr.Sum())
	require.Equal(t, int64(len(data)), hr.BytesRead())
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("x")).IsZero())
}
