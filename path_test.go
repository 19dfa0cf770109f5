package runestone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathKeys(t *testing.T) {
	require.Equal(t, "meta.json", RootMetaPath().Key())
	require.Equal(t, "map.json.enc", RootMapPath().Key())
	require.Equal(t, "settings.json.enc", SettingsPath().Key())
	require.Equal(t, "nb1/meta.json", NotebookMetaPath("nb1").Key())
	require.Equal(t, "nb1/manifest.json.enc", ManifestPath("nb1").Key())
	require.Equal(t, "nb1/blobs/abc.enc", BlobPath("nb1", "abc").Key())
}

func TestParsePathRoundTrip(t *testing.T) {
	paths := []Path{
		RootMetaPath(),
		RootMapPath(),
		SettingsPath(),
		NotebookMetaPath("nb1"),
		ManifestPath("nb1"),
		BlobPath("nb1", "e3b0c442"),
	}

	for _, p := range paths {
		got, err := ParsePath(p.Key())
		require.NoError(t, err, "key %s", p.Key())
		require.Equal(t, p, got)
	}
}

func TestParsePathInvalid(t *testing.T) {
	for _, key := range []string{
		"",
		"unknown.json",
		"nb1/other.json",
		"nb1/blobs/noext",
		"nb1/blobs/.enc",
		"a/b/c/d",
	} {
		_, err := ParsePath(key)
		require.Error(t, err, "key %q", key)
	}
}

func TestPathValidate(t *testing.T) {
	require.NoError(t, RootMetaPath().Validate())
	require.NoError(t, BlobPath("nb1", "u1").Validate())

	require.Error(t, Path{Kind: KindBlob, NotebookID: "nb1"}.Validate())
	require.Error(t, Path{Kind: KindManifest}.Validate())
	require.Error(t, Path{Kind: KindRootMap, NotebookID: "nb1"}.Validate())
	require.Error(t, Path{Kind: "bogus"}.Validate())
}

func TestBlobPrefix(t *testing.T) {
	require.Equal(t, "nb1/blobs", BlobPrefix("nb1"))
}
