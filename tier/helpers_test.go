package tier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeCrashLeftover drops a stale temp file into dir, as an
// interrupted atomic write would.
func writeCrashLeftover(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-12345"), []byte("partial"), 0o644))
}
