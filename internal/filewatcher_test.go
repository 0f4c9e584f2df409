package internal

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	var calls atomic.Int32
	fw := NewFileWatcher(path, func() { calls.Add(1) }, nil)
	require.NoError(t, fw.Start())
	require.NoError(t, fw.Start(), "second start is a no-op")
	t.Cleanup(func() { fw.Close() })

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))
	time.Sleep(3 * debounce)
	assert.Zero(t, calls.Load())

	// several quick writes collapse into one callback
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())
}
