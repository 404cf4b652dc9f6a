package persist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bladesense/gateway/internal/fsutil"
)

func TestLocalWriterKeepsEverythingUnderLimit(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	lw, err := NewLocalWriter(fs, "/data/windows", 100)
	require.NoError(t, err)

	require.NoError(t, lw.Write("a/s/w1.json", make([]byte, 40)))
	require.NoError(t, lw.Write("a/s/w2.json", make([]byte, 40)))

	names, err := fs.ReadDirNames("/data/windows")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestLocalWriterEvictsOldestFirst(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	lw, err := NewLocalWriter(fs, "/data/windows", 100)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("a/s/window-%020d.json", i)
		require.NoError(t, lw.Write(name, make([]byte, 40)))
	}

	// 120 bytes would exceed the budget: the oldest file went first.
	names, err := fs.ReadDirNames("/data/windows")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, encodeName("a/s/window-00000000000000000002.json"), names[0])
	assert.Equal(t, encodeName("a/s/window-00000000000000000003.json"), names[1])
}

func TestLocalWriterUnlimitedWhenLimitZero(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	lw, err := NewLocalWriter(fs, "/data/windows", 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, lw.Write(fmt.Sprintf("a/s/w%d.json", i), make([]byte, 1000)))
	}

	names, err := fs.ReadDirNames("/data/windows")
	require.NoError(t, err)
	assert.Len(t, names, 10)
}
