package persist

import (
	"fmt"
	"path/filepath"

	"github.com/bladesense/gateway/internal/fsutil"
	"github.com/bladesense/gateway/internal/monitoring"
)

// LocalWriter keeps a rolling on-disk copy of every emitted window,
// independent of the upload flow, capped at a total byte budget. When a
// new window would exceed the budget the oldest files are deleted first.
type LocalWriter struct {
	fs    fsutil.FileSystem
	dir   string
	limit int64
}

// NewLocalWriter creates (if needed) and opens the local output
// directory. limit <= 0 disables the cap.
func NewLocalWriter(fs fsutil.FileSystem, dir string, limit int64) (*LocalWriter, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local output directory %q: %w", dir, err)
	}
	return &LocalWriter{fs: fs, dir: dir, limit: limit}, nil
}

// Write stores one window document, evicting oldest files as needed to
// stay under the byte budget. Eviction failures are logged, not fatal:
// the local copy is a convenience, the upload flow owns durability.
func (w *LocalWriter) Write(name string, data []byte) error {
	if w.limit > 0 {
		if err := w.evictFor(int64(len(data))); err != nil {
			monitoring.Logf("local writer: eviction failed: %v", err)
		}
	}
	return w.fs.WriteFile(filepath.Join(w.dir, encodeName(name)), data, 0o644)
}

func (w *LocalWriter) evictFor(incoming int64) error {
	files, err := w.fs.ReadDirNames(w.dir)
	if err != nil {
		return err
	}

	var total int64
	sizes := make([]int64, len(files))
	for i, f := range files {
		info, err := w.fs.Stat(filepath.Join(w.dir, f))
		if err != nil {
			continue
		}
		sizes[i] = info.Size()
		total += info.Size()
	}

	for i := 0; i < len(files) && total+incoming > w.limit; i++ {
		if err := w.fs.Remove(filepath.Join(w.dir, files[i])); err != nil {
			return err
		}
		total -= sizes[i]
		monitoring.Counter("local_writer_evictions").Add(1)
		monitoring.Logf("local writer: storage limit reached, deleted oldest file %s", files[i])
	}
	return nil
}
