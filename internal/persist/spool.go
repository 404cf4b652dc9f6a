package persist

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bladesense/gateway/internal/fsutil"
)

// BackupStorageError reports a failure to write a window to local
// backup. It is fatal: once neither the store nor local disk can take a
// window, continuing would silently drop data.
type BackupStorageError struct {
	Name string
	Err  error
}

func (e *BackupStorageError) Error() string {
	return fmt.Sprintf("backup of %q failed: %v", e.Name, e.Err)
}

func (e *BackupStorageError) Unwrap() error { return e.Err }

// nameSeparator flattens object names into single-level file names.
// Installation and session references never contain it.
const nameSeparator = "__"

// tmpSuffix marks an entry still being written. A crash can leave one
// behind; listings skip it so the drain never sees a partial document.
const tmpSuffix = ".tmp"

// Spool is the local backup directory for windows that could not be
// uploaded. Files survive process restarts; on the next run the drain
// finds and re-uploads them oldest first. All access is serialized
// behind one mutex: the emit path stores new entries while the retry
// loop lists, reads and deletes, and neither may observe the other
// mid-operation.
type Spool struct {
	mu  sync.Mutex
	fs  fsutil.FileSystem
	dir string
}

// NewSpool creates (if needed) and opens a spool directory.
func NewSpool(fs fsutil.FileSystem, dir string) (*Spool, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %q: %w", dir, err)
	}
	return &Spool{fs: fs, dir: dir}, nil
}

// Store writes one document under its object name. The write goes to a
// temporary file first and is renamed into place, so a reader can never
// see a truncated entry. A failure here is a *BackupStorageError and
// must stop the gateway.
func (s *Spool) Store(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := filepath.Join(s.dir, encodeName(name))
	tmp := final + tmpSuffix
	if err := s.fs.WriteFile(tmp, data, 0o644); err != nil {
		return &BackupStorageError{Name: name, Err: err}
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return &BackupStorageError{Name: name, Err: err}
	}
	return nil
}

// Names returns every spooled object name, oldest window first. File
// names lead with the window's zero-padded start timestamp, so the
// directory's lexical order is temporal even across sessions.
func (s *Spool) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.fs.ReadDirNames(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f, tmpSuffix) {
			continue
		}
		names = append(names, decodeName(f))
	}
	return names, nil
}

// Read returns the document spooled under an object name.
func (s *Spool) Read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.ReadFile(filepath.Join(s.dir, encodeName(name)))
}

// Delete removes a spooled document after its upload is confirmed.
func (s *Spool) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.Remove(filepath.Join(s.dir, encodeName(name)))
}

// encodeName flattens an object name to a file name led by its final
// segment. Window base names start with the zero-padded window start
// timestamp, which keeps lexical order temporal regardless of the
// installation or session the entry belongs to.
func encodeName(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return name
	}
	return name[i+1:] + nameSeparator + strings.ReplaceAll(name[:i], "/", nameSeparator)
}

func decodeName(file string) string {
	parts := strings.Split(file, nameSeparator)
	if len(parts) < 2 {
		return file
	}
	return strings.Join(parts[1:], "/") + "/" + parts[0]
}
