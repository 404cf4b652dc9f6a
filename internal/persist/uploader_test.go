package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/fsutil"
	"github.com/bladesense/gateway/internal/httputil"
	"github.com/bladesense/gateway/internal/timeutil"
	"github.com/bladesense/gateway/internal/window"
)

type uploaderFixture struct {
	client   *httputil.MockHTTPClient
	fs       *fsutil.MemoryFileSystem
	spool    *Spool
	clock    *timeutil.MockClock
	uploader *Uploader

	mu       sync.Mutex
	uploaded []string
	spooled  []string
}

func newUploaderFixture(t *testing.T) *uploaderFixture {
	t.Helper()

	f := &uploaderFixture{
		client: httputil.NewMockHTTPClient(),
		fs:     fsutil.NewMemoryFileSystem(),
		clock:  timeutil.NewMockClock(time.Unix(3000, 0)),
	}

	var err error
	f.spool, err = NewSpool(f.fs, "/data/.backup")
	require.NoError(t, err)

	store := NewHTTPStore(f.client, "https://store.example.com", "")
	f.uploader = NewUploader(store, f.spool, nil, testSession(), config.Default(), f.clock)
	f.uploader.OnUploaded = func(name string) {
		f.mu.Lock()
		f.uploaded = append(f.uploaded, name)
		f.mu.Unlock()
	}
	f.uploader.OnSpooled = func(name string) {
		f.mu.Lock()
		f.spooled = append(f.spooled, name)
		f.mu.Unlock()
	}
	return f
}

func (f *uploaderFixture) uploadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.uploaded))
	copy(out, f.uploaded)
	return out
}

func (f *uploaderFixture) spooledNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spooled))
	copy(out, f.spooled)
	return out
}

func windowAt(startSec int64) *window.Window {
	return &window.Window{
		Index: startSec / 600,
		Start: time.Unix(startSec, 0),
		End:   time.Unix(startSec+600, 0),
		Series: []*window.Series{
			{Sensor: "Baros_P", Channel: 0, Times: []int64{startSec * 1e9}, Values: []float64{1}},
		},
	}
}

func TestUploaderUploadsDirectly(t *testing.T) {
	f := newUploaderFixture(t)

	ch := make(chan *window.Window, 1)
	done := make(chan error, 1)
	go func() { done <- f.uploader.Run(context.Background(), ch) }()

	ch <- windowAt(0)
	close(ch)
	require.NoError(t, <-done)

	assert.Len(t, f.uploadedNames(), 1)
	assert.Empty(t, f.spooledNames())

	names, err := f.spool.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUploaderSpoolsFailuresAndRetriesOldestFirst(t *testing.T) {
	f := newUploaderFixture(t)

	// Each window triggers one direct attempt plus one immediate retry of
	// the oldest spooled window: six failures keep all three on disk.
	for i := 0; i < 6; i++ {
		f.client.AddErrorResponse(errors.New("store unreachable"))
	}

	ch := make(chan *window.Window)
	done := make(chan error, 1)
	go func() { done <- f.uploader.Run(context.Background(), ch) }()

	// Deliberately out of order: newest, oldest, middle.
	ch <- windowAt(1200)
	ch <- windowAt(0)
	ch <- windowAt(600)

	require.Eventually(t, func() bool { return len(f.spooledNames()) == 3 }, time.Second, time.Millisecond)
	assert.Empty(t, f.uploadedNames())

	// The store recovers; the next backoff tick drains the whole spool.
	require.Eventually(t, func() bool {
		f.clock.Advance(8 * time.Second)
		return len(f.uploadedNames()) == 3
	}, time.Second, time.Millisecond)

	uploaded := f.uploadedNames()
	assert.True(t, sort.StringsAreSorted(uploaded), "retries must go oldest first: %v", uploaded)

	names, err := f.spool.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "confirmed uploads must leave the spool")

	close(ch)
	require.NoError(t, <-done)
}

func TestUploaderDrainsLeftoverSpoolAtStartup(t *testing.T) {
	f := newUploaderFixture(t)

	// A previous run left two windows behind.
	require.NoError(t, f.spool.Store("a/s/window-00000000000000000001-2.json", []byte("one")))
	require.NoError(t, f.spool.Store("a/s/window-00000000000000000002-3.json", []byte("two")))

	ch := make(chan *window.Window)
	done := make(chan error, 1)
	go func() { done <- f.uploader.Run(context.Background(), ch) }()

	require.Eventually(t, func() bool { return len(f.uploadedNames()) == 2 }, time.Second, time.Millisecond)

	close(ch)
	require.NoError(t, <-done)

	names, err := f.spool.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUploaderBackupFailureIsFatal(t *testing.T) {
	f := newUploaderFixture(t)
	f.client.AddErrorResponse(errors.New("store unreachable"))
	f.fs.WriteErr = errors.New("disk full")

	ch := make(chan *window.Window, 1)
	done := make(chan error, 1)
	go func() { done <- f.uploader.Run(context.Background(), ch) }()

	ch <- windowAt(0)

	err := <-done
	var bse *BackupStorageError
	require.ErrorAs(t, err, &bse)
}

func TestUploaderSpoolWindowBypassesStore(t *testing.T) {
	f := newUploaderFixture(t)

	require.NoError(t, f.uploader.SpoolWindow(windowAt(0)))

	assert.Equal(t, 0, f.client.RequestCount())
	names, err := f.spool.Names()
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, []string{names[0]}, f.spooledNames())
}

func TestUploaderReuploadIsIdempotent(t *testing.T) {
	f := newUploaderFixture(t)

	ch := make(chan *window.Window, 2)
	done := make(chan error, 1)
	go func() { done <- f.uploader.Run(context.Background(), ch) }()

	// The same window delivered twice, as at-least-once allows: both PUTs
	// target the same object name with identical bytes.
	w := windowAt(0)
	ch <- w
	ch <- w
	close(ch)
	require.NoError(t, <-done)

	require.Equal(t, 2, f.client.RequestCount())
	assert.Equal(t, f.client.RequestURLs()[0], f.client.RequestURLs()[1])
	assert.Equal(t, f.client.Bodies[0], f.client.Bodies[1])
}
