package persist

import (
	"context"
	"errors"
	"time"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/monitoring"
	"github.com/bladesense/gateway/internal/timeutil"
	"github.com/bladesense/gateway/internal/window"
)

// Backoff bounds for the spool drain. The interval doubles on failure and
// snaps back to the floor after a fully successful drain; retrying never
// stops while the process lives.
const (
	initialRetryBackoff = 1 * time.Second
	maxRetryBackoff     = 5 * time.Minute
)

// Uploader drains the window channel into the object store. A window
// that cannot be uploaded is written to the backup spool and retried on
// a capped exponential backoff; only a backup write failure is fatal.
type Uploader struct {
	store   ObjectStore
	spool   *Spool
	local   *LocalWriter
	session Session
	cfg     config.Configuration
	clock   timeutil.Clock

	// OnUploaded and OnSpooled, if set, are invoked after a confirmed
	// upload or backup. The session journal hangs off these.
	OnUploaded func(name string)
	OnSpooled  func(name string)

	backoff time.Duration
}

// NewUploader creates an Uploader. local may be nil when no rolling
// on-disk copy is wanted.
func NewUploader(store ObjectStore, spool *Spool, local *LocalWriter, session Session, cfg config.Configuration, clock timeutil.Clock) *Uploader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Uploader{
		store:   store,
		spool:   spool,
		local:   local,
		session: session,
		cfg:     cfg,
		clock:   clock,
		backoff: initialRetryBackoff,
	}
}

// SpoolWindow writes a window straight to the backup spool, bypassing the
// upload attempt. The pipeline uses it when the upload channel is full so
// the decode flow never waits on cloud I/O.
func (u *Uploader) SpoolWindow(w *window.Window) error {
	name, data, err := EncodeWindow(u.session, u.cfg, w)
	if err != nil {
		return err
	}
	return u.spoolEncoded(name, data)
}

// Run consumes windows until the channel closes or the context is
// cancelled. Spooled windows left over at exit stay on disk for the next
// run. The only error Run returns is a fatal *BackupStorageError.
func (u *Uploader) Run(ctx context.Context, in <-chan *window.Window) error {
	ticker := u.clock.NewTicker(u.backoff)
	defer ticker.Stop()

	// Anything spooled by a previous run goes out first.
	if err := u.drainSpool(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return u.spoolRemaining(in)

		case w, ok := <-in:
			if !ok {
				return nil
			}
			if err := u.handle(ctx, w); err != nil {
				return err
			}
			if err := u.drainSpool(ctx); err != nil {
				return err
			}
			ticker.Reset(u.backoff)

		case <-ticker.C():
			if err := u.drainSpool(ctx); err != nil {
				return err
			}
			ticker.Reset(u.backoff)
		}
	}
}

// handle uploads one window, falling back to the spool on failure.
func (u *Uploader) handle(ctx context.Context, w *window.Window) error {
	name, data, err := EncodeWindow(u.session, u.cfg, w)
	if err != nil {
		return err
	}

	if u.local != nil {
		if err := u.local.Write(name, data); err != nil {
			monitoring.Logf("uploader: local copy of %s failed: %v", name, err)
		}
	}

	if err := u.store.Put(ctx, name, data); err != nil {
		monitoring.Counter("upload_failures").Add(1)
		monitoring.Logf("uploader: %v, backing up locally", err)
		return u.spoolEncoded(name, data)
	}

	monitoring.Counter("windows_uploaded").Add(1)
	if u.OnUploaded != nil {
		u.OnUploaded(name)
	}
	return nil
}

func (u *Uploader) spoolEncoded(name string, data []byte) error {
	if err := u.spool.Store(name, data); err != nil {
		return err
	}
	monitoring.Counter("windows_spooled").Add(1)
	if u.OnSpooled != nil {
		u.OnSpooled(name)
	}
	return nil
}

// drainSpool retries every spooled window oldest first, stopping at the
// first failure. Success resets the backoff; failure doubles it up to the
// cap.
func (u *Uploader) drainSpool(ctx context.Context) error {
	names, err := u.spool.Names()
	if err != nil {
		monitoring.Logf("uploader: %v", err)
		return nil
	}
	if len(names) == 0 {
		return nil
	}

	for _, name := range names {
		data, err := u.spool.Read(name)
		if err != nil {
			monitoring.Logf("uploader: failed to read spooled window %s: %v", name, err)
			continue
		}
		if err := u.store.Put(ctx, name, data); err != nil {
			u.backoff = min(u.backoff*2, maxRetryBackoff)
			monitoring.Logf("uploader: retry of %s failed (%v), next attempt in %v", name, err, u.backoff)
			return nil
		}
		if err := u.spool.Delete(name); err != nil {
			monitoring.Logf("uploader: failed to remove spooled window %s: %v", name, err)
		}
		monitoring.Counter("windows_uploaded").Add(1)
		monitoring.Logf("uploader: retried spooled window %s", name)
		if u.OnUploaded != nil {
			u.OnUploaded(name)
		}
	}

	u.backoff = initialRetryBackoff
	return nil
}

// spoolRemaining drains the channel to the spool on cancellation so no
// emitted window is lost.
func (u *Uploader) spoolRemaining(in <-chan *window.Window) error {
	for {
		select {
		case w, ok := <-in:
			if !ok {
				return nil
			}
			if err := u.SpoolWindow(w); err != nil {
				var bse *BackupStorageError
				if errors.As(err, &bse) {
					return err
				}
				monitoring.Logf("uploader: %v", err)
			}
		default:
			return nil
		}
	}
}
