// Package gateway wires the pipeline: serial byte stream to framed
// packets, packets to decoded sample blocks, blocks to windows, windows
// to the object store with local backup. The read flow never waits on
// cloud I/O; windows that cannot be handed to the uploader immediately
// go straight to the backup spool.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/decode"
	"github.com/bladesense/gateway/internal/monitoring"
	"github.com/bladesense/gateway/internal/packet"
	"github.com/bladesense/gateway/internal/persist"
	"github.com/bladesense/gateway/internal/sessionlog"
	"github.com/bladesense/gateway/internal/timeutil"
	"github.com/bladesense/gateway/internal/window"
)

// windowChannelCapacity bounds the hand-off between the pipeline and the
// uploader. Overflow spools to disk instead of blocking the read flow.
const windowChannelCapacity = 4

// Runner drives one gateway session over an open byte stream.
type Runner struct {
	cfg      config.Configuration
	session  persist.Session
	stream   io.Reader
	uploader *persist.Uploader
	journal  *sessionlog.Journal
	clock    timeutil.Clock
}

// NewRunner assembles a runner. journal may be nil; the pipeline runs
// without a local journal. The caller owns the stream and must close it
// to unblock a read in flight when shutting down.
func NewRunner(cfg config.Configuration, session persist.Session, stream io.Reader, uploader *persist.Uploader, journal *sessionlog.Journal, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		cfg:      cfg,
		session:  session,
		stream:   stream,
		uploader: uploader,
		journal:  journal,
		clock:    clock,
	}
}

// Run processes the stream until it ends, the context is cancelled or a
// fatal error occurs. On return every decoded sample has either been
// uploaded or spooled to local backup.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalMu sync.Mutex
	var fatal error
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatal == nil && err != nil {
			fatal = err
			cancel()
		}
		fatalMu.Unlock()
	}

	r.uploader.OnUploaded = func(name string) {
		r.record(name, sessionlog.StatusUploaded)
	}
	r.uploader.OnSpooled = func(name string) {
		r.record(name, sessionlog.StatusSpooled)
	}

	windowCh := make(chan *window.Window, windowChannelCapacity)
	windower := window.New(r.cfg, r.clock, func(w *window.Window) {
		select {
		case windowCh <- w:
		default:
			// Uploader is behind; spool directly so the read flow keeps
			// draining the serial buffer.
			if err := r.uploader.SpoolWindow(w); err != nil {
				setFatal(err)
			}
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.uploader.Run(ctx, windowCh); err != nil {
			setFatal(err)
		}
	}()

	windower.Start()

	reader := packet.NewReader(r.stream, r.cfg, r.clock)
	decoder := decode.NewDecoder(r.cfg)
	reader.OnHandleDefinition = func(def packet.HandleDefinition) {
		decoder.ResetClocks()
		r.event("handle_definition", fmt.Sprintf("handles rebased to 0x%02X..0x%02X", def.StartHandle, def.EndHandle))
	}
	decoder.OnDriftCorrection = func(dc decode.DriftCorrection) {
		r.event("drift_correction", fmt.Sprintf("%s clock re-based by %v", dc.Sensor, dc.Delta))
	}

	streamErr := r.pump(ctx, reader, decoder, windower)

	// Shutdown order matters: flush the accumulating windows into the
	// channel (or the spool, on overflow), then let the uploader drain.
	windower.Flush()
	windower.Stop()
	close(windowCh)
	wg.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatal != nil {
		return fatal
	}
	return streamErr
}

// pump is the read flow: frame, decode, window, repeat.
func (r *Runner) pump(ctx context.Context, reader *packet.Reader, decoder *decode.Decoder, windower *window.Windower) error {
	var framingErr *packet.FramingError
	var decodeErr *decode.DecodeError

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p, err := reader.Next()
		switch {
		case err == nil:
		case errors.As(err, &framingErr):
			monitoring.Logf("gateway: %v", err)
			r.event("framing_error", err.Error())
			continue
		case errors.Is(err, io.EOF):
			monitoring.Logf("gateway: stream ended")
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			if ctx.Err() != nil {
				// Shutdown closed the port under the reader.
				return nil
			}
			// Connection lost. Everything decoded so far still flushes.
			monitoring.Logf("gateway: %v", err)
			r.event("connection_lost", err.Error())
			return err
		}

		blocks, err := decoder.Decode(p)
		if err != nil {
			if errors.As(err, &decodeErr) {
				monitoring.Logf("gateway: %v", err)
				r.event("decode_error", err.Error())
				continue
			}
			return err
		}

		for _, b := range blocks {
			windower.Add(b)
		}
	}
}

func (r *Runner) record(name, status string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordWindow(r.session.Reference, name, status); err != nil {
		monitoring.Logf("gateway: %v", err)
	}
}

func (r *Runner) event(kind, detail string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordEvent(r.session.Reference, kind, detail); err != nil {
		monitoring.Logf("gateway: %v", err)
	}
}
