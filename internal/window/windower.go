// Package window groups the continuous decoded-sample stream into
// fixed-duration, multi-channel windows. Each channel is tracked
// independently by window index (floor of sample timestamp over the
// window duration); a window is released only once every active channel
// has advanced past it, so emission is never ragged and memory stays
// bounded to one open window per channel.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/decode"
	"github.com/bladesense/gateway/internal/monitoring"
	"github.com/bladesense/gateway/internal/timeutil"
)

// ChannelID identifies one measurement channel of one sensor type.
type ChannelID struct {
	Sensor  string
	Channel int
}

// Series is the ordered sample sequence of one channel within a window.
type Series struct {
	Sensor  string    `json:"sensor"`
	Channel int       `json:"channel"`
	Times   []int64   `json:"times"` // unix nanoseconds
	Values  []float64 `json:"values"`
}

// Window is one fixed-duration batch of samples across all channels. It is
// immutable once emitted: ownership passes to the persistence stage.
type Window struct {
	Index int64
	Start time.Time
	End   time.Time
	// Series holds one entry per channel that produced data, sorted by
	// sensor name then channel index.
	Series []*Series
	// ForceClosed marks windows released by the silent-channel timeout or
	// the shutdown flush rather than by all channels closing naturally.
	ForceClosed bool
}

// Windower accumulates decoded blocks into windows and hands completed
// windows to the emit callback, oldest first. Each index is released
// exactly once: samples arriving for an already-released index join the
// channel's next open window instead of reopening it.
type Windower struct {
	duration time.Duration
	timeout  time.Duration
	clock    timeutil.Clock
	emit     func(*Window)
	active   map[ChannelID]bool

	mu         sync.Mutex
	current    map[ChannelID]int64
	pending    map[int64]*pendingWindow
	lastSample map[ChannelID]time.Time
	started    time.Time
	// floor is the lowest index still allowed to accumulate; every index
	// below it has been released and is sealed for good.
	floor    int64
	floorSet bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type pendingWindow struct {
	series map[ChannelID]*Series
	closed map[ChannelID]bool
}

// New creates a Windower for the given configuration. The emit callback
// receives completed windows; it must not retain the Windower's lock, so
// the callback is invoked outside of it.
func New(cfg config.Configuration, clock timeutil.Clock, emit func(*Window)) *Windower {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	active := map[ChannelID]bool{}
	for _, s := range cfg.ActiveSensors() {
		for ch := 0; ch < s.Channels; ch++ {
			active[ChannelID{Sensor: s.Name, Channel: ch}] = true
		}
	}
	return &Windower{
		duration:   cfg.WindowDuration,
		timeout:    cfg.SilentChannelTimeout,
		clock:      clock,
		emit:       emit,
		active:     active,
		current:    map[ChannelID]int64{},
		pending:    map[int64]*pendingWindow{},
		lastSample: map[ChannelID]time.Time{},
		started:    clock.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the silent-channel watchdog. Without it a channel that
// stops producing samples would block window release indefinitely.
func (w *Windower) Start() {
	if w.timeout <= 0 {
		close(w.done)
		return
	}
	go w.watchdog()
}

func (w *Windower) watchdog() {
	defer close(w.done)

	interval := w.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C():
			w.forceReleaseStale()
		}
	}
}

// windowIndex floors the timestamp onto the window grid. Integer division
// truncates toward zero, so negative timestamps off the grid need the
// extra step down.
func (w *Windower) windowIndex(ts int64) int64 {
	dur := int64(w.duration)
	idx := ts / dur
	if ts < 0 && ts%dur != 0 {
		idx--
	}
	return idx
}

// Add folds one decoded block into the channel's open window. Blocks may
// straddle a window boundary; each sample lands in the window its own
// timestamp selects, except that sealed windows are never reopened.
func (w *Windower) Add(b decode.Block) {
	ch := ChannelID{Sensor: b.Sensor, Channel: b.Channel}

	w.mu.Lock()
	w.lastSample[ch] = w.clock.Now()

	var released []*Window
	for i, v := range b.Values {
		ts := b.Start + int64(i)*b.Period
		idx := w.windowIndex(ts)

		if w.floorSet && idx < w.floor {
			// The window for this timestamp has already been released.
			// The sample joins the channel's open window (or the oldest
			// index still allowed) so the data survives without the
			// released window's object ever being rewritten.
			monitoring.Counter("window_late_samples").Add(1)
			monitoring.Logf("window: late sample for %s/%d (window %d already released), appending to open window",
				ch.Sensor, ch.Channel, idx)
			if cur, open := w.current[ch]; open {
				idx = cur
			} else {
				idx = w.floor
			}
		}

		cur, open := w.current[ch]
		switch {
		case !open:
			w.current[ch] = idx
			cur = idx
		case idx > cur:
			// The channel's open buffer closes when a sample advances
			// past it.
			w.pendingFor(cur).closed[ch] = true
			w.current[ch] = idx
			cur = idx
			released = append(released, w.releaseReadyLocked()...)
		case idx < cur:
			// Late data is never dropped: it joins the channel's still
			// open window, with a warning so persistent lateness is
			// visible.
			monitoring.Counter("window_late_samples").Add(1)
			monitoring.Logf("window: late sample for %s/%d (window %d, open window %d), appending to open window",
				ch.Sensor, ch.Channel, idx, cur)
			idx = cur
		}

		s := w.pendingFor(idx).seriesFor(ch)
		s.Times = append(s.Times, ts)
		s.Values = append(s.Values, v)
	}
	w.mu.Unlock()

	for _, win := range released {
		w.emit(win)
	}
}

func (w *Windower) pendingFor(idx int64) *pendingWindow {
	p, ok := w.pending[idx]
	if !ok {
		p = &pendingWindow{
			series: map[ChannelID]*Series{},
			closed: map[ChannelID]bool{},
		}
		w.pending[idx] = p
	}
	return p
}

func (p *pendingWindow) seriesFor(ch ChannelID) *Series {
	s, ok := p.series[ch]
	if !ok {
		s = &Series{Sensor: ch.Sensor, Channel: ch.Channel}
		p.series[ch] = s
	}
	return s
}

// releaseReadyLocked collects every pending window, oldest first, whose
// index every active channel has closed or advanced past. Channels
// explicitly disabled for the run are excluded from the requirement.
func (w *Windower) releaseReadyLocked() []*Window {
	var out []*Window
	for {
		idx, ok := w.oldestPendingLocked()
		if !ok {
			break
		}
		p := w.pending[idx]

		ready := true
		for ch := range w.active {
			if p.closed[ch] {
				continue
			}
			if cur, open := w.current[ch]; open && cur > idx {
				continue
			}
			ready = false
			break
		}
		if !ready {
			break
		}

		delete(w.pending, idx)
		w.sealBelowLocked(idx + 1)
		out = append(out, w.buildLocked(idx, p, false))
	}
	return out
}

// forceReleaseStale emits the oldest pending window when every channel
// still blocking it has been silent for the timeout. Channels producing
// steady samples keep their window open however long it accumulates.
func (w *Windower) forceReleaseStale() {
	w.mu.Lock()
	var win *Window
	if idx, ok := w.oldestPendingLocked(); ok && w.blockersSilentLocked(idx) {
		p := w.pending[idx]
		delete(w.pending, idx)
		// Channels still open on this index restart cleanly on their next
		// sample; the floor keeps them from reopening it.
		for ch, cur := range w.current {
			if cur == idx {
				delete(w.current, ch)
			}
		}
		w.sealBelowLocked(idx + 1)
		win = w.buildLocked(idx, p, true)
		monitoring.Counter("window_forced_releases").Add(1)
		monitoring.Logf("window: silent channel timeout, force-releasing window %d", idx)
	}
	w.mu.Unlock()

	if win != nil {
		w.emit(win)
	}
}

// blockersSilentLocked reports whether every active channel preventing
// the index from releasing has produced nothing for the timeout. A
// channel that never produced at all counts from the windower's start.
func (w *Windower) blockersSilentLocked(idx int64) bool {
	p := w.pending[idx]
	now := w.clock.Now()
	for ch := range w.active {
		if p.closed[ch] {
			continue
		}
		if cur, open := w.current[ch]; open && cur > idx {
			continue
		}
		last, seen := w.lastSample[ch]
		if !seen {
			last = w.started
		}
		if now.Sub(last) < w.timeout {
			return false
		}
	}
	return true
}

func (w *Windower) sealBelowLocked(idx int64) {
	if !w.floorSet || idx > w.floor {
		w.floor = idx
		w.floorSet = true
	}
}

func (w *Windower) oldestPendingLocked() (int64, bool) {
	var oldest int64
	found := false
	for idx := range w.pending {
		if !found || idx < oldest {
			oldest = idx
			found = true
		}
	}
	return oldest, found
}

// buildLocked assembles the immutable Window for an index.
func (w *Windower) buildLocked(idx int64, p *pendingWindow, forced bool) *Window {
	series := make([]*Series, 0, len(p.series))
	for _, s := range p.series {
		series = append(series, s)
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Sensor != series[j].Sensor {
			return series[i].Sensor < series[j].Sensor
		}
		return series[i].Channel < series[j].Channel
	})

	return &Window{
		Index:       idx,
		Start:       time.Unix(0, idx*int64(w.duration)),
		End:         time.Unix(0, (idx+1)*int64(w.duration)),
		Series:      series,
		ForceClosed: forced,
	}
}

// Flush force-closes every accumulating window and emits them in index
// order with whatever channel data exists. Called on shutdown; data is
// flushed, never dropped.
func (w *Windower) Flush() {
	w.mu.Lock()
	indices := make([]int64, 0, len(w.pending))
	for idx := range w.pending {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var out []*Window
	for _, idx := range indices {
		p := w.pending[idx]
		delete(w.pending, idx)
		w.sealBelowLocked(idx + 1)
		out = append(out, w.buildLocked(idx, p, true))
	}
	w.current = map[ChannelID]int64{}
	w.mu.Unlock()

	for _, win := range out {
		w.emit(win)
	}
}

// Stop halts the watchdog. It does not flush; call Flush first.
func (w *Windower) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
