package window

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/decode"
	"github.com/bladesense/gateway/internal/timeutil"
)

func testConfig(duration time.Duration, sensors ...config.Sensor) config.Configuration {
	return config.Configuration{
		Sensors:              sensors,
		WindowDuration:       duration,
		SilentChannelTimeout: time.Minute,
		MaxTimestampSlack:    5 * time.Millisecond,
		MaxPeriodDrift:       0.02,
	}
}

type collector struct {
	mu      sync.Mutex
	windows []*Window
}

func (c *collector) emit(w *Window) {
	c.mu.Lock()
	c.windows = append(c.windows, w)
	c.mu.Unlock()
}

func (c *collector) all() []*Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Window, len(c.windows))
	copy(out, c.windows)
	return out
}

func block(sensor string, channel int, start, period int64, values ...float64) decode.Block {
	return decode.Block{Sensor: sensor, Channel: channel, Start: start, Period: period, Values: values}
}

func TestWindowReleasesWhenAllChannelsAdvance(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	sec := int64(time.Second)

	w.Add(block("A", 0, 0, sec/10, 1, 2, 3))
	w.Add(block("B", 0, 0, sec/10, 4, 5))
	assert.Empty(t, c.all(), "window must stay open until every channel advances")

	// A crosses into window 1; B is still on window 0.
	w.Add(block("A", 0, sec, sec/10, 6))
	assert.Empty(t, c.all())

	// B crosses: window 0 releases with both series.
	w.Add(block("B", 0, sec, sec/10, 7))
	windows := c.all()
	require.Len(t, windows, 1)

	win := windows[0]
	assert.Equal(t, int64(0), win.Index)
	assert.Equal(t, time.Unix(0, 0), win.Start)
	assert.Equal(t, time.Unix(1, 0), win.End)
	assert.False(t, win.ForceClosed)

	require.Len(t, win.Series, 2)
	assert.Equal(t, "A", win.Series[0].Sensor)
	assert.Equal(t, []float64{1, 2, 3}, win.Series[0].Values)
	assert.Equal(t, "B", win.Series[1].Sensor)
	assert.Equal(t, []float64{4, 5}, win.Series[1].Values)
}

func TestWindowSplitsBlockAcrossBoundary(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	// Four samples at 400 ms spacing from 300 ms: the third sample is the
	// first past the one-second boundary.
	w.Add(block("A", 0, 300e6, 400e6, 1, 2, 3, 4))

	windows := c.all()
	require.Len(t, windows, 1)
	require.Len(t, windows[0].Series, 1)
	assert.Equal(t, []float64{1, 2}, windows[0].Series[0].Values)
	assert.Equal(t, []int64{300e6, 700e6}, windows[0].Series[0].Times)
}

func TestWindowLateSamplesJoinOpenWindow(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	sec := int64(time.Second)

	// The channel has advanced to window 2; a straggler from window 0
	// lands in the open window 2 rather than being dropped.
	w.Add(block("A", 0, 2*sec, sec/10, 1))
	w.Add(block("A", 0, sec/2, sec/10, 99))

	w.Flush()
	windows := c.all()
	require.Len(t, windows, 1)
	assert.Equal(t, int64(2), windows[0].Index)
	assert.Equal(t, []float64{1, 99}, windows[0].Series[0].Values)
}

func TestWindowForceReleaseOnSilentChannel(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	cfg.SilentChannelTimeout = 20 * time.Second

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := &collector{}
	w := New(cfg, clock, c.emit)
	w.Start()
	defer w.Stop()

	sec := int64(time.Second)
	w.Add(block("A", 0, 0, sec/10, 1, 2))
	w.Add(block("A", 0, sec, sec/10, 3))
	// B never produces anything: window 0 is stuck.

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return len(c.all()) == 1
	}, time.Second, time.Millisecond)

	win := c.all()[0]
	assert.Equal(t, int64(0), win.Index)
	assert.True(t, win.ForceClosed)
	require.Len(t, win.Series, 1)
	assert.Equal(t, []float64{1, 2}, win.Series[0].Values)
}

func TestWindowWatchdogIgnoresSteadyTraffic(t *testing.T) {
	// A long window with a short timeout and healthy channels: the
	// watchdog must never cut a window that is still receiving samples.
	cfg := testConfig(600*time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	cfg.SilentChannelTimeout = 60 * time.Second

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := &collector{}
	w := New(cfg, clock, c.emit)

	// Two simulated minutes of samples every five seconds, with the
	// watchdog check after each batch.
	for i := 0; i < 24; i++ {
		ts := int64(i*5) * int64(time.Second)
		w.Add(block("A", 0, ts, int64(time.Second), 1))
		w.Add(block("B", 0, ts, int64(time.Second), 1))
		clock.Advance(5 * time.Second)
		w.forceReleaseStale()
	}

	assert.Empty(t, c.all(), "steady channels must keep their window open")
}

func TestWindowWatchdogWaitsForActiveBlockers(t *testing.T) {
	// B goes silent but A is still filling the same window: nothing can
	// release until A closes it, and the watchdog must not cut A off.
	cfg := testConfig(600*time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	cfg.SilentChannelTimeout = 20 * time.Second

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := &collector{}
	w := New(cfg, clock, c.emit)

	w.Add(block("B", 0, 0, int64(time.Second), 1))
	for i := 0; i < 12; i++ {
		w.Add(block("A", 0, int64(i)*int64(5*time.Second), int64(time.Second), 1))
		clock.Advance(5 * time.Second)
		w.forceReleaseStale()
	}
	assert.Empty(t, c.all())

	// A crosses the boundary; now only silent B blocks window 0.
	w.Add(block("A", 0, int64(600*time.Second), int64(time.Second), 1))
	w.forceReleaseStale()

	windows := c.all()
	require.Len(t, windows, 1)
	assert.Equal(t, int64(0), windows[0].Index)
	assert.True(t, windows[0].ForceClosed)
}

func TestWindowNeverReopensReleasedIndex(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	cfg.SilentChannelTimeout = 20 * time.Second

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := &collector{}
	w := New(cfg, clock, c.emit)

	sec := int64(time.Second)
	w.Add(block("A", 0, 0, sec/10, 1))
	w.Add(block("A", 0, sec, sec/10, 2))

	// B is silent; window 0 is force-released.
	clock.Advance(20 * time.Second)
	w.forceReleaseStale()
	require.Len(t, c.all(), 1)

	// A straggler for window 0 arrives after the release: it must land
	// in a later window, never resurrect index 0 (whose object name is
	// already taken in the store).
	w.Add(block("B", 0, sec/2, sec/10, 9))
	w.Flush()

	windows := c.all()
	require.Len(t, windows, 2)
	assert.Equal(t, int64(0), windows[0].Index)
	assert.Equal(t, int64(1), windows[1].Index)

	var bValues []float64
	for _, s := range windows[1].Series {
		if s.Sensor == "B" {
			bValues = s.Values
		}
	}
	assert.Equal(t, []float64{9}, bValues, "the straggler survives in the next window")
}

func TestWindowIndexFloorsNegativeTimestamps(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	sec := int64(time.Second)
	w.Add(block("A", 0, -sec, sec/10, 1)) // exactly on the grid
	w.Add(block("A", 0, -1, sec/10, 2))   // one nanosecond before zero

	w.Flush()
	windows := c.all()
	require.Len(t, windows, 1)
	assert.Equal(t, int64(-1), windows[0].Index)
	assert.Equal(t, []float64{1, 2}, windows[0].Series[0].Values)
}

func TestWindowDisabledSensorsDoNotBlockRelease(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1, Disabled: true},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	sec := int64(time.Second)
	w.Add(block("A", 0, 0, sec/10, 1))
	w.Add(block("A", 0, sec, sec/10, 2))

	require.Len(t, c.all(), 1)
}

func TestWindowFlushEmitsEverythingInOrder(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	sec := int64(time.Second)
	w.Add(block("A", 0, 0, sec/10, 1))
	w.Add(block("A", 0, sec, sec/10, 2))
	w.Add(block("B", 0, 0, sec/10, 3))

	w.Flush()
	windows := c.all()
	require.Len(t, windows, 2)
	assert.Equal(t, int64(0), windows[0].Index)
	assert.Equal(t, int64(1), windows[1].Index)
	assert.True(t, windows[0].ForceClosed)
	assert.True(t, windows[1].ForceClosed)
}

func TestWindowContentIndependentOfInterleaving(t *testing.T) {
	cfg := testConfig(time.Second,
		config.Sensor{Name: "A", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
		config.Sensor{Name: "B", Frequency: 10, SamplesPerPacket: 1, Channels: 1, WordSize: 1, ConversionFactor: 1},
	)

	sec := int64(time.Second)
	aBlocks := []decode.Block{
		block("A", 0, 0, sec/10, 1, 2),
		block("A", 0, sec/2, sec/10, 3),
		block("A", 0, sec, sec/10, 4),
	}
	bBlocks := []decode.Block{
		block("B", 0, sec/4, sec/10, 5),
		block("B", 0, sec, sec/10, 6),
	}

	run := func(blocks []decode.Block) []*Window {
		c := &collector{}
		w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)
		for _, b := range blocks {
			w.Add(b)
		}
		w.Flush()
		return c.all()
	}

	// Same per-channel block order, different cross-channel interleaving.
	order1 := []decode.Block{aBlocks[0], aBlocks[1], bBlocks[0], aBlocks[2], bBlocks[1]}
	order2 := []decode.Block{bBlocks[0], aBlocks[0], aBlocks[1], bBlocks[1], aBlocks[2]}

	if diff := cmp.Diff(run(order1), run(order2)); diff != "" {
		t.Errorf("windows differ by interleaving (-order1 +order2):\n%s", diff)
	}
}

func TestWindowFullDurationSampleCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-million sample accumulation")
	}

	// Ten-minute window at three real sensor rates: 100 Hz barometers,
	// 12.5 Hz magnetometer packets stretched to 0.08 s spacing and the
	// 15625 Hz microphones.
	cfg := testConfig(600*time.Second,
		config.Sensor{Name: "Baros_P", Frequency: 100, SamplesPerPacket: 1, Channels: 1, WordSize: 4, ConversionFactor: 1},
		config.Sensor{Name: "Slow", Frequency: 12.5, SamplesPerPacket: 1, Channels: 1, WordSize: 2, ConversionFactor: 1},
		config.Sensor{Name: "Mics", Frequency: 15625, SamplesPerPacket: 1, Channels: 1, WordSize: 3, ConversionFactor: 1},
	)
	c := &collector{}
	w := New(cfg, timeutil.NewMockClock(time.Unix(0, 0)), c.emit)

	counts := map[string]int{"Baros_P": 60000, "Slow": 7500, "Mics": 9375000}
	periods := map[string]int64{
		"Baros_P": int64(10 * time.Millisecond),
		"Slow":    int64(80 * time.Millisecond),
		"Mics":    int64(64 * time.Microsecond),
	}

	for name, n := range counts {
		w.Add(decode.Block{
			Sensor: name, Channel: 0,
			Start: 0, Period: periods[name],
			Values: make([]float64, n),
		})
	}
	assert.Empty(t, c.all())

	// One sample past the boundary from each channel closes the window.
	for name := range counts {
		w.Add(block(name, 0, int64(600*time.Second), periods[name], 0))
	}

	windows := c.all()
	require.Len(t, windows, 1)
	require.Len(t, windows[0].Series, 3)
	for _, s := range windows[0].Series {
		assert.Equal(t, counts[s.Sensor], len(s.Values), s.Sensor)
		assert.Equal(t, int64(0), s.Times[0])
		last := s.Times[len(s.Times)-1]
		assert.Less(t, last, int64(600*time.Second), s.Sensor)
	}
}
