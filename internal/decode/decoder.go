// Package decode converts framed sensor packets into scaled samples with
// reconstructed timestamps. Payloads are fixed-count arrays of fixed-width
// integers; timestamps are rebuilt per channel from the ideal sample
// period, re-based to packet arrival time when the node clock drifts.
package decode

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/monitoring"
	"github.com/bladesense/gateway/internal/packet"
)

// DecodeError is a recoverable payload failure: the packet is dropped,
// counted and the pipeline continues.
type DecodeError struct {
	Sensor string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error (%s): %s", e.Sensor, e.Reason)
}

// Block is one packet's worth of decoded samples for a single channel.
// Sample i has timestamp Start + i*Period.
type Block struct {
	Sensor  string
	Channel int
	Start   int64 // unix nanoseconds of the first sample
	Period  int64 // nanoseconds between samples
	Values  []float64
}

// DriftCorrection records a channel-clock re-base to packet arrival time.
type DriftCorrection struct {
	Sensor string
	// Delta is the discrepancy that forced the correction.
	Delta time.Duration
	At    time.Time
}

// Decoder holds the per-sensor clock state needed to reconstruct
// timestamps. It is driven by a single goroutine (the decode stage).
type Decoder struct {
	cfg     config.Configuration
	clocks  map[string]*channelClock
	aligner *timeAligner

	// OnDriftCorrection, if set, is invoked for every clock re-base.
	OnDriftCorrection func(DriftCorrection)
}

type channelClock struct {
	last        int64 // unix nanoseconds of the last emitted sample
	initialized bool
}

// NewDecoder creates a Decoder for the given configuration.
func NewDecoder(cfg config.Configuration) *Decoder {
	return &Decoder{
		cfg:     cfg,
		clocks:  make(map[string]*channelClock, len(cfg.Sensors)),
		aligner: newTimeAligner(),
	}
}

// ResetClocks discards all clock baselines and the node time-offset
// history. Called when a handle-definition frame announces a node
// reconnect: the node's clock restarts from zero.
func (d *Decoder) ResetClocks() {
	d.clocks = make(map[string]*channelClock, len(d.cfg.Sensors))
	d.aligner.reset()
}

// Decode converts a raw packet into one Block per channel. All blocks of a
// packet share the same reconstructed timestamps. A payload whose length
// does not exactly match the sensor's expectation is dropped whole.
func (d *Decoder) Decode(p packet.RawPacket) ([]Block, error) {
	s := p.Sensor
	if len(p.Payload) != s.PayloadLength() {
		monitoring.Counter("decode_errors").Add(1)
		return nil, &DecodeError{Sensor: s.Name, Reason: fmt.Sprintf(
			"payload length %d, expected %d", len(p.Payload), s.PayloadLength())}
	}

	arrival := p.Arrival
	if s.CarriesNodeTime {
		nodeTime := d.nodeTime(p.Payload)
		arrival = d.aligner.observe(nodeTime, p.Arrival)
	}

	start, correction := d.advanceClock(s, arrival)
	if correction != nil {
		monitoring.Counter("drift_corrections").Add(1)
		monitoring.Logf("decode: clock re-based for %s (discrepancy %v)", s.Name, correction.Delta)
		if d.OnDriftCorrection != nil {
			d.OnDriftCorrection(*correction)
		}
	}

	period := s.Period().Nanoseconds()
	blocks := make([]Block, s.Channels)
	for ch := 0; ch < s.Channels; ch++ {
		blocks[ch] = Block{
			Sensor:  s.Name,
			Channel: ch,
			Start:   start,
			Period:  period,
			Values:  make([]float64, s.SamplesPerPacket),
		}
	}

	for i := 0; i < s.SamplesPerPacket; i++ {
		for ch := 0; ch < s.Channels; ch++ {
			off := s.WordSize * (i*s.Channels + ch)
			raw := d.readWord(s, p.Payload[off:off+s.WordSize])
			blocks[ch].Values[i] = float64(raw)/s.ConversionFactor + s.Offset
		}
	}

	return blocks, nil
}

// advanceClock reconstructs the first-sample timestamp for a packet of the
// sensor and updates the channel clock. The first sample continues one
// period after the previous packet's last sample; with no prior state the
// baseline is arrival minus (sample count x period). When the nominal
// last-sample timestamp diverges from arrival beyond the configured slack,
// or the per-sample drift exceeds the configured fraction of the period,
// the baseline resets to arrival.
func (d *Decoder) advanceClock(s config.Sensor, arrival time.Time) (start int64, correction *DriftCorrection) {
	period := s.Period().Nanoseconds()
	count := int64(s.SamplesPerPacket)

	cc, ok := d.clocks[s.Name]
	if !ok {
		cc = &channelClock{}
		d.clocks[s.Name] = cc
	}

	if cc.initialized {
		start = cc.last + period
	} else {
		// Baseline: the imaginary previous sample sits one packet before
		// arrival, so the last sample of this packet lands on arrival.
		start = arrival.UnixNano() - (count-1)*period
	}

	nominalLast := start + (count-1)*period
	slack := arrival.UnixNano() - nominalLast
	perSample := float64(slack) / float64(count)

	if cc.initialized && (abs64(slack) > d.cfg.MaxTimestampSlack.Nanoseconds() ||
		absf(perSample) > d.cfg.MaxPeriodDrift*float64(period)) {
		correction = &DriftCorrection{
			Sensor: s.Name,
			Delta:  time.Duration(slack),
			At:     arrival,
		}
		start = arrival.UnixNano() - (count-1)*period
	}

	cc.last = start + (count-1)*period
	cc.initialized = true
	return start, correction
}

// nodeTime extracts the trailing Q16.16 node timestamp from a payload.
func (d *Decoder) nodeTime(payload []byte) time.Duration {
	raw := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	seconds := float64(raw) / 65536.0
	return time.Duration(seconds * float64(time.Second))
}

// readWord extracts one raw integer sample, honouring the sensor's word
// size, signedness and byte order.
func (d *Decoder) readWord(s config.Sensor, b []byte) int64 {
	var u uint64
	if s.BigEndian || d.cfg.BigEndian {
		for _, by := range b {
			u = u<<8 | uint64(by)
		}
	} else {
		for i := len(b) - 1; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
	}
	if s.Signed {
		shift := uint(64 - 8*s.WordSize)
		return int64(u<<shift) >> shift
	}
	return int64(u)
}

// EncodeWord is the inverse of the raw extraction: it renders a physical
// value back to raw bytes at the sensor's resolution. Used by tests and
// the replay tooling to synthesise packets.
func EncodeWord(cfg config.Configuration, s config.Sensor, value float64, b []byte) {
	raw := int64(math.Round((value - s.Offset) * s.ConversionFactor))
	u := uint64(raw)
	if s.BigEndian || cfg.BigEndian {
		for i := s.WordSize - 1; i >= 0; i-- {
			b[i] = byte(u)
			u >>= 8
		}
	} else {
		for i := 0; i < s.WordSize; i++ {
			b[i] = byte(u)
			u >>= 8
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
