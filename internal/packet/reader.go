// Package packet turns the raw serial byte stream into framed sensor
// packets. Each frame is a one-byte key, a one-byte handle and a
// fixed-length payload whose size is derived from the configuration for
// the handle's sensor type. The command channel shares the physical link,
// so arbitrary non-sensor bytes may appear between frames; the reader
// scans for the key byte and slides one byte at a time until a frame
// parses.
package packet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/monitoring"
	"github.com/bladesense/gateway/internal/timeutil"
)

// ErrConnectionLost reports that the underlying byte stream failed. It is
// fatal to the read flow; reconnection belongs to the connection owner.
var ErrConnectionLost = errors.New("serial connection lost")

// FramingError is a recoverable framing failure: an unrecognised handle at
// a frame boundary. The reader discards one byte and resumes scanning from
// the next.
type FramingError struct {
	Handle byte
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error (handle 0x%02X): %s", e.Handle, e.Reason)
}

// RawPacket is one framed sensor packet. The payload length always matches
// the expected size for the sensor; short frames are never emitted.
type RawPacket struct {
	Handle  byte
	Sensor  config.Sensor
	Payload []byte
	Arrival time.Time
}

// HandleDefinition reports a handle-definition frame: the node announced a
// new handle layout, usually after reconnecting.
type HandleDefinition struct {
	StartHandle byte
	EndHandle   byte
	Arrival     time.Time
}

// Reader scans a byte stream for framed packets. It is not safe for
// concurrent use; the serial read flow is its only owner.
type Reader struct {
	cfg     config.Configuration
	br      *bufio.Reader
	clock   timeutil.Clock
	handles map[byte]string

	// OnHandleDefinition, if set, is invoked after a handle-definition
	// frame rebases the handle table. The decode stage uses it to reset
	// its clock baselines for the reconnected node.
	OnHandleDefinition func(HandleDefinition)

	packets int64
	slides  int64
}

// NewReader creates a Reader over the given byte stream. The handle table
// starts from the configuration and is rebased whenever a
// handle-definition frame arrives.
func NewReader(r io.Reader, cfg config.Configuration, clock timeutil.Clock) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	handles := make(map[byte]string, len(cfg.Handles))
	for h, name := range cfg.Handles {
		handles[h] = name
	}
	return &Reader{
		cfg:     cfg,
		br:      bufio.NewReaderSize(r, 4096),
		clock:   clock,
		handles: handles,
	}
}

// Next blocks until a complete frame is available and returns it. It
// returns a *FramingError for recoverable failures (the caller should log
// and call Next again), io.EOF when a replayed stream ends cleanly, and an
// error wrapping ErrConnectionLost when the stream fails mid-frame.
// Handle-definition frames are consumed internally.
func (r *Reader) Next() (RawPacket, error) {
	for {
		key, err := r.br.ReadByte()
		if err != nil {
			return RawPacket{}, r.streamError(err)
		}
		if key != r.cfg.PacketKey {
			// Interleaved command-channel traffic or mid-frame garbage;
			// slide by one byte until the key is found.
			r.slides++
			continue
		}

		handle, err := r.br.ReadByte()
		if err != nil {
			return RawPacket{}, r.streamError(err)
		}

		if handle == r.cfg.HandleDefinitionType {
			if err := r.readHandleDefinition(); err != nil {
				return RawPacket{}, err
			}
			continue
		}

		name, ok := r.handles[handle]
		if !ok {
			// Unrecognised handle: discard exactly one byte (the key) and
			// resume scanning from the handle byte, which may itself be a
			// key.
			r.br.UnreadByte()
			monitoring.Counter("packet_framing_errors").Add(1)
			return RawPacket{}, &FramingError{Handle: handle, Reason: "unrecognised handle"}
		}

		sensor, ok := r.cfg.Sensor(name)
		if !ok {
			r.br.UnreadByte()
			monitoring.Counter("packet_framing_errors").Add(1)
			return RawPacket{}, &FramingError{Handle: handle, Reason: fmt.Sprintf("handle maps to unconfigured sensor %q", name)}
		}

		payload := make([]byte, sensor.PayloadLength())
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return RawPacket{}, r.streamError(err)
		}

		r.packets++
		if r.packets%200 == 0 {
			monitoring.Logf("packet reader: %d packets read", r.packets)
		}

		return RawPacket{
			Handle:  handle,
			Sensor:  sensor,
			Payload: payload,
			Arrival: r.clock.Now(),
		}, nil
	}
}

// readHandleDefinition consumes a handle-definition payload and rebases
// the handle table.
func (r *Reader) readHandleDefinition() error {
	payload := make([]byte, config.HandleDefinitionPayloadLength)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return r.streamError(err)
	}

	def := HandleDefinition{
		StartHandle: payload[0],
		EndHandle:   payload[2],
		Arrival:     r.clock.Now(),
	}
	r.handles = r.cfg.RebasedHandles(def.StartHandle)
	monitoring.Logf("packet reader: handle definition received, handles rebased to 0x%02X..0x%02X",
		def.StartHandle, def.EndHandle)

	if r.OnHandleDefinition != nil {
		r.OnHandleDefinition(def)
	}
	return nil
}

// streamError classifies an underlying read failure. A clean EOF before
// any frame byte is a normal end of a replayed stream; anything else is a
// lost connection, fatal to the read flow.
func (r *Reader) streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// Stats returns the number of complete packets emitted and the number of
// bytes slid over while searching for frame keys.
func (r *Reader) Stats() (packets, slides int64) {
	return r.packets, r.slides
}
