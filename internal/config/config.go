// Package config holds the immutable gateway configuration: the sensor
// layout, protocol constants and timing tolerances shared read-only by
// every pipeline stage.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HandleDefinitionPayloadLength is the fixed payload length of a
// handle-definition frame: start handle, reserved, end handle, reserved.
const HandleDefinitionPayloadLength = 4

// Sensor describes one sensor type: its packet geometry, sample timing and
// raw-to-physical conversion.
type Sensor struct {
	// Name identifies the sensor type in windows and uploaded documents.
	Name string `json:"name"`

	// Frequency is the per-channel sample rate in Hz.
	Frequency float64 `json:"frequency"`

	// SamplesPerPacket is the number of samples per channel in one packet.
	SamplesPerPacket int `json:"samples_per_packet"`

	// Channels is the number of measurement channels in each packet.
	Channels int `json:"channels"`

	// WordSize is the width in bytes of one raw integer sample.
	WordSize int `json:"word_size"`

	// Signed selects signed interpretation of the raw integers.
	Signed bool `json:"signed"`

	// BigEndian overrides the gateway-wide endianness for this sensor.
	// The microphones ship big-endian words on an otherwise little-endian
	// link.
	BigEndian bool `json:"big_endian,omitempty"`

	// ConversionFactor divides the raw integer to produce the physical
	// value. A factor of 1 passes raw values through.
	ConversionFactor float64 `json:"conversion_factor"`

	// Offset is added after conversion.
	Offset float64 `json:"offset,omitempty"`

	// CarriesNodeTime marks packets whose payload is suffixed with a
	// 4-byte node timestamp (Q16.16 seconds) used for clock alignment.
	CarriesNodeTime bool `json:"carries_node_time,omitempty"`

	// Disabled excludes the sensor from window-release accounting. Its
	// packets are still decoded and recorded if they arrive.
	Disabled bool `json:"disabled,omitempty"`
}

// Period returns the ideal inter-sample period.
func (s Sensor) Period() time.Duration {
	if s.Frequency <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.Frequency)
}

// PayloadLength returns the exact payload byte count expected for this
// sensor's packets. Packets of any other length are dropped whole.
func (s Sensor) PayloadLength() int {
	n := s.SamplesPerPacket * s.Channels * s.WordSize
	if s.CarriesNodeTime {
		n += 4
	}
	return n
}

// Configuration is the immutable description of one gateway run. It is
// loaded (or defaulted) once at startup and passed by value to every
// component; nothing mutates it afterwards.
type Configuration struct {
	// NodeID identifies the edge sensor processor.
	NodeID string `json:"node_id"`

	// InstallationReference keys uploaded windows to an installation.
	InstallationReference string `json:"installation_reference"`

	// Label is free-form session metadata carried into every window.
	Label string `json:"label,omitempty"`

	// BaudRate for the serial link to the base station.
	BaudRate int `json:"baud_rate"`

	// BigEndian selects the byte order of multi-byte payload words.
	// The protocol default is little-endian.
	BigEndian bool `json:"big_endian,omitempty"`

	// PacketKey is the one-byte frame marker that starts every packet.
	PacketKey byte `json:"packet_key"`

	// HandleDefinitionType is the reserved handle announcing a
	// handle-definition frame instead of sensor data.
	HandleDefinitionType byte `json:"handle_definition_type"`

	// Handles maps protocol handles to sensor names. A handle-definition
	// frame rebases this map at runtime; this is the initial layout.
	Handles map[byte]string `json:"handles"`

	// Sensors lists every sensor type, in the fixed order used when a
	// handle-definition frame rebases the handle map.
	Sensors []Sensor `json:"sensors"`

	// MaxTimestampSlack is the tolerated gap between a packet's nominal
	// last-sample timestamp and its arrival time before the channel clock
	// is re-based.
	MaxTimestampSlack time.Duration `json:"-"`

	// MaxPeriodDrift is the tolerated per-sample period drift as a
	// fraction of the ideal period.
	MaxPeriodDrift float64 `json:"max_period_drift"`

	// WindowDuration is the fixed duration of emitted windows.
	WindowDuration time.Duration `json:"-"`

	// SilentChannelTimeout force-releases a pending window when no
	// channel has made progress for this long. Zero disables the check.
	SilentChannelTimeout time.Duration `json:"-"`
}

// fileConfiguration is the on-disk JSON form. Durations are strings like
// "600s" so partial configs stay readable; omitted fields keep defaults.
type fileConfiguration struct {
	NodeID                *string           `json:"node_id,omitempty"`
	InstallationReference *string           `json:"installation_reference,omitempty"`
	Label                 *string           `json:"label,omitempty"`
	BaudRate              *int              `json:"baud_rate,omitempty"`
	BigEndian             *bool             `json:"big_endian,omitempty"`
	PacketKey             *byte             `json:"packet_key,omitempty"`
	HandleDefinitionType  *byte             `json:"handle_definition_type,omitempty"`
	Handles               map[string]string `json:"handles,omitempty"`
	Sensors               []Sensor          `json:"sensors,omitempty"`
	MaxTimestampSlack     *string           `json:"max_timestamp_slack,omitempty"`
	MaxPeriodDrift        *float64          `json:"max_period_drift,omitempty"`
	WindowDuration        *string           `json:"window_duration,omitempty"`
	SilentChannelTimeout  *string           `json:"silent_channel_timeout,omitempty"`
	DisabledSensors       []string          `json:"disabled_sensors,omitempty"`
}

// Default returns the configuration matching the current node firmware:
// little-endian link at 2.3 Mbaud, packet key 0xFE, handle-definition
// handle 0xFF, 600 s windows, 5 ms timestamp slack and 2 % period drift.
func Default() Configuration {
	sensors := []Sensor{
		{Name: "Mics", Frequency: 15625, SamplesPerPacket: 8, Channels: 10, WordSize: 3, Signed: true, BigEndian: true, ConversionFactor: 1},
		{Name: "Baros_P", Frequency: 100, SamplesPerPacket: 1, Channels: 40, WordSize: 4, ConversionFactor: 40.96},
		{Name: "Baros_T", Frequency: 100, SamplesPerPacket: 1, Channels: 40, WordSize: 2, Signed: true, ConversionFactor: 100},
		{Name: "Diff_Baros", Frequency: 1000, SamplesPerPacket: 24, Channels: 5, WordSize: 2, ConversionFactor: 1},
		{Name: "Acc", Frequency: 100, SamplesPerPacket: 40, Channels: 3, WordSize: 2, Signed: true, ConversionFactor: 1},
		{Name: "Gyro", Frequency: 100, SamplesPerPacket: 40, Channels: 3, WordSize: 2, Signed: true, ConversionFactor: 1},
		{Name: "Mag", Frequency: 12.5, SamplesPerPacket: 40, Channels: 3, WordSize: 2, Signed: true, ConversionFactor: 1},
		{Name: "Analog_Vbat", Frequency: 16384, SamplesPerPacket: 60, Channels: 1, WordSize: 4, ConversionFactor: 1e6},
		{Name: "Constat", Frequency: 22.2, SamplesPerPacket: 24, Channels: 1, WordSize: 4, Signed: true, ConversionFactor: 1, CarriesNodeTime: true},
	}

	handles := map[byte]string{}
	for i, s := range sensors {
		handles[byte(34+2*i)] = s.Name
	}

	return Configuration{
		NodeID:                "0",
		InstallationReference: "unknown",
		BaudRate:              2300000,
		PacketKey:             0xFE,
		HandleDefinitionType:  0xFF,
		Handles:               handles,
		Sensors:               sensors,
		MaxTimestampSlack:     5 * time.Millisecond,
		MaxPeriodDrift:        0.02,
		WindowDuration:        600 * time.Second,
		SilentChannelTimeout:  60 * time.Second,
	}
}

// Load reads a JSON configuration file and overlays it on the defaults.
// Omitted fields keep their default values, so partial configs are safe.
func Load(path string) (Configuration, error) {
	cfg := Default()

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfiguration
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if fc.NodeID != nil {
		cfg.NodeID = *fc.NodeID
	}
	if fc.InstallationReference != nil {
		cfg.InstallationReference = *fc.InstallationReference
	}
	if fc.Label != nil {
		cfg.Label = *fc.Label
	}
	if fc.BaudRate != nil {
		cfg.BaudRate = *fc.BaudRate
	}
	if fc.BigEndian != nil {
		cfg.BigEndian = *fc.BigEndian
	}
	if fc.PacketKey != nil {
		cfg.PacketKey = *fc.PacketKey
	}
	if fc.HandleDefinitionType != nil {
		cfg.HandleDefinitionType = *fc.HandleDefinitionType
	}
	if fc.Sensors != nil {
		cfg.Sensors = fc.Sensors
	}
	if fc.Handles != nil {
		handles := map[byte]string{}
		for k, v := range fc.Handles {
			var h int
			if _, err := fmt.Sscanf(k, "%d", &h); err != nil || h < 0 || h > 255 {
				return cfg, fmt.Errorf("invalid handle %q in config", k)
			}
			handles[byte(h)] = v
		}
		cfg.Handles = handles
	}
	if fc.MaxPeriodDrift != nil {
		cfg.MaxPeriodDrift = *fc.MaxPeriodDrift
	}

	if cfg.MaxTimestampSlack, err = overlayDuration(fc.MaxTimestampSlack, cfg.MaxTimestampSlack, "max_timestamp_slack"); err != nil {
		return cfg, err
	}
	if cfg.WindowDuration, err = overlayDuration(fc.WindowDuration, cfg.WindowDuration, "window_duration"); err != nil {
		return cfg, err
	}
	if cfg.SilentChannelTimeout, err = overlayDuration(fc.SilentChannelTimeout, cfg.SilentChannelTimeout, "silent_channel_timeout"); err != nil {
		return cfg, err
	}

	for _, name := range fc.DisabledSensors {
		found := false
		for i := range cfg.Sensors {
			if cfg.Sensors[i].Name == name {
				cfg.Sensors[i].Disabled = true
				found = true
			}
		}
		if !found {
			return cfg, fmt.Errorf("disabled sensor %q is not configured", name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overlayDuration(s *string, fallback time.Duration, field string) (time.Duration, error) {
	if s == nil || *s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", field, *s, err)
	}
	return d, nil
}

// Validate checks the configuration for internal consistency.
func (c Configuration) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", c.BaudRate)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window_duration must be positive, got %v", c.WindowDuration)
	}
	if c.MaxTimestampSlack <= 0 {
		return fmt.Errorf("max_timestamp_slack must be positive, got %v", c.MaxTimestampSlack)
	}
	if c.MaxPeriodDrift <= 0 || c.MaxPeriodDrift >= 1 {
		return fmt.Errorf("max_period_drift must be in (0, 1), got %f", c.MaxPeriodDrift)
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor must be configured")
	}

	byName := map[string]bool{}
	for _, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensor with empty name")
		}
		if byName[s.Name] {
			return fmt.Errorf("duplicate sensor %q", s.Name)
		}
		byName[s.Name] = true
		if s.SamplesPerPacket <= 0 || s.Channels <= 0 {
			return fmt.Errorf("sensor %q: samples_per_packet and channels must be positive", s.Name)
		}
		if s.WordSize < 1 || s.WordSize > 8 {
			return fmt.Errorf("sensor %q: word_size must be 1..8 bytes, got %d", s.Name, s.WordSize)
		}
		if s.Frequency <= 0 {
			return fmt.Errorf("sensor %q: frequency must be positive, got %f", s.Name, s.Frequency)
		}
		if s.ConversionFactor == 0 {
			return fmt.Errorf("sensor %q: conversion_factor must be non-zero", s.Name)
		}
	}

	for h, name := range c.Handles {
		if h == c.HandleDefinitionType {
			return fmt.Errorf("handle 0x%02X collides with the handle-definition type", h)
		}
		if !byName[name] {
			return fmt.Errorf("handle 0x%02X maps to unknown sensor %q", h, name)
		}
	}
	return nil
}

// Sensor returns the named sensor's description.
func (c Configuration) Sensor(name string) (Sensor, bool) {
	for _, s := range c.Sensors {
		if s.Name == name {
			return s, true
		}
	}
	return Sensor{}, false
}

// ActiveSensors returns the sensors that participate in window release,
// i.e. everything not explicitly disabled for the run.
func (c Configuration) ActiveSensors() []Sensor {
	var out []Sensor
	for _, s := range c.Sensors {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// RebasedHandles returns a fresh handle map anchored at startHandle,
// assigning handles startHandle+2, startHandle+4, ... to the configured
// sensors in declaration order. Handle-definition frames use this to
// re-announce the layout after a node reconnects.
func (c Configuration) RebasedHandles(startHandle byte) map[byte]string {
	handles := make(map[byte]string, len(c.Sensors))
	h := int(startHandle)
	for _, s := range c.Sensors {
		h += 2
		if h > 0xFF {
			break
		}
		handles[byte(h)] = s.Name
	}
	return handles
}
