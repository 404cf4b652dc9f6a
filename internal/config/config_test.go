package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, byte(0xFE), cfg.PacketKey)
	assert.Equal(t, byte(0xFF), cfg.HandleDefinitionType)
	assert.Equal(t, 2300000, cfg.BaudRate)
	assert.Equal(t, 600*time.Second, cfg.WindowDuration)
	assert.Equal(t, 5*time.Millisecond, cfg.MaxTimestampSlack)
	assert.Equal(t, 0.02, cfg.MaxPeriodDrift)
	assert.Len(t, cfg.Sensors, 9)
}

func TestDefaultHandleLayout(t *testing.T) {
	cfg := Default()

	// Handles start at 34 and step by two in sensor declaration order.
	for i, s := range cfg.Sensors {
		name, ok := cfg.Handles[byte(34+2*i)]
		require.True(t, ok, "missing handle for sensor %d", i)
		assert.Equal(t, s.Name, name)
	}
}

func TestSensorPeriod(t *testing.T) {
	mics, ok := Default().Sensor("Mics")
	require.True(t, ok)
	assert.Equal(t, 15625.0, mics.Frequency)
	assert.Equal(t, 64*time.Microsecond, mics.Period())

	assert.Equal(t, time.Duration(0), Sensor{}.Period())
}

func TestSensorPayloadLength(t *testing.T) {
	cfg := Default()

	mics, _ := cfg.Sensor("Mics")
	assert.Equal(t, 8*10*3, mics.PayloadLength())

	// Constat carries a trailing 4-byte node timestamp.
	constat, _ := cfg.Sensor("Constat")
	assert.Equal(t, 24*1*4+4, constat.PayloadLength())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"node_id": "node-7",
		"installation_reference": "turbine-a",
		"label": "commissioning",
		"window_duration": "60s",
		"silent_channel_timeout": "10s",
		"disabled_sensors": ["Mics", "Analog_Vbat"]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, "turbine-a", cfg.InstallationReference)
	assert.Equal(t, "commissioning", cfg.Label)
	assert.Equal(t, 60*time.Second, cfg.WindowDuration)
	assert.Equal(t, 10*time.Second, cfg.SilentChannelTimeout)

	// Omitted fields keep their defaults.
	assert.Equal(t, byte(0xFE), cfg.PacketKey)
	assert.Equal(t, 5*time.Millisecond, cfg.MaxTimestampSlack)

	mics, _ := cfg.Sensor("Mics")
	assert.True(t, mics.Disabled)
	baros, _ := cfg.Sensor("Baros_P")
	assert.False(t, baros.Disabled)
}

func TestLoadRejectsUnknownDisabledSensor(t *testing.T) {
	path := writeConfig(t, `{"disabled_sensors": ["NoSuchSensor"]}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoSuchSensor")
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"window_duration": "ten minutes"}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_duration")
}

func TestLoadParsesHandleKeys(t *testing.T) {
	path := writeConfig(t, `{"handles": {"40": "Acc", "42": "Gyro"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, map[byte]string{40: "Acc", 42: "Gyro"}, cfg.Handles)
}

func TestValidateCatchesBadGeometry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero baud rate", func(c *Configuration) { c.BaudRate = 0 }},
		{"zero window duration", func(c *Configuration) { c.WindowDuration = 0 }},
		{"drift out of range", func(c *Configuration) { c.MaxPeriodDrift = 1.5 }},
		{"duplicate sensor", func(c *Configuration) { c.Sensors = append(c.Sensors, c.Sensors[0]) }},
		{"word size too large", func(c *Configuration) { c.Sensors[0].WordSize = 9 }},
		{"zero conversion factor", func(c *Configuration) { c.Sensors[0].ConversionFactor = 0 }},
		{"handle collides with definition type", func(c *Configuration) { c.Handles[c.HandleDefinitionType] = "Mics" }},
		{"handle maps to unknown sensor", func(c *Configuration) { c.Handles[99] = "Ghost" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRebasedHandles(t *testing.T) {
	cfg := Default()
	handles := cfg.RebasedHandles(50)

	for i, s := range cfg.Sensors {
		name, ok := handles[byte(52+2*i)]
		require.True(t, ok)
		assert.Equal(t, s.Name, name)
	}
}

func TestRebasedHandlesStopsAtByteRange(t *testing.T) {
	cfg := Default()
	handles := cfg.RebasedHandles(0xF8)

	// Only three handles fit below 0x100.
	assert.Len(t, handles, 3)
}

func TestActiveSensorsExcludesDisabled(t *testing.T) {
	cfg := Default()
	cfg.Sensors[0].Disabled = true

	active := cfg.ActiveSensors()
	assert.Len(t, active, len(cfg.Sensors)-1)
	for _, s := range active {
		assert.NotEqual(t, cfg.Sensors[0].Name, s.Name)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
