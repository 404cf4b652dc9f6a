// Package serialport owns the physical link to the sensor base station:
// opening the port at the configured rate and writing command strings
// onto the shared command channel.
package serialport

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/monitoring"
)

// Open opens the serial device for the configured link: 8 data bits, no
// parity, one stop bit at the configuration's baud rate.
func Open(device string, cfg config.Configuration) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	monitoring.Logf("serial: opened %s at %d baud", device, cfg.BaudRate)
	return port, nil
}

// ListPorts returns the serial devices present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// CommandSender serialises writes onto the command channel. Sensor data
// and commands share the physical link, so concurrent writers must not
// interleave bytes.
type CommandSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewCommandSender wraps a writer, normally the open serial port.
func NewCommandSender(w io.Writer) *CommandSender {
	return &CommandSender{w: w}
}

// Send writes one newline-terminated command.
func (c *CommandSender) Send(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command %q: %w", command, err)
	}
	monitoring.Logf("serial: sent command %q", command)
	return nil
}
