package sources

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// SerialConfig describes how to open a serial port.
type SerialConfig struct {
	Port        string        // Device path (e.g., /dev/ttyUSB0, COM3)
	Baud        int           // Baud rate
	DataBits    int           // Data bits (default 8)
	Parity      string        // "none", "odd", "even", "mark", "space"
	StopBits    string        // "1", "1.5", "2"
	ReadTimeout time.Duration // Poll interval for the read loop
}

// serialPort is the part of serial.Port the source uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type serialOpener func(name string, mode *serial.Mode) (serialPort, error)

func openSerial(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Serial streams bytes from a serial port.
type Serial struct {
	base
	cfg  SerialConfig
	open serialOpener
}

// NewSerial creates a stopped serial source.
func NewSerial(id, label string, cfg SerialConfig) *Serial {
	return &Serial{
		base: newBase(id, label, types.SourceSerial),
		cfg:  cfg,
		open: openSerial,
	}
}

// Configure replaces the port settings. They apply on the next Start.
func (s *Serial) Configure(cfg SerialConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Start opens the port and begins reading.
func (s *Serial) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning() {
		return nil
	}
	if s.cfg.Port == "" {
		return s.failLocked(fmt.Errorf("serial: no port configured"))
	}

	mode, err := s.cfg.mode()
	if err != nil {
		return s.failLocked(err)
	}

	port, err := s.open(s.cfg.Port, mode)
	if err != nil {
		return s.failLocked(fmt.Errorf("serial: open %s: %w", s.cfg.Port, err))
	}

	timeout := s.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return s.failLocked(fmt.Errorf("serial: set read timeout: %w", err))
	}

	s.launchLocked(ctx, port, func(ctx context.Context) error {
		return s.readLoop(ctx, port)
	})

	L_info("serial: port opened", "source", s.id, "port", s.cfg.Port, "baud", mode.BaudRate)
	return nil
}

// mode converts the config into a serial.Mode.
func (c SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToLower(c.Parity) {
	case "", "none", "n":
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "mark", "m":
		mode.Parity = serial.MarkParity
	case "space", "s":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("serial: unknown parity %q", c.Parity)
	}

	switch c.StopBits {
	case "", "1":
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serial: unknown stop bits %q", c.StopBits)
	}

	return mode, nil
}

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name         string `json:"name" yaml:"name"`
	USB          bool   `json:"usb" yaml:"usb"`
	VID          string `json:"vid,omitempty" yaml:"vid,omitempty"`
	PID          string `json:"pid,omitempty" yaml:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty" yaml:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty" yaml:"product,omitempty"`
}

// Ports lists the serial ports present on this machine.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
