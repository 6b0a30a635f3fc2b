package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrWriteFailed is returned when a frame could not be fully written.
var ErrWriteFailed = errors.New("serial write failed")

// readTimeout is the per-call read timeout. The ISP session polls on top
// of it, so it stays short.
const readTimeout = 10 * time.Millisecond

// resetHold is how long each reset line state is held.
const resetHold = 10 * time.Millisecond

// device is the part of serial.Port the flasher drives.
type device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetMode(mode *serial.Mode) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	Close() error
}

// Port wraps a serial port connected to the K32W0 UART and its reset lines.
type Port struct {
	port     device
	portName string
	baudRate int
	sleep    func(time.Duration)
}

// Open opens a serial port with the specified baud rate (8N1).
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
		sleep:    time.Sleep,
	}, nil
}

// SetSleep replaces the delay function used between reset line changes.
func (p *Port) SetSleep(sleep func(time.Duration)) {
	p.sleep = sleep
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes the whole frame, retrying on partial writes.
func (p *Port) Write(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := p.port.Write(data[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		if n == 0 {
			return written, fmt.Errorf("%w: %d of %d bytes", ErrWriteFailed, written, len(data))
		}
	}
	return written, nil
}

// Read returns whatever arrived within the short read timeout, possibly
// nothing.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetBaudRate changes the host side UART speed.
func (p *Port) SetBaudRate(baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baudRate, err)
	}
	p.baudRate = baudRate
	return nil
}

// ResetTarget restarts the K32W0 with its boot-mode pin held low so that
// it comes up in the ISP bootloader.
//
// RTS drives RSTN and DTR drives DIO5 through the usual inverting
// transistors, so asserting a signal pulls its line low.
func (p *Port) ResetTarget() error {
	// Step 1: reset low, DIO5 low
	if err := p.port.SetRTS(true); err != nil {
		return fmt.Errorf("failed to assert reset: %w", err)
	}
	if err := p.port.SetDTR(true); err != nil {
		return fmt.Errorf("failed to assert boot mode: %w", err)
	}
	p.sleep(resetHold)

	// Step 2: release reset, the ROM samples DIO5
	if err := p.port.SetRTS(false); err != nil {
		return fmt.Errorf("failed to release reset: %w", err)
	}
	p.sleep(resetHold)

	// Step 3: release DIO5
	if err := p.port.SetDTR(false); err != nil {
		return fmt.Errorf("failed to release boot mode: %w", err)
	}

	// Drop any garbage printed during reset
	return p.Flush()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

func (i PortInfo) String() string {
	if !i.IsUSB {
		return i.Name
	}
	s := fmt.Sprintf("%s (USB %s:%s", i.Name, i.VID, i.PID)
	if i.Product != "" {
		s += " " + i.Product
	}
	if i.SerialNumber != "" {
		s += " serial " + i.SerialNumber
	}
	return s + ")"
}

// ListPorts returns the serial ports available on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Fall back to names only
		names, listErr := serial.GetPortsList()
		if listErr != nil {
			return nil, listErr
		}
		ports := make([]PortInfo, 0, len(names))
		for _, name := range names {
			ports = append(ports, PortInfo{Name: name})
		}
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
