package detect

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/k32w-flasher/internal/isp"
	"github.com/bigbag/k32w-flasher/internal/protocol"
	"github.com/bigbag/k32w-flasher/internal/serial"
)

var log = logrus.WithField("component", "detect")

// Result represents a K32W0 found in ISP mode.
type Result struct {
	Port              string
	ChipID            uint32
	BootloaderVersion uint32
	Flash             *protocol.MemoryInfo
}

// Probe resets the device into its bootloader, reads its chip id and
// describes its flash. Probing never writes to the device's memory.
func Probe(s *isp.Session) (*Result, error) {
	if err := s.Connect(); err != nil {
		return nil, err
	}
	if err := s.Unlock(protocol.UnlockModeStart, nil); err != nil {
		return nil, fmt.Errorf("no ISP bootloader: %w", err)
	}

	id, err := s.ChipID()
	if err != nil {
		return nil, fmt.Errorf("failed to read chip id: %w", err)
	}
	result := &Result{ChipID: id.ID, BootloaderVersion: id.BootloaderVersion}

	// Flash info needs the full unlock; a device with a custom key still
	// counts as detected.
	if err := s.Unlock(protocol.UnlockModeKey, protocol.DefaultUnlockKey); err != nil {
		log.WithError(err).Debug("Default key rejected")
		return result, nil
	}
	if info, err := s.MemInfo(protocol.MemoryFlash); err == nil {
		result.Flash = info
	}
	return result, nil
}

// DetectDevice tries to detect a K32W0 on available ports.
// Returns the first device found, or an error.
func DetectDevice(baudRate int, opts ...isp.Option) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := tryPort(p.Name, baudRate, opts)
		if err != nil {
			log.WithError(err).Debugf("No device on %s", p.Name)
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no K32W0 device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no K32W0 device found")
}

// DetectOnPort tries to detect a K32W0 on a specific port.
func DetectOnPort(portName string, baudRate int, opts ...isp.Option) (*Result, error) {
	return tryPort(portName, baudRate, opts)
}

// ListDevices scans all ports and returns all detected devices.
func ListDevices(baudRate int, opts ...isp.Option) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, p := range ports {
		result, err := tryPort(p.Name, baudRate, opts)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(portName string, baudRate int, opts []isp.Option) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	opts = append([]isp.Option{isp.WithLogger(log.WithField("port", portName))}, opts...)
	s, err := isp.NewSession(port, opts...)
	if err != nil {
		return nil, err
	}

	result, err := Probe(s)
	if err != nil {
		return nil, err
	}
	result.Port = portName
	return result, nil
}
