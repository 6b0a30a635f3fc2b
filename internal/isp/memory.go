package isp

import (
	"errors"
	"fmt"

	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// Unlock sends an unlock request. Mode 0 starts the sequence, mode 1
// presents key.
func (s *Session) Unlock(mode byte, key []byte) error {
	return s.call("Unlock", protocol.Unlock{Mode: mode, Key: key})
}

// ChipID reads the chip id and, when the bootloader reports it, its
// version.
func (s *Session) ChipID() (*protocol.ChipID, error) {
	return exchange(s, "Get Device Info", protocol.GetChipID{}, func(r *protocol.Response) (*protocol.ChipID, error) {
		return protocol.ParseChipID(r.Payload)
	})
}

// SetBaudRate switches the bootloader UART speed, then the host side when
// the transport supports it. Connect brings the host back to its original
// speed.
func (s *Session) SetBaudRate(baud uint32) error {
	if err := s.call("Set Baud Rate", protocol.SetBaud{Baud: baud}); err != nil {
		return err
	}

	sw, ok := s.transport.(baudSwitcher)
	if !ok {
		return nil
	}
	current := sw.BaudRate()
	if current == int(baud) {
		return nil
	}
	if err := sw.SetBaudRate(int(baud)); err != nil {
		return &OpError{Op: "Set Baud Rate", Status: StatusCommsFailed, Err: err}
	}
	if s.bootBaud == 0 {
		s.bootBaud = current
	}
	s.log.Infof("Switched to %d baud", baud)
	return nil
}

// Reset restarts the device.
func (s *Session) Reset() error {
	return s.call("Reset", protocol.Reset{})
}

// MemOpen opens a memory region with the given access mask.
func (s *Session) MemOpen(index protocol.MemoryID, access protocol.MemoryAccess) error {
	return s.call("Open Memory", protocol.MemOpen{Index: index, Access: access})
}

// MemInfo describes a memory region.
func (s *Session) MemInfo(index protocol.MemoryID) (*protocol.MemoryInfo, error) {
	info, err := exchange(s, "Get Memory Info", protocol.MemGetInfo{Index: index}, func(r *protocol.Response) (*protocol.MemoryInfo, error) {
		return protocol.ParseMemoryInfo(r.Payload)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Memory %s", info)
	return info, nil
}

// MemErase erases length bytes at address of an open region.
func (s *Session) MemErase(index protocol.MemoryID, address, length uint32) error {
	return s.call("Erase Memory", protocol.MemErase{Index: index, Address: address, Length: length})
}

// MemBlankCheck checks that length bytes at address of an open region are
// erased.
func (s *Session) MemBlankCheck(index protocol.MemoryID, address, length uint32) error {
	return s.call("Blank Check Memory", protocol.MemBlankCheck{Index: index, Address: address, Length: length})
}

// MemRead reads up to length bytes at address of an open region. The
// device may return fewer bytes than asked for, but never none.
func (s *Session) MemRead(index protocol.MemoryID, address, length uint32) ([]byte, error) {
	data, err := exchange(s, "Read Memory", protocol.MemRead{Index: index, Address: address, Length: length}, func(r *protocol.Response) ([]byte, error) {
		return r.Payload, nil
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		s.log.Errorf("Read Memory at 0x%08X returned no data", address)
		return nil, &OpError{Op: "Read Memory", Status: StatusErrorReading, Err: fmt.Errorf("no data at 0x%08X", address)}
	}
	return data, nil
}

// MemWrite writes data at address of an open region.
func (s *Session) MemWrite(index protocol.MemoryID, address uint32, data []byte) error {
	if data == nil {
		return &OpError{Op: "Write Memory", Status: StatusBadParameter, Err: errors.New("no data")}
	}
	return s.call("Write Memory", protocol.MemWrite{Index: index, Address: address, Data: data})
}

// MemClose closes a memory region.
func (s *Session) MemClose(index protocol.MemoryID) error {
	return s.call("Close Memory", protocol.MemClose{Index: index})
}
