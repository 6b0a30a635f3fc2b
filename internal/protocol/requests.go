package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command is one typed ISP request. Each variant knows its wire type and
// builds its own header and payload.
type Command interface {
	Type() MessageType
	Header() []byte
	Payload() []byte
}

// Reset asks the device to restart its application.
type Reset struct{}

func (Reset) Type() MessageType { return TypeResetRequest }
func (Reset) Header() []byte    { return nil }
func (Reset) Payload() []byte   { return nil }

// GetChipID reads the chip and bootloader version.
type GetChipID struct{}

func (GetChipID) Type() MessageType { return TypeGetChipIDRequest }
func (GetChipID) Header() []byte    { return nil }
func (GetChipID) Payload() []byte   { return nil }

// SetBaud changes the bootloader UART speed.
type SetBaud struct {
	Baud uint32
}

func (SetBaud) Type() MessageType { return TypeSetBaudRequest }

// Header encodes the divisor of the bootloader's 1 MHz UART clock, rounded
// to nearest (9 for 115200, 1 for 1000000).
func (c SetBaud) Header() []byte {
	header := make([]byte, 5)
	if c.Baud == 0 {
		return header
	}
	divisor := 1000000 / c.Baud
	if 1000000%c.Baud > c.Baud/2 {
		divisor++
	}
	header[0] = byte(divisor)
	return header
}

func (SetBaud) Payload() []byte { return nil }

// Unlock moves the bootloader out of its locked state. Mode 0 starts the
// sequence without a key, mode 1 presents the key.
type Unlock struct {
	Mode byte
	Key  []byte
}

func (Unlock) Type() MessageType { return TypeUnlockISPRequest }
func (c Unlock) Header() []byte  { return []byte{c.Mode} }
func (c Unlock) Payload() []byte { return c.Key }

// MemOpen opens a memory region with an access mask.
type MemOpen struct {
	Index  MemoryID
	Access MemoryAccess
}

func (MemOpen) Type() MessageType { return TypeMemOpenRequest }
func (c MemOpen) Header() []byte  { return []byte{byte(c.Index), byte(c.Access)} }
func (MemOpen) Payload() []byte   { return nil }

// MemErase erases a range of an open region.
type MemErase struct {
	Index   MemoryID
	Address uint32
	Length  uint32
}

func (MemErase) Type() MessageType { return TypeMemEraseRequest }
func (c MemErase) Header() []byte  { return MemHeader(c.Index, c.Address, c.Length) }
func (MemErase) Payload() []byte   { return nil }

// MemBlankCheck verifies a range of an open region reads as erased.
type MemBlankCheck struct {
	Index   MemoryID
	Address uint32
	Length  uint32
}

func (MemBlankCheck) Type() MessageType { return TypeMemBlankCheckRequest }
func (c MemBlankCheck) Header() []byte  { return MemHeader(c.Index, c.Address, c.Length) }
func (MemBlankCheck) Payload() []byte   { return nil }

// MemRead reads up to Length bytes from an open region.
type MemRead struct {
	Index   MemoryID
	Address uint32
	Length  uint32
}

func (MemRead) Type() MessageType { return TypeMemReadRequest }
func (c MemRead) Header() []byte  { return MemHeader(c.Index, c.Address, c.Length) }
func (MemRead) Payload() []byte   { return nil }

// MemWrite writes Data to an open region.
type MemWrite struct {
	Index   MemoryID
	Address uint32
	Data    []byte
}

func (MemWrite) Type() MessageType { return TypeMemWriteRequest }
func (c MemWrite) Header() []byte  { return MemHeader(c.Index, c.Address, uint32(len(c.Data))) }
func (c MemWrite) Payload() []byte { return c.Data }

// MemClose closes a region.
type MemClose struct {
	Index MemoryID
}

func (MemClose) Type() MessageType { return TypeMemCloseRequest }
func (c MemClose) Header() []byte  { return []byte{byte(c.Index)} }
func (MemClose) Payload() []byte   { return nil }

// MemGetInfo describes a region.
type MemGetInfo struct {
	Index MemoryID
}

func (MemGetInfo) Type() MessageType { return TypeMemGetInfoRequest }
func (c MemGetInfo) Header() []byte  { return []byte{byte(c.Index)} }
func (MemGetInfo) Payload() []byte   { return nil }

// MemHeader creates the 10-byte header shared by erase, blank check, read
// and write. The mode byte is reserved and always zero; address and length
// are little-endian.
func MemHeader(index MemoryID, address, length uint32) []byte {
	header := make([]byte, MemHeaderSize)
	header[0] = byte(index)
	header[1] = 0
	binary.LittleEndian.PutUint32(header[2:6], address)
	binary.LittleEndian.PutUint32(header[6:10], length)
	return header
}

// ParseMemHeader splits a memory operation header.
func ParseMemHeader(header []byte) (MemoryID, uint32, uint32, error) {
	if len(header) != MemHeaderSize {
		return 0, 0, 0, fmt.Errorf("memory header is %d bytes, want %d", len(header), MemHeaderSize)
	}
	return MemoryID(header[0]),
		binary.LittleEndian.Uint32(header[2:6]),
		binary.LittleEndian.Uint32(header[6:10]),
		nil
}

// ChipID holds the get-chip-id response.
type ChipID struct {
	ID                uint32
	BootloaderVersion uint32
}

// ParseChipID parses a 4-byte (chip id) or 8-byte (chip id and bootloader
// version) response payload. Both fields are big-endian.
func ParseChipID(data []byte) (*ChipID, error) {
	if len(data) != 4 && len(data) != 8 {
		return nil, fmt.Errorf("chip id response is %d bytes, want 4 or 8", len(data))
	}
	id := &ChipID{ID: binary.BigEndian.Uint32(data[0:4])}
	if len(data) == 8 {
		id.BootloaderVersion = binary.BigEndian.Uint32(data[4:8])
	}
	return id, nil
}

// MemoryInfo describes one addressable memory region of the target.
type MemoryInfo struct {
	Index       MemoryID
	BaseAddress uint32
	Size        uint32
	BlockSize   uint32
	Type        MemoryType
	Access      MemoryAccess
	Name        string
}

const memoryInfoSize = 15

// ParseMemoryInfo parses a get-info response payload:
// index(1) base(4 LE) size(4 LE) block size(4 LE) type(1) access(1) name.
func ParseMemoryInfo(data []byte) (*MemoryInfo, error) {
	if len(data) < memoryInfoSize {
		return nil, fmt.Errorf("memory info too short: %d bytes, need %d", len(data), memoryInfoSize)
	}
	return &MemoryInfo{
		Index:       MemoryID(data[0]),
		BaseAddress: binary.LittleEndian.Uint32(data[1:5]),
		Size:        binary.LittleEndian.Uint32(data[5:9]),
		BlockSize:   binary.LittleEndian.Uint32(data[9:13]),
		Type:        MemoryType(data[13]),
		Access:      MemoryAccess(data[14]),
		Name:        string(data[memoryInfoSize:]),
	}, nil
}

// Encode serializes the info the way the bootloader sends it.
func (m *MemoryInfo) Encode() []byte {
	data := make([]byte, memoryInfoSize, memoryInfoSize+len(m.Name))
	data[0] = byte(m.Index)
	binary.LittleEndian.PutUint32(data[1:5], m.BaseAddress)
	binary.LittleEndian.PutUint32(data[5:9], m.Size)
	binary.LittleEndian.PutUint32(data[9:13], m.BlockSize)
	data[13] = byte(m.Type)
	data[14] = byte(m.Access)
	return append(data, m.Name...)
}

func (m *MemoryInfo) String() string {
	size := m.Size
	unit := "b"
	if size > 1024 {
		size /= 1024
		unit = "Kb"
	}
	return fmt.Sprintf("%d '%s' base 0x%08X length %d%s block %db", m.Index, m.Name, m.BaseAddress, size, unit, m.BlockSize)
}
