package protocol

import "time"

// Frame limits
const (
	MaxFrameSize   = 1024
	MaxPayloadSize = 65530
	MaxHeaderSize  = 18
	HashSize       = 32
	CRCSize        = 4

	// LengthPrefixSize is the number of leading bytes needed to learn the
	// total frame length (flags + length).
	LengthPrefixSize = 3

	// ResponseOverhead is flags, length, type, status and CRC.
	ResponseOverhead = 9

	// RequestOverhead is flags, length, type and CRC.
	RequestOverhead = 8

	// MemHeaderSize is index, mode, address and length of a memory operation.
	MemHeaderSize = 10

	// FlagHash marks frames that carry a 32-byte hash block before the CRC.
	FlagHash = 1 << 2
)

// K32W061 flash parameters
const (
	FlashSectorSize = 512
	FlashSize       = 0x9DE00
	FirmwareCRCSize = 4
)

// Bootloader timing
const (
	DefaultBaudRate      = 115200
	DefaultResetDelay    = 2000 * time.Millisecond
	DefaultResponseDelay = 50 * time.Millisecond
	DefaultReadTimeout   = 1000 * time.Millisecond
	DefaultPollInterval  = 10 * time.Millisecond
)

// MaxISPBaudRate is the bootloader's 1 MHz UART clock with a divisor of 1.
const MaxISPBaudRate = 1000000

// Unlock modes
const (
	UnlockModeStart = 0
	UnlockModeKey   = 1
)

// DefaultUnlockKey is the ISP unlock key of an unprovisioned K32W0.
var DefaultUnlockKey = []byte{
	0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
}

// CRCOffset returns the distance from the end of an image of imageLen bytes
// to the slot holding its CRC-32. The slot always starts on the next sector
// boundary, a full sector away when the image already ends on one.
func CRCOffset(imageLen int) int {
	return FlashSectorSize - imageLen%FlashSectorSize
}
