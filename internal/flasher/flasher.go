package flasher

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/k32w-flasher/internal/isp"
	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Flasher runs the flashing procedures of a K32W0 over an ISP session.
type Flasher struct {
	session   *isp.Session
	progress  ProgressCallback
	log       *logrus.Entry
	unlockKey []byte
	flashSize uint32
	ispBaud   uint32
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithUnlockKey sets the key presented to the bootloader.
func WithUnlockKey(key []byte) Option {
	return func(f *Flasher) { f.unlockKey = key }
}

// WithFlashSize sets the size erased by EraseAll.
func WithFlashSize(size uint32) Option {
	return func(f *Flasher) { f.flashSize = size }
}

// WithISPBaud sets the UART speed switched to once the bootloader is
// unlocked. Zero keeps the connection speed.
func WithISPBaud(baud uint32) Option {
	return func(f *Flasher) { f.ispBaud = baud }
}

// WithLogger sets the log entry the flasher logs through.
func WithLogger(l *logrus.Entry) Option {
	return func(f *Flasher) { f.log = l }
}

// New creates a new Flasher for the given session.
func New(session *isp.Session, opts ...Option) *Flasher {
	f := &Flasher{
		session:   session,
		log:       logrus.WithField("component", "flasher"),
		unlockKey: protocol.DefaultUnlockKey,
		flashSize: protocol.FlashSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect resets the device into its bootloader.
func (f *Flasher) Connect() error {
	return f.session.Connect()
}

// Unlock unlocks the bootloader and returns the chip id read on the way.
func (f *Flasher) Unlock() (*protocol.ChipID, error) {
	if err := f.session.Unlock(protocol.UnlockModeStart, nil); err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}

	id, err := f.session.ChipID()
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	f.log.Infof("Chip ID 0x%08X, bootloader version 0x%08X", id.ID, id.BootloaderVersion)

	if err := f.session.Unlock(protocol.UnlockModeKey, f.unlockKey); err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}

	if f.ispBaud != 0 {
		if err := f.session.SetBaudRate(f.ispBaud); err != nil {
			return nil, fmt.Errorf("unlock: %w", err)
		}
	}
	return id, nil
}

// withRegion opens a region, runs fn and closes the region again whatever
// fn returned. A close failure is only returned when fn succeeded.
func (f *Flasher) withRegion(index protocol.MemoryID, access protocol.MemoryAccess, fn func() error) error {
	if err := f.session.MemOpen(index, access); err != nil {
		return err
	}

	err := fn()
	if cerr := f.session.MemClose(index); cerr != nil {
		if err == nil {
			return cerr
		}
		f.log.WithError(cerr).Warn("Failed to close memory")
	}
	return err
}

// EraseAll erases and blank checks the whole flash.
func (f *Flasher) EraseAll() error {
	f.log.Infof("Erasing %d bytes of flash", f.flashSize)
	err := f.withRegion(protocol.MemoryFlash, protocol.AccessErase|protocol.AccessBlankCheck, func() error {
		if err := f.session.MemErase(protocol.MemoryFlash, 0, f.flashSize); err != nil {
			return err
		}
		return f.session.MemBlankCheck(protocol.MemoryFlash, 0, f.flashSize)
	})
	if err != nil {
		return fmt.Errorf("erase all: %w", err)
	}
	f.log.Info("Flash erased")
	return nil
}

// checkRange fails with StatusIncompatible when length bytes at offset do
// not fit in the region.
func checkRange(op string, info *protocol.MemoryInfo, offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(info.Size) {
		return &isp.OpError{
			Op:     op,
			Status: isp.StatusIncompatible,
			Err:    fmt.Errorf("%d bytes at offset 0x%X exceed %s size 0x%X", length, offset, info.Name, info.Size),
		}
	}
	return nil
}

// writeChunks writes data at address in sector sized pieces.
func (f *Flasher) writeChunks(address uint32, data []byte) error {
	total := (len(data) + protocol.FlashSectorSize - 1) / protocol.FlashSectorSize
	for i := 0; i < total; i++ {
		start := i * protocol.FlashSectorSize
		end := start + protocol.FlashSectorSize
		if end > len(data) {
			end = len(data)
		}

		if err := f.session.MemWrite(protocol.MemoryFlash, address+uint32(start), data[start:end]); err != nil {
			return fmt.Errorf("chunk %d at 0x%08X: %w", i, address+uint32(start), err)
		}

		f.reportProgress(i+1, total)
	}
	return nil
}

// Program writes image at offset into the flash region.
func (f *Flasher) Program(image []byte, offset uint32) error {
	return f.program(image, offset, false)
}

// ProgramWithCRC writes image at offset followed by its big-endian CRC-32
// at the start of the next sector, or one full sector after the image when
// it ends on a sector boundary.
func (f *Flasher) ProgramWithCRC(image []byte, offset uint32) error {
	return f.program(image, offset, true)
}

func (f *Flasher) program(image []byte, offset uint32, withCRC bool) error {
	info, err := f.session.MemInfo(protocol.MemoryFlash)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}

	if err := checkRange("Program", info, offset, uint32(len(image))); err != nil {
		return fmt.Errorf("program: %w", err)
	}

	crcOffset := offset + uint32(len(image)) + uint32(protocol.CRCOffset(len(image)))
	if withCRC {
		if err := checkRange("Program", info, crcOffset, protocol.FirmwareCRCSize); err != nil {
			return fmt.Errorf("program: %w", err)
		}
	}

	f.log.Infof("Programming %s with %d bytes at offset 0x%X", info.Name, len(image), offset)
	err = f.withRegion(protocol.MemoryFlash, protocol.AccessWrite, func() error {
		if err := f.writeChunks(info.BaseAddress+offset, image); err != nil {
			return err
		}
		if !withCRC {
			return nil
		}

		crc := make([]byte, protocol.FirmwareCRCSize)
		binary.BigEndian.PutUint32(crc, protocol.CRC32(image))
		f.log.Debugf("Writing CRC %X at offset 0x%X", crc, crcOffset)
		return f.session.MemWrite(protocol.MemoryFlash, info.BaseAddress+crcOffset, crc)
	})
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}

	f.log.Info("Memory written successfully")
	return nil
}

// ProgramFirmware unlocks, erases and programs the device, then resets it.
// An empty image is a no-op.
func (f *Flasher) ProgramFirmware(image []byte, withCRC bool) error {
	if len(image) == 0 {
		f.log.Info("Empty image, nothing to program")
		return nil
	}

	if _, err := f.Unlock(); err != nil {
		return err
	}
	if err := f.EraseAll(); err != nil {
		return err
	}

	program := f.Program
	if withCRC {
		program = f.ProgramWithCRC
	}
	if err := program(image, 0); err != nil {
		return err
	}

	return f.Reset()
}

// Reset restarts the device.
func (f *Flasher) Reset() error {
	if err := f.session.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// ReadRange unlocks the device and reads length bytes at offset of the
// flash region. Fewer bytes are returned when the device stops early.
func (f *Flasher) ReadRange(offset, length uint32) ([]byte, error) {
	if _, err := f.Unlock(); err != nil {
		return nil, err
	}

	info, err := f.session.MemInfo(protocol.MemoryFlash)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := checkRange("Read", info, offset, length); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	data := make([]byte, 0, length)
	err = f.withRegion(protocol.MemoryFlash, protocol.AccessRead, func() error {
		for uint32(len(data)) < length {
			want := min(length-uint32(len(data)), protocol.FlashSectorSize)
			chunk, err := f.session.MemRead(protocol.MemoryFlash, info.BaseAddress+offset+uint32(len(data)), want)
			if err != nil {
				return err
			}
			data = append(data, chunk...)
			if uint32(len(chunk)) < want {
				f.log.Debugf("Short read: %d of %d bytes", len(chunk), want)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// ReadMemory reads length bytes at offset of the flash.
func (f *Flasher) ReadMemory(offset, length uint32) ([]byte, error) {
	return f.ReadRange(offset, length)
}

// ErrCRCMismatch is returned by VerifyCRC when the stored CRC differs.
var ErrCRCMismatch = errors.New("firmware CRC mismatch")

// CheckCRC reports whether the CRC stored after image on the device matches
// the CRC of image.
func (f *Flasher) CheckCRC(image []byte) (bool, error) {
	expected := protocol.CRC32(image)
	offset := uint32(len(image) + protocol.CRCOffset(len(image)))

	data, err := f.ReadRange(offset, protocol.FirmwareCRCSize)
	if err != nil {
		return false, err
	}
	if len(data) < protocol.FirmwareCRCSize {
		return false, &isp.OpError{
			Op:     "Check CRC",
			Status: isp.StatusErrorReading,
			Err:    fmt.Errorf("got %d of %d CRC bytes", len(data), protocol.FirmwareCRCSize),
		}
	}

	stored := binary.BigEndian.Uint32(data)
	f.log.Infof("Image CRC 0x%08X, stored CRC 0x%08X", expected, stored)
	return stored == expected, nil
}

// VerifyCRC is CheckCRC returning ErrCRCMismatch, wrapped with
// isp.StatusVerificationFailed, when the CRCs differ.
func (f *Flasher) VerifyCRC(image []byte) error {
	ok, err := f.CheckCRC(image)
	if err != nil {
		return err
	}
	if !ok {
		return &isp.OpError{Op: "Verify CRC", Status: isp.StatusVerificationFailed, Err: ErrCRCMismatch}
	}
	return nil
}

// RunOTWUpdate resets the device into its bootloader and programs image,
// with its CRC, unless the device already holds it.
func (f *Flasher) RunOTWUpdate(image []byte) error {
	if err := f.Connect(); err != nil {
		return err
	}

	ok, err := f.CheckCRC(image)
	switch {
	case err != nil:
		f.log.WithError(err).Warn("Could not read stored CRC, programming")
	case ok:
		f.log.Info("Firmware is up to date")
		return nil
	default:
		f.log.Info("Firmware CRC differs, programming")
	}

	return f.ProgramFirmware(image, true)
}
