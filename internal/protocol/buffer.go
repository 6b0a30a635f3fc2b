package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame would reach MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Buffer builds a frame. It never grows past its limit; a put that would
// overflow leaves the buffer unchanged and returns ErrFrameTooLarge.
type Buffer struct {
	data  []byte
	limit int
}

// NewBuffer returns an empty buffer holding at most MaxFrameSize-1 bytes.
func NewBuffer() *Buffer {
	return NewBufferLimit(MaxFrameSize - 1)
}

// NewBufferLimit returns an empty buffer holding at most limit bytes.
func NewBufferLimit(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) reserve(n int) error {
	if len(b.data)+n > b.limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, len(b.data)+n, b.limit)
	}
	return nil
}

// PutU8 appends one byte.
func (b *Buffer) PutU8(v byte) error {
	if err := b.reserve(1); err != nil {
		return err
	}
	b.data = append(b.data, v)
	return nil
}

// PutU16BE appends v in big-endian order.
func (b *Buffer) PutU16BE(v uint16) error {
	if err := b.reserve(2); err != nil {
		return err
	}
	b.data = binary.BigEndian.AppendUint16(b.data, v)
	return nil
}

// PutU32BE appends v in big-endian order.
func (b *Buffer) PutU32BE(v uint32) error {
	if err := b.reserve(4); err != nil {
		return err
	}
	b.data = binary.BigEndian.AppendUint32(b.data, v)
	return nil
}

// PutU32LE appends v in little-endian order.
func (b *Buffer) PutU32LE(v uint32) error {
	if err := b.reserve(4); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	return nil
}

// PutBytes appends p.
func (b *Buffer) PutBytes(p []byte) error {
	if err := b.reserve(len(p)); err != nil {
		return err
	}
	b.data = append(b.data, p...)
	return nil
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the written bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}
