package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Request represents a K32W0 ISP request frame.
type Request struct {
	Flags   byte
	Type    MessageType
	Header  []byte
	Payload []byte
	Hash    []byte
}

// Response represents a K32W0 ISP response frame.
type Response struct {
	Flags   byte
	Type    MessageType
	Status  ResponseStatus
	Payload []byte
	Hash    []byte
}

// NewRequest builds the request frame for a command.
func NewRequest(cmd Command) *Request {
	return &Request{
		Type:    cmd.Type(),
		Header:  cmd.Header(),
		Payload: cmd.Payload(),
	}
}

// CRC32 computes the frame and image checksum. The bootloader uses the
// reflected CRC-32 (polynomial 0x04C11DB7, seed and XOR-out 0xFFFFFFFF, LSB
// byte first), which is the IEEE table of hash/crc32.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Encode serializes the request to bytes.
func (r *Request) Encode() ([]byte, error) {
	// Packet format:
	// 0: flags (bit 2 = hash block present)
	// 1-2: total length including CRC (big-endian)
	// 3: message type
	// 4+: header, payload, optional 32-byte hash
	// last 4: CRC32 (big-endian)

	if len(r.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d: %w", len(r.Payload), MaxPayloadSize, ResponseBadState)
	}
	if len(r.Header) > MaxHeaderSize {
		return nil, fmt.Errorf("header of %d bytes exceeds %d: %w", len(r.Header), MaxHeaderSize, ResponseBadState)
	}
	flags, err := hashFlags(r.Flags, r.Hash)
	if err != nil {
		return nil, err
	}
	return encodeFrame(flags, r.Type, r.Header, r.Payload, r.Hash)
}

// Encode serializes the response to bytes. The bootloader is the only real
// producer of responses; this is used to simulate one.
func (r *Response) Encode() ([]byte, error) {
	flags, err := hashFlags(r.Flags, r.Hash)
	if err != nil {
		return nil, err
	}
	return encodeFrame(flags, r.Type, []byte{byte(r.Status)}, r.Payload, r.Hash)
}

func hashFlags(flags byte, hash []byte) (byte, error) {
	flags &^= FlagHash
	if hash == nil {
		return flags, nil
	}
	if len(hash) != HashSize {
		return 0, fmt.Errorf("hash must be %d bytes, got %d: %w", HashSize, len(hash), ResponseBadState)
	}
	return flags | FlagHash, nil
}

func encodeFrame(flags byte, typ MessageType, parts ...[]byte) ([]byte, error) {
	length := RequestOverhead
	for _, p := range parts {
		length += len(p)
	}
	if length >= MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes: %w", ResponseBadState, length, ErrFrameTooLarge)
	}

	buf := NewBuffer()
	if err := buf.PutU8(flags); err != nil {
		return nil, err
	}
	if err := buf.PutU16BE(uint16(length)); err != nil {
		return nil, err
	}
	if err := buf.PutU8(byte(typ)); err != nil {
		return nil, err
	}
	for _, p := range parts {
		if err := buf.PutBytes(p); err != nil {
			return nil, err
		}
	}
	if err := buf.PutU32BE(CRC32(buf.Bytes())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameLength returns the total frame length declared by the first three
// bytes of a frame.
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < LengthPrefixSize {
		return 0, ResponseNoResponse
	}
	return int(binary.BigEndian.Uint16(prefix[1:3])), nil
}

// checkFrame validates length and CRC and returns the flags, type and the
// bytes between the type and the CRC (or hash block).
func checkFrame(data []byte, minLen int) (byte, MessageType, []byte, []byte, error) {
	length, err := FrameLength(data)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	if length >= MaxFrameSize {
		return 0, 0, nil, nil, fmt.Errorf("declared length %d exceeds %d: %w", length, MaxFrameSize-1, ResponseBadState)
	}
	if len(data) < length {
		return 0, 0, nil, nil, fmt.Errorf("frame truncated: %d of %d bytes: %w", len(data), length, ResponseNoResponse)
	}
	if length < minLen {
		return 0, 0, nil, nil, fmt.Errorf("declared length %d below minimum %d: %w", length, minLen, ResponseBadState)
	}
	data = data[:length]

	expected := CRC32(data[:length-CRCSize])
	received := binary.BigEndian.Uint32(data[length-CRCSize:])
	if expected != received {
		return 0, 0, nil, nil, fmt.Errorf("crc 0x%08X, calculated 0x%08X: %w", received, expected, ResponseCRCError)
	}

	flags := data[0]
	body := data[LengthPrefixSize+1 : length-CRCSize]
	var hash []byte
	if flags&FlagHash != 0 {
		if len(body) < HashSize {
			return 0, 0, nil, nil, fmt.Errorf("hash flag set on %d byte body: %w", len(body), ResponseBadState)
		}
		hash = clone(body[len(body)-HashSize:])
		body = body[:len(body)-HashSize]
	}
	return flags, MessageType(data[3]), body, hash, nil
}

// DecodeResponse parses and validates a response frame.
func DecodeResponse(data []byte) (*Response, error) {
	flags, typ, body, hash, err := checkFrame(data, ResponseOverhead)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("response without status: %w", ResponseBadState)
	}
	return &Response{
		Flags:   flags,
		Type:    typ,
		Status:  ResponseStatus(body[0]),
		Payload: clone(body[1:]),
		Hash:    hash,
	}, nil
}

// DecodeRequest parses and validates a request frame. The header is split
// from the payload using the fixed header size of the request type.
func DecodeRequest(data []byte) (*Request, error) {
	flags, typ, body, hash, err := checkFrame(data, RequestOverhead)
	if err != nil {
		return nil, err
	}
	headerLen := HeaderLen(typ)
	if headerLen > len(body) {
		return nil, fmt.Errorf("%s needs a %d byte header, got %d bytes: %w", typ, headerLen, len(body), ResponseBadState)
	}
	return &Request{
		Flags:   flags,
		Type:    typ,
		Header:  clone(body[:headerLen]),
		Payload: clone(body[headerLen:]),
		Hash:    hash,
	}, nil
}

// IsSuccess returns true if the device reported success.
func (r *Response) IsSuccess() bool {
	return r.Status == ResponseOK
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X (%s)", byte(r.Status), ErrorMessage(r.Status))
}

func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}
