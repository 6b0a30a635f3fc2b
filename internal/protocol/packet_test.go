package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestCRC32_CheckValue(t *testing.T) {
	if got := CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("CRC32(\"123456789\") = 0x%08X, want 0xCBF43926", got)
	}
}

func TestCRC32_Empty(t *testing.T) {
	if got := CRC32(nil); got != 0 {
		t.Errorf("CRC32(nil) = 0x%08X, want 0", got)
	}
}

func TestRequest_Encode_Reset(t *testing.T) {
	encoded, err := NewRequest(Reset{}).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	expected := []byte{0x00, 0x00, 0x08, 0x14, 0xF3, 0x47, 0x81, 0x69}
	if !bytes.Equal(encoded, expected) {
		t.Errorf("Encode() = % X, want % X", encoded, expected)
	}
}

func TestRequest_Encode_Format(t *testing.T) {
	req := NewRequest(MemWrite{Index: MemoryFlash, Address: 0x1000, Data: []byte{0xAA, 0xBB}})
	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Format: flags(1) + length(2) + type(1) + header(10) + data(2) + crc(4)
	expectedLen := 8 + MemHeaderSize + 2
	if len(encoded) != expectedLen {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), expectedLen)
	}

	if encoded[0] != 0 {
		t.Errorf("Encode()[0] flags = 0x%02X, want 0x00", encoded[0])
	}

	length := binary.BigEndian.Uint16(encoded[1:3])
	if int(length) != expectedLen {
		t.Errorf("Encode() length field = %d, want %d", length, expectedLen)
	}

	if MessageType(encoded[3]) != TypeMemWriteRequest {
		t.Errorf("Encode()[3] type = 0x%02X, want 0x%02X", encoded[3], TypeMemWriteRequest)
	}

	address := binary.LittleEndian.Uint32(encoded[6:10])
	if address != 0x1000 {
		t.Errorf("Encode() address = 0x%X, want 0x1000", address)
	}

	dataLen := binary.LittleEndian.Uint32(encoded[10:14])
	if dataLen != 2 {
		t.Errorf("Encode() data length = %d, want 2", dataLen)
	}

	if !bytes.Equal(encoded[14:16], []byte{0xAA, 0xBB}) {
		t.Errorf("Encode() data = % X, want AA BB", encoded[14:16])
	}

	crc := binary.BigEndian.Uint32(encoded[16:])
	if crc != CRC32(encoded[:16]) {
		t.Errorf("Encode() crc = 0x%08X, want 0x%08X", crc, CRC32(encoded[:16]))
	}
}

func TestRequest_Encode_Hash(t *testing.T) {
	hash := make([]byte, HashSize)
	for i := range hash {
		hash[i] = byte(i)
	}
	req := &Request{Type: TypeResetRequest, Hash: hash}

	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if encoded[0]&FlagHash == 0 {
		t.Errorf("Encode() flags = 0x%02X, want hash bit set", encoded[0])
	}
	if len(encoded) != RequestOverhead+HashSize {
		t.Errorf("Encode() length = %d, want %d", len(encoded), RequestOverhead+HashSize)
	}
	if !bytes.Equal(encoded[4:4+HashSize], hash) {
		t.Errorf("Encode() hash = % X, want % X", encoded[4:4+HashSize], hash)
	}
}

func TestRequest_Encode_BadHash(t *testing.T) {
	req := &Request{Type: TypeResetRequest, Hash: []byte{1, 2, 3}}
	if _, err := req.Encode(); !errors.Is(err, ResponseBadState) {
		t.Errorf("Encode() error = %v, want bad state", err)
	}
}

func TestRequest_Encode_PayloadTooLong(t *testing.T) {
	req := &Request{Type: TypeMemWriteRequest, Payload: make([]byte, MaxPayloadSize+1)}
	_, err := req.Encode()
	if !errors.Is(err, ResponseBadState) {
		t.Errorf("Encode() error = %v, want bad state", err)
	}
}

func TestRequest_Encode_HeaderTooLong(t *testing.T) {
	req := &Request{Type: TypeMemOpenRequest, Header: make([]byte, MaxHeaderSize+1)}
	if _, err := req.Encode(); !errors.Is(err, ResponseBadState) {
		t.Errorf("Encode() error = %v, want bad state", err)
	}
}

func TestRequest_Encode_FrameTooLarge(t *testing.T) {
	// 8 + 10 + 1006 = 1024 reaches the frame limit
	req := NewRequest(MemWrite{Data: make([]byte, 1006)})
	_, err := req.Encode()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode() error = %v, want ErrFrameTooLarge", err)
	}
	if !errors.Is(err, ResponseBadState) {
		t.Errorf("Encode() error = %v, want bad state", err)
	}

	// one byte less fits
	req = NewRequest(MemWrite{Data: make([]byte, 1005)})
	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(encoded) != MaxFrameSize-1 {
		t.Errorf("Encode() length = %d, want %d", len(encoded), MaxFrameSize-1)
	}
}

func TestDecodeResponse_Valid(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x09, 0x15, 0x00, 0xFE, 0x46, 0x2A, 0x86}

	decoded, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if decoded.Type != TypeResetResponse {
		t.Errorf("DecodeResponse Type = %v, want %v", decoded.Type, TypeResetResponse)
	}
	if decoded.Status != ResponseOK {
		t.Errorf("DecodeResponse Status = 0x%02X, want 0x00", decoded.Status)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("DecodeResponse Payload = % X, want empty", decoded.Payload)
	}
}

func TestDecodeResponse_WithData(t *testing.T) {
	extra := []byte{0xAA, 0xBB, 0xCC}
	frame, err := (&Response{Type: TypeMemReadResponse, Status: ResponseOK, Payload: extra}).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if !bytes.Equal(decoded.Payload, extra) {
		t.Errorf("DecodeResponse Payload = % X, want % X", decoded.Payload, extra)
	}
	// payload is length minus 9 bytes of overhead
	if len(decoded.Payload) != len(frame)-ResponseOverhead {
		t.Errorf("DecodeResponse payload length = %d, want %d", len(decoded.Payload), len(frame)-ResponseOverhead)
	}
}

func TestDecodeResponse_TooShort(t *testing.T) {
	shortResponses := [][]byte{
		nil,
		{},
		{0x00},
		{0x00, 0x00},
	}

	for _, resp := range shortResponses {
		_, err := DecodeResponse(resp)
		if !errors.Is(err, ResponseNoResponse) {
			t.Errorf("DecodeResponse(% X) error = %v, want no response", resp, err)
		}
	}
}

func TestDecodeResponse_Truncated(t *testing.T) {
	frame, _ := (&Response{Type: TypeMemReadResponse, Payload: []byte{1, 2, 3, 4}}).Encode()

	_, err := DecodeResponse(frame[:len(frame)-1])
	if !errors.Is(err, ResponseNoResponse) {
		t.Errorf("DecodeResponse() error = %v, want no response", err)
	}
}

func TestDecodeResponse_Oversize(t *testing.T) {
	frame := make([]byte, 1100)
	binary.BigEndian.PutUint16(frame[1:3], MaxFrameSize)

	_, err := DecodeResponse(frame)
	if !errors.Is(err, ResponseBadState) {
		t.Errorf("DecodeResponse() error = %v, want bad state", err)
	}
}

func TestDecodeResponse_BelowMinimum(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x05, 0x15, 0x00}

	_, err := DecodeResponse(frame)
	if !errors.Is(err, ResponseBadState) {
		t.Errorf("DecodeResponse() error = %v, want bad state", err)
	}
}

func TestDecodeResponse_CRCMismatch(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x09, 0x15, 0x00, 0xFE, 0x46, 0x2A, 0x87}

	_, err := DecodeResponse(frame)
	if !errors.Is(err, ResponseCRCError) {
		t.Errorf("DecodeResponse() error = %v, want CRC error", err)
	}
}

func TestDecodeResponse_BitFlips(t *testing.T) {
	hash := bytes.Repeat([]byte{0x5A}, HashSize)
	frame, err := (&Response{
		Type:    TypeMemGetInfoResponse,
		Status:  ResponseOK,
		Payload: []byte("payload under test"),
		Hash:    hash,
	}).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	for i := range frame {
		// skip the length field
		if i == 1 || i == 2 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), frame...)
			corrupted[i] ^= 1 << bit

			_, err := DecodeResponse(corrupted)
			if !errors.Is(err, ResponseCRCError) {
				t.Errorf("DecodeResponse() with byte %d bit %d flipped: error = %v, want CRC error", i, bit, err)
			}
		}
	}
}

func TestResponse_RoundTrip(t *testing.T) {
	hash := make([]byte, HashSize)
	for i := range hash {
		hash[i] = byte(0xFF - i)
	}

	tests := []struct {
		name string
		resp Response
	}{
		{"empty", Response{Type: TypeResetResponse}},
		{"status", Response{Type: TypeMemWriteResponse, Status: ResponseWriteFail}},
		{"payload", Response{Type: TypeMemReadResponse, Payload: []byte{1, 2, 3, 4, 5}}},
		{"flags", Response{Flags: 0x01, Type: TypeMemCloseResponse}},
		{"hash", Response{Type: TypeGetChipIDResponse, Payload: []byte{0, 0, 0, 1}, Hash: hash}},
		{"max payload", Response{Type: TypeMemReadResponse, Payload: bytes.Repeat([]byte{0xEE}, MaxFrameSize-1-ResponseOverhead)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := tc.resp.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := DecodeResponse(frame)
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}

			wantFlags := tc.resp.Flags
			if tc.resp.Hash != nil {
				wantFlags |= FlagHash
			}
			if decoded.Flags != wantFlags {
				t.Errorf("Flags = 0x%02X, want 0x%02X", decoded.Flags, wantFlags)
			}
			if decoded.Type != tc.resp.Type {
				t.Errorf("Type = %v, want %v", decoded.Type, tc.resp.Type)
			}
			if decoded.Status != tc.resp.Status {
				t.Errorf("Status = %v, want %v", decoded.Status, tc.resp.Status)
			}
			if !bytes.Equal(decoded.Payload, tc.resp.Payload) {
				t.Errorf("Payload = % X, want % X", decoded.Payload, tc.resp.Payload)
			}
			if !bytes.Equal(decoded.Hash, tc.resp.Hash) {
				t.Errorf("Hash = % X, want % X", decoded.Hash, tc.resp.Hash)
			}
		})
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	commands := []Command{
		Reset{},
		GetChipID{},
		SetBaud{Baud: 1000000},
		Unlock{Mode: UnlockModeStart},
		Unlock{Mode: UnlockModeKey, Key: DefaultUnlockKey},
		MemOpen{Index: MemoryFlash, Access: AccessErase | AccessBlankCheck},
		MemErase{Index: MemoryFlash, Address: 0, Length: FlashSize},
		MemBlankCheck{Index: MemoryFlash, Address: 0, Length: FlashSize},
		MemRead{Index: MemoryFlash, Address: 0x200, Length: 4},
		MemWrite{Index: MemoryFlash, Address: 0x400, Data: bytes.Repeat([]byte{0x42}, FlashSectorSize)},
		MemClose{Index: MemoryFlash},
		MemGetInfo{Index: MemoryFlash},
	}

	for _, cmd := range commands {
		t.Run(cmd.Type().String(), func(t *testing.T) {
			frame, err := NewRequest(cmd).Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := DecodeRequest(frame)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if decoded.Type != cmd.Type() {
				t.Errorf("Type = %v, want %v", decoded.Type, cmd.Type())
			}
			if !bytes.Equal(decoded.Header, cmd.Header()) {
				t.Errorf("Header = % X, want % X", decoded.Header, cmd.Header())
			}
			if !bytes.Equal(decoded.Payload, cmd.Payload()) {
				t.Errorf("Payload = % X, want % X", decoded.Payload, cmd.Payload())
			}
		})
	}
}

func TestFrameLength(t *testing.T) {
	length, err := FrameLength([]byte{0x00, 0x01, 0x02})
	if err != nil {
		t.Fatalf("FrameLength() error = %v", err)
	}
	if length != 0x0102 {
		t.Errorf("FrameLength() = 0x%X, want 0x102", length)
	}

	if _, err := FrameLength([]byte{0x00, 0x01}); !errors.Is(err, ResponseNoResponse) {
		t.Errorf("FrameLength(short) error = %v, want no response", err)
	}
}

func TestResponse_IsSuccess(t *testing.T) {
	tests := []struct {
		status   ResponseStatus
		expected bool
	}{
		{ResponseOK, true},
		{ResponseWriteFail, false},
		{ResponseNotSupported, false},
	}

	for _, tc := range tests {
		resp := &Response{Status: tc.status}
		if resp.IsSuccess() != tc.expected {
			t.Errorf("IsSuccess() with status 0x%02X = %v, want %v", tc.status, resp.IsSuccess(), tc.expected)
		}
	}
}

func TestResponse_ErrorString(t *testing.T) {
	if s := (&Response{}).ErrorString(); s != "" {
		t.Errorf("ErrorString() on success = %q, want empty", s)
	}
	resp := &Response{Status: ResponseReadFail}
	if s := resp.ErrorString(); s != "status=0xF9 (read fail)" {
		t.Errorf("ErrorString() = %q, want %q", s, "status=0xF9 (read fail)")
	}
}
