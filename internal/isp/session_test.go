package isp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/k32w-flasher/internal/isp/isptest"
	"github.com/bigbag/k32w-flasher/internal/protocol"
)

func newTestSession(t *testing.T, dev Transport) (*Session, *isptest.Clock) {
	t.Helper()
	clock := isptest.NewClock()
	s, err := NewSession(dev, WithClock(clock))
	require.NoError(t, err)
	return s, clock
}

func TestNewSession_NilTransport(t *testing.T) {
	_, err := NewSession(nil)
	require.Error(t, err)
	assert.Equal(t, StatusInvalidTransport, StatusOf(err))
}

func TestConnect(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	s, clock := newTestSession(t, dev)

	require.NoError(t, s.Connect())
	assert.Equal(t, 1, dev.Resets)
	assert.Equal(t, []time.Duration{protocol.DefaultResetDelay}, clock.Slept)
	assert.Empty(t, dev.Requests)
}

type failingReset struct{ isptest.Device }

func (f *failingReset) ResetTarget() error { return errors.New("no rts") }

func TestConnect_ResetFails(t *testing.T) {
	s, _ := newTestSession(t, &failingReset{})

	err := s.Connect()
	require.Error(t, err)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
}

func TestReset_GoldenFrames(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	s, clock := newTestSession(t, dev)

	require.NoError(t, s.Reset())
	require.Len(t, dev.Written, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x08, 0x14, 0xF3, 0x47, 0x81, 0x69}, dev.Written[0])
	assert.Equal(t, protocol.DefaultResponseDelay, clock.Slept[0])
}

func TestRequest_RawResponse(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Status[protocol.TypeMemOpenRequest] = protocol.ResponseMemoryAccessInvalid
	s, _ := newTestSession(t, dev)

	resp, err := s.Request(protocol.MemOpen{Index: protocol.MemoryFlash, Access: protocol.AccessRead})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMemOpenResponse, resp.Type)
	assert.Equal(t, protocol.ResponseMemoryAccessInvalid, resp.Status)
}

func TestExchange_NoResponse(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Silent = true
	s, clock := newTestSession(t, dev)

	err := s.Unlock(protocol.UnlockModeStart, nil)
	require.Error(t, err)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
	assert.ErrorIs(t, err, protocol.ResponseNoResponse)

	// Response delay plus one read timeout, rounded up to a poll interval
	assert.GreaterOrEqual(t, clock.Total(), protocol.DefaultResponseDelay+protocol.DefaultReadTimeout)
	assert.LessOrEqual(t, clock.Total(), protocol.DefaultResponseDelay+protocol.DefaultReadTimeout+protocol.DefaultPollInterval)
}

func TestExchange_LateResponseDiscarded(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Late = true
	s, _ := newTestSession(t, dev)

	err := s.Unlock(protocol.UnlockModeStart, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ResponseNoResponse)

	// The unlock response turns up after the deadline
	dev.Late = false
	dev.Arrive()

	id, err := s.ChipID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x88888888), id.ID)
	require.NoError(t, s.Unlock(protocol.UnlockModeStart, nil))
	require.NoError(t, s.MemClose(protocol.MemoryFlash))
	assert.Equal(t, 4, dev.Flushes)
}

func TestExchange_OversizeFrameDiscarded(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Corrupt = func(frame []byte) []byte {
		frame[1], frame[2] = 0x04, 0x00
		return frame
	}
	s, _ := newTestSession(t, dev)

	assert.ErrorIs(t, s.Reset(), protocol.ResponseBadState)

	dev.Corrupt = nil
	require.NoError(t, s.Unlock(protocol.UnlockModeStart, nil))
}

type flushError struct{ isptest.Device }

func (f *flushError) Flush() error { return errors.New("port gone") }

func TestExchange_FlushError(t *testing.T) {
	dev := &flushError{}
	s, _ := newTestSession(t, dev)

	err := s.Reset()
	require.Error(t, err)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
	assert.Empty(t, dev.Written)
}

func TestExchange_TruncatedFrame(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Corrupt = func(frame []byte) []byte {
		// Drop the CRC and flip what is left so any CRC check would fail
		short := frame[:len(frame)-2]
		short[4] ^= 0xFF
		return short
	}
	s, _ := newTestSession(t, dev)

	err := s.Reset()
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ResponseNoResponse)
	assert.NotErrorIs(t, err, protocol.ResponseCRCError)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
}

func TestExchange_DeclaredLengthTooLarge(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Corrupt = func(frame []byte) []byte {
		frame[1], frame[2] = 0x04, 0x00
		return frame
	}
	s, _ := newTestSession(t, dev)

	err := s.Reset()
	assert.ErrorIs(t, err, protocol.ResponseBadState)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
}

func TestExchange_DeclaredLengthTooSmall(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Corrupt = func(frame []byte) []byte {
		frame[1], frame[2] = 0x00, 0x02
		return frame
	}
	s, _ := newTestSession(t, dev)

	err := s.Reset()
	assert.ErrorIs(t, err, protocol.ResponseNoResponse)
}

func TestExchange_CRCError(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Corrupt = func(frame []byte) []byte {
		frame[len(frame)-1] ^= 0x01
		return frame
	}
	s, _ := newTestSession(t, dev)

	err := s.Reset()
	assert.ErrorIs(t, err, protocol.ResponseCRCError)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
}

func TestExchange_TypeMismatch(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Reply = func(req *protocol.Request) *protocol.Response {
		// Echo the request type back, status OK
		return &protocol.Response{Type: req.Type}
	}
	s, _ := newTestSession(t, dev)

	err := s.Unlock(protocol.UnlockModeStart, nil)
	require.Error(t, err)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
}

func TestExchange_StatusMapping(t *testing.T) {
	tests := []struct {
		device   protocol.ResponseStatus
		expected Status
	}{
		{protocol.ResponseNotSupported, StatusUnsupportedOperation},
		{protocol.ResponseWriteFail, StatusErrorWriting},
		{protocol.ResponseReadFail, StatusErrorReading},
		{protocol.ResponseMemoryInvalid, StatusCommsFailed},
		{protocol.ResponseAuthError, StatusCommsFailed},
		{protocol.ResponseBadState, StatusCommsFailed},
	}

	for _, tc := range tests {
		t.Run(tc.device.String(), func(t *testing.T) {
			dev := isptest.NewDevice(protocol.FlashSize)
			dev.Status[protocol.TypeMemWriteRequest] = tc.device
			s, _ := newTestSession(t, dev)

			err := s.MemWrite(protocol.MemoryFlash, 0, []byte{0x01})
			require.Error(t, err)
			assert.Equal(t, tc.expected, StatusOf(err))
			assert.ErrorIs(t, err, tc.device)

			var opErr *OpError
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, "Write Memory", opErr.Op)
		})
	}
}

func TestExchange_PayloadTooLong(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	s, _ := newTestSession(t, dev)

	err := s.MemWrite(protocol.MemoryFlash, 0, make([]byte, protocol.MaxPayloadSize+1))
	assert.ErrorIs(t, err, protocol.ResponseBadState)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
	assert.Empty(t, dev.Written)
}

func TestExchange_FrameTooLarge(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	s, _ := newTestSession(t, dev)

	// 8 bytes of framing, 10 bytes of header and 1006 bytes of data is 1024
	err := s.MemWrite(protocol.MemoryFlash, 0, make([]byte, 1006))
	assert.ErrorIs(t, err, protocol.ResponseBadState)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Empty(t, dev.Written)
}

type writeError struct{ isptest.Device }

func (w *writeError) Write(p []byte) (int, error) { return 0, errors.New("port closed") }

func TestExchange_WriteError(t *testing.T) {
	s, clock := newTestSession(t, &writeError{})

	err := s.Reset()
	require.Error(t, err)
	assert.Equal(t, StatusCommsFailed, StatusOf(err))
	assert.Empty(t, clock.Slept)
}

// trickle hands out one byte per read with an empty read in between.
type trickle struct {
	*isptest.Device
	toggle bool
}

func (t *trickle) Read(p []byte) (int, error) {
	t.toggle = !t.toggle
	if t.toggle {
		return 0, nil
	}
	return t.Device.Read(p[:1])
}

func TestReadWithTimeout_Polls(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	s, clock := newTestSession(t, &trickle{Device: dev})

	id, err := s.ChipID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x88888888), id.ID)

	// 17 byte response, one poll interval per byte
	polls := 0
	for _, d := range clock.Slept {
		if d == protocol.DefaultPollInterval {
			polls++
		}
	}
	assert.Equal(t, 17, polls)
}

func TestReadWithTimeout_Deadline(t *testing.T) {
	dev := isptest.NewDevice(protocol.FlashSize)
	dev.Silent = true
	s, clock := newTestSession(t, dev)

	buf := make([]byte, 3)
	n, err := s.readWithTimeout(buf, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 100*time.Millisecond, clock.Total())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusError, StatusOf(errors.New("plain")))
	assert.Equal(t, StatusIncompatible, StatusOf(StatusIncompatible))

	wrapped := errors.Join(errors.New("context"), &OpError{Op: "Erase Memory", Status: StatusErrorWriting})
	assert.Equal(t, StatusErrorWriting, StatusOf(wrapped))
}

func TestOpError_Error(t *testing.T) {
	err := &OpError{Op: "Read Memory", Status: StatusErrorReading, Err: protocol.ResponseReadFail}
	assert.Equal(t, "Read Memory: error reading: read fail (0xF9)", err.Error())

	err = &OpError{Op: "New Session", Status: StatusInvalidTransport}
	assert.Equal(t, "New Session: invalid transport", err.Error())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "flash device unavailable", StatusFlashDeviceUnavailable.String())
	assert.Equal(t, "status 99", Status(99).String())
}
