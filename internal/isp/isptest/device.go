// Package isptest provides a simulated K32W0 ISP bootloader and a manual
// clock for testing code built on isp.Session.
package isptest

import (
	"bytes"
	"time"

	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// DefaultChipID is the chip id payload the simulated device reports.
var DefaultChipID = []byte{0x88, 0x88, 0x88, 0x88, 0x00, 0x01, 0x00, 0x0A}

// Device is an in-memory ISP bootloader. It implements isp.Transport.
//
// Requests are answered as soon as they are written. Memory requests are
// refused with ResponseMemoryAccessInvalid unless the flash region is open
// with the access they need. The zero value is not
// usable, create one with NewDevice.
type Device struct {
	// Flash holds the contents of the flash region.
	Flash []byte
	// Info is returned by get-info for the flash region.
	Info protocol.MemoryInfo
	// ChipID is the get-chip-id response payload.
	ChipID []byte

	// Status forces the response status of a request type.
	Status map[protocol.MessageType]protocol.ResponseStatus
	// ReadLimit caps the bytes returned by one memory read when non-zero.
	ReadLimit int
	// Reply replaces the response to a request when it returns non-nil.
	Reply func(req *protocol.Request) *protocol.Response
	// Corrupt rewrites every encoded response frame when set.
	Corrupt func(frame []byte) []byte
	// Silent drops every response.
	Silent bool
	// Late holds responses back until Arrive is called.
	Late bool

	// Requests records every decoded request in order.
	Requests []*protocol.Request
	// Written records every raw frame written.
	Written [][]byte
	// Resets counts ResetTarget calls.
	Resets int
	// Flushes counts Flush calls.
	Flushes int
	// Open is the access mask of the open flash region, zero when closed.
	Open protocol.MemoryAccess

	pending []byte
	late    []byte
}

// NewDevice returns a device with an erased flash region of size bytes.
func NewDevice(size uint32) *Device {
	return &Device{
		Flash: bytes.Repeat([]byte{0xFF}, int(size)),
		Info: protocol.MemoryInfo{
			Index:     protocol.MemoryFlash,
			Size:      size,
			BlockSize: protocol.FlashSectorSize,
			Type:      protocol.MemoryTypeFlash,
			Access:    protocol.AccessRead | protocol.AccessWrite | protocol.AccessErase | protocol.AccessEraseAll | protocol.AccessBlankCheck,
			Name:      "FLASH",
		},
		ChipID: DefaultChipID,
		Status: make(map[protocol.MessageType]protocol.ResponseStatus),
	}
}

// Write decodes a request frame and queues the response.
func (d *Device) Write(p []byte) (int, error) {
	d.Written = append(d.Written, append([]byte(nil), p...))

	req, err := protocol.DecodeRequest(p)
	if err != nil {
		return len(p), nil
	}
	d.Requests = append(d.Requests, req)
	if d.Silent {
		return len(p), nil
	}

	resp := d.handle(req)
	frame, err := resp.Encode()
	if err != nil {
		return len(p), nil
	}
	if d.Corrupt != nil {
		frame = d.Corrupt(frame)
	}
	if d.Late {
		d.late = append(d.late, frame...)
		return len(p), nil
	}
	d.pending = append(d.pending, frame...)
	return len(p), nil
}

// Arrive makes the held back responses readable.
func (d *Device) Arrive() {
	d.pending = append(d.pending, d.late...)
	d.late = nil
}

// Flush drops any queued output.
func (d *Device) Flush() error {
	d.Flushes++
	d.pending = nil
	return nil
}

// Read returns queued response bytes.
func (d *Device) Read(p []byte) (int, error) {
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// ResetTarget drops any queued output.
func (d *Device) ResetTarget() error {
	d.Resets++
	d.pending = nil
	d.late = nil
	d.Open = 0
	return nil
}

// Types returns the type of every request received, in order.
func (d *Device) Types() []protocol.MessageType {
	types := make([]protocol.MessageType, 0, len(d.Requests))
	for _, r := range d.Requests {
		types = append(types, r.Type)
	}
	return types
}

// Count returns how many requests of type t were received.
func (d *Device) Count(t protocol.MessageType) int {
	n := 0
	for _, r := range d.Requests {
		if r.Type == t {
			n++
		}
	}
	return n
}

func (d *Device) handle(req *protocol.Request) *protocol.Response {
	if d.Reply != nil {
		if resp := d.Reply(req); resp != nil {
			return resp
		}
	}

	resp := &protocol.Response{Type: req.Type.Response()}
	if status, ok := d.Status[req.Type]; ok {
		resp.Status = status
		return resp
	}

	switch req.Type {
	case protocol.TypeGetChipIDRequest:
		resp.Payload = d.ChipID
	case protocol.TypeMemOpenRequest:
		d.Open = protocol.MemoryAccess(req.Header[1])
	case protocol.TypeMemCloseRequest:
		d.Open = 0
	case protocol.TypeMemGetInfoRequest:
		resp.Payload = d.Info.Encode()
	case protocol.TypeMemEraseRequest, protocol.TypeMemBlankCheckRequest,
		protocol.TypeMemReadRequest, protocol.TypeMemWriteRequest:
		resp.Status, resp.Payload = d.memory(req)
	}
	return resp
}

// required is the access a memory request needs from the open region.
var required = map[protocol.MessageType]protocol.MemoryAccess{
	protocol.TypeMemEraseRequest:      protocol.AccessErase | protocol.AccessEraseAll,
	protocol.TypeMemBlankCheckRequest: protocol.AccessBlankCheck,
	protocol.TypeMemReadRequest:       protocol.AccessRead,
	protocol.TypeMemWriteRequest:      protocol.AccessWrite,
}

func (d *Device) memory(req *protocol.Request) (protocol.ResponseStatus, []byte) {
	if d.Open&required[req.Type] == 0 {
		return protocol.ResponseMemoryAccessInvalid, nil
	}

	_, address, length, err := protocol.ParseMemHeader(req.Header)
	if err != nil {
		return protocol.ResponseBadState, nil
	}
	start := int64(address) - int64(d.Info.BaseAddress)
	end := start + int64(length)
	if start < 0 || end > int64(len(d.Flash)) {
		return protocol.ResponseMemoryOutOfRange, nil
	}

	switch req.Type {
	case protocol.TypeMemEraseRequest:
		for i := start; i < end; i++ {
			d.Flash[i] = 0xFF
		}
	case protocol.TypeMemBlankCheckRequest:
		for i := start; i < end; i++ {
			if d.Flash[i] != 0xFF {
				return protocol.ResponseMemoryInvalid, nil
			}
		}
	case protocol.TypeMemReadRequest:
		if d.ReadLimit > 0 && end-start > int64(d.ReadLimit) {
			end = start + int64(d.ReadLimit)
		}
		return protocol.ResponseOK, append([]byte(nil), d.Flash[start:end]...)
	case protocol.TypeMemWriteRequest:
		if int(length) != len(req.Payload) {
			return protocol.ResponseBadState, nil
		}
		copy(d.Flash[start:end], req.Payload)
	}
	return protocol.ResponseOK, nil
}

// Clock is a manual clock. Sleep advances it instantly.
type Clock struct {
	now   time.Time
	Slept []time.Duration
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.now }

func (c *Clock) Sleep(d time.Duration) {
	c.Slept = append(c.Slept, d)
	c.now = c.now.Add(d)
}

// Total returns the sum of all sleeps.
func (c *Clock) Total() time.Duration {
	var total time.Duration
	for _, d := range c.Slept {
		total += d
	}
	return total
}
