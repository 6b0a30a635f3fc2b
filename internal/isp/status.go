package isp

import (
	"errors"
	"fmt"

	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// Status is the outcome of an ISP operation or flashing procedure.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusOutOfMemory
	StatusErrorWriting
	StatusErrorReading
	StatusFailedToOpenFile
	StatusBadParameter
	StatusNullParameter
	StatusIncompatible
	StatusInvalidFile
	StatusUnsupportedChip
	StatusAborted
	StatusVerificationFailed
	StatusInvalidTransport
	StatusCommsFailed
	StatusUnsupportedOperation
	StatusFlashDeviceUnavailable
)

var statusNames = [...]string{
	StatusOK:                     "ok",
	StatusError:                  "error",
	StatusOutOfMemory:            "out of memory",
	StatusErrorWriting:           "error writing",
	StatusErrorReading:           "error reading",
	StatusFailedToOpenFile:       "failed to open file",
	StatusBadParameter:           "bad parameter",
	StatusNullParameter:          "null parameter",
	StatusIncompatible:           "incompatible",
	StatusInvalidFile:            "invalid file",
	StatusUnsupportedChip:        "unsupported chip",
	StatusAborted:                "aborted",
	StatusVerificationFailed:     "verification failed",
	StatusInvalidTransport:       "invalid transport",
	StatusCommsFailed:            "comms failed",
	StatusUnsupportedOperation:   "unsupported operation",
	StatusFlashDeviceUnavailable: "flash device unavailable",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status %d", int(s))
}

func (s Status) Error() string {
	return s.String()
}

// OpError records a failed operation together with its procedure status and
// the underlying cause, if any.
type OpError struct {
	Op     string
	Status Status
	Err    error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

// Unwrap exposes both the status and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Status}
	}
	return []error{e.Status, e.Err}
}

// StatusOf returns the first status found in err's chain. A nil error is
// StatusOK and an error without a status is StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusError
}

// statusFor maps a device response status to the procedure status reported
// to callers.
func statusFor(rs protocol.ResponseStatus) Status {
	switch rs {
	case protocol.ResponseOK:
		return StatusOK
	case protocol.ResponseNotSupported:
		return StatusUnsupportedOperation
	case protocol.ResponseWriteFail:
		return StatusErrorWriting
	case protocol.ResponseReadFail:
		return StatusErrorReading
	default:
		return StatusCommsFailed
	}
}
