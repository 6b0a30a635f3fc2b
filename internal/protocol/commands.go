package protocol

import "fmt"

// MessageType identifies the kind of an ISP frame. The response to a request
// type is always the next value.
type MessageType byte

// K32W0 ISP bootloader message types
const (
	TypeNone MessageType = 0x00

	TypeResetRequest  MessageType = 0x14
	TypeResetResponse MessageType = 0x15

	TypeRAMRunRequest  MessageType = 0x21
	TypeRAMRunResponse MessageType = 0x22

	TypeSetBaudRequest  MessageType = 0x27
	TypeSetBaudResponse MessageType = 0x28

	TypeGetChipIDRequest  MessageType = 0x32
	TypeGetChipIDResponse MessageType = 0x33

	TypeMemOpenRequest        MessageType = 0x40
	TypeMemOpenResponse       MessageType = 0x41
	TypeMemEraseRequest       MessageType = 0x42
	TypeMemEraseResponse      MessageType = 0x43
	TypeMemBlankCheckRequest  MessageType = 0x44
	TypeMemBlankCheckResponse MessageType = 0x45
	TypeMemReadRequest        MessageType = 0x46
	TypeMemReadResponse       MessageType = 0x47
	TypeMemWriteRequest       MessageType = 0x48
	TypeMemWriteResponse      MessageType = 0x49
	TypeMemCloseRequest       MessageType = 0x4A
	TypeMemCloseResponse      MessageType = 0x4B
	TypeMemGetInfoRequest     MessageType = 0x4C
	TypeMemGetInfoResponse    MessageType = 0x4D

	TypeUnlockISPRequest  MessageType = 0x4E
	TypeUnlockISPResponse MessageType = 0x4F

	TypeStartAuthenticationRequest  MessageType = 0x50
	TypeStartAuthenticationResponse MessageType = 0x51

	TypeUseCertificateRequest  MessageType = 0x52
	TypeUseCertificateResponse MessageType = 0x53

	TypeSetEncryptionRequest  MessageType = 0x54
	TypeSetEncryptionResponse MessageType = 0x55
)

var responseTypes = map[MessageType]MessageType{
	TypeResetRequest:               TypeResetResponse,
	TypeRAMRunRequest:              TypeRAMRunResponse,
	TypeSetBaudRequest:             TypeSetBaudResponse,
	TypeGetChipIDRequest:           TypeGetChipIDResponse,
	TypeMemOpenRequest:             TypeMemOpenResponse,
	TypeMemEraseRequest:            TypeMemEraseResponse,
	TypeMemBlankCheckRequest:       TypeMemBlankCheckResponse,
	TypeMemReadRequest:             TypeMemReadResponse,
	TypeMemWriteRequest:            TypeMemWriteResponse,
	TypeMemCloseRequest:            TypeMemCloseResponse,
	TypeMemGetInfoRequest:          TypeMemGetInfoResponse,
	TypeUnlockISPRequest:           TypeUnlockISPResponse,
	TypeStartAuthenticationRequest: TypeStartAuthenticationResponse,
	TypeUseCertificateRequest:      TypeUseCertificateResponse,
	TypeSetEncryptionRequest:       TypeSetEncryptionResponse,
}

var typeNames = map[MessageType]string{
	TypeNone:                        "none",
	TypeResetRequest:                "reset request",
	TypeResetResponse:               "reset response",
	TypeRAMRunRequest:               "ram run request",
	TypeRAMRunResponse:              "ram run response",
	TypeSetBaudRequest:              "set baud request",
	TypeSetBaudResponse:             "set baud response",
	TypeGetChipIDRequest:            "get chip id request",
	TypeGetChipIDResponse:           "get chip id response",
	TypeMemOpenRequest:              "memory open request",
	TypeMemOpenResponse:             "memory open response",
	TypeMemEraseRequest:             "memory erase request",
	TypeMemEraseResponse:            "memory erase response",
	TypeMemBlankCheckRequest:        "memory blank check request",
	TypeMemBlankCheckResponse:       "memory blank check response",
	TypeMemReadRequest:              "memory read request",
	TypeMemReadResponse:             "memory read response",
	TypeMemWriteRequest:             "memory write request",
	TypeMemWriteResponse:            "memory write response",
	TypeMemCloseRequest:             "memory close request",
	TypeMemCloseResponse:            "memory close response",
	TypeMemGetInfoRequest:           "memory get info request",
	TypeMemGetInfoResponse:          "memory get info response",
	TypeUnlockISPRequest:            "unlock isp request",
	TypeUnlockISPResponse:           "unlock isp response",
	TypeStartAuthenticationRequest:  "start authentication request",
	TypeStartAuthenticationResponse: "start authentication response",
	TypeUseCertificateRequest:       "use certificate request",
	TypeUseCertificateResponse:      "use certificate response",
	TypeSetEncryptionRequest:        "set encryption request",
	TypeSetEncryptionResponse:       "set encryption response",
}

// Response returns the only response type the device may answer t with.
// It returns TypeNone when t is not a request type.
func (t MessageType) Response() MessageType {
	return responseTypes[t]
}

// IsRequest reports whether t is a known request type.
func (t MessageType) IsRequest() bool {
	_, ok := responseTypes[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown type 0x%02X", byte(t))
}

// headerLens holds the fixed header size of each request type.
var headerLens = map[MessageType]int{
	TypeSetBaudRequest:       5,
	TypeMemOpenRequest:       2,
	TypeMemEraseRequest:      MemHeaderSize,
	TypeMemBlankCheckRequest: MemHeaderSize,
	TypeMemReadRequest:       MemHeaderSize,
	TypeMemWriteRequest:      MemHeaderSize,
	TypeMemCloseRequest:      1,
	TypeMemGetInfoRequest:    1,
	TypeUnlockISPRequest:     1,
}

// HeaderLen returns the header size carried by a request of type t.
func HeaderLen(t MessageType) int {
	return headerLens[t]
}

// ResponseStatus is the outcome code a device reports inside a response
// frame. The codec also uses NoResponse, CRCError and BadState to report
// local framing failures.
type ResponseStatus byte

// Response status codes from the ISP bootloader
const (
	ResponseOK                  ResponseStatus = 0x00
	ResponseMemoryInvalidMode   ResponseStatus = 0xEF
	ResponseNotSupported        ResponseStatus = 0xFF
	ResponseWriteFail           ResponseStatus = 0xFE
	ResponseInvalidResponse     ResponseStatus = 0xFD
	ResponseCRCError            ResponseStatus = 0xFC
	ResponseAssertFail          ResponseStatus = 0xFB
	ResponseUserInterrupt       ResponseStatus = 0xFA
	ResponseReadFail            ResponseStatus = 0xF9
	ResponseTestError           ResponseStatus = 0xF8
	ResponseAuthError           ResponseStatus = 0xF7
	ResponseNoResponse          ResponseStatus = 0xF6
	ResponseMemoryInvalid       ResponseStatus = 0xF5
	ResponseMemoryNotSupported  ResponseStatus = 0xF4
	ResponseMemoryAccessInvalid ResponseStatus = 0xF3
	ResponseMemoryOutOfRange    ResponseStatus = 0xF2
	ResponseMemoryTooLong       ResponseStatus = 0xF1
	ResponseBadState            ResponseStatus = 0xF0
)

// ErrorMessage returns human-readable message for a response status.
func ErrorMessage(status ResponseStatus) string {
	switch status {
	case ResponseOK:
		return "ok"
	case ResponseMemoryInvalidMode:
		return "memory invalid mode"
	case ResponseNotSupported:
		return "not supported"
	case ResponseWriteFail:
		return "write fail"
	case ResponseInvalidResponse:
		return "invalid response"
	case ResponseCRCError:
		return "CRC error"
	case ResponseAssertFail:
		return "assert fail"
	case ResponseUserInterrupt:
		return "user interrupt"
	case ResponseReadFail:
		return "read fail"
	case ResponseTestError:
		return "test error"
	case ResponseAuthError:
		return "authentication error"
	case ResponseNoResponse:
		return "no response"
	case ResponseMemoryInvalid:
		return "memory invalid"
	case ResponseMemoryNotSupported:
		return "memory not supported"
	case ResponseMemoryAccessInvalid:
		return "memory access invalid"
	case ResponseMemoryOutOfRange:
		return "memory out of range"
	case ResponseMemoryTooLong:
		return "memory too long"
	case ResponseBadState:
		return "bad state"
	default:
		return "unknown error"
	}
}

func (s ResponseStatus) String() string {
	return ErrorMessage(s)
}

func (s ResponseStatus) Error() string {
	return fmt.Sprintf("%s (0x%02X)", ErrorMessage(s), byte(s))
}

// MemoryID indexes the memory regions exposed by the bootloader.
type MemoryID byte

const (
	MemoryFlash MemoryID = iota
	MemoryPSECT
	MemoryPFlash
	MemoryConfig
	MemoryEFUSE
	MemoryROM
	MemoryRAM0
	MemoryRAM1
)

// MemoryType is the kind of a memory region as reported by get-info.
type MemoryType byte

const (
	MemoryTypeROM MemoryType = iota
	MemoryTypeFlash
	MemoryTypeRAM
	MemoryTypeEFUSE
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeROM:
		return "ROM"
	case MemoryTypeFlash:
		return "FLASH"
	case MemoryTypeRAM:
		return "RAM"
	case MemoryTypeEFUSE:
		return "EFUSE"
	default:
		return fmt.Sprintf("type %d", byte(t))
	}
}

// MemoryAccess is the access mask requested when opening a region.
type MemoryAccess byte

const (
	AccessRead MemoryAccess = 1 << iota
	AccessWrite
	AccessErase
	AccessEraseAll
	AccessBlankCheck
)

func (a MemoryAccess) String() string {
	names := []string{"read", "write", "erase", "erase-all", "blank-check"}
	s := ""
	for i, name := range names {
		if a&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	if s == "" {
		return "none"
	}
	return s
}
