package kern

import (
	"errors"
	"fmt"
	"strings"
)

// Return is a Mach return code.
type Return uint32

// Kernel primitive codes.
const (
	Success              Return = 0
	KernInvalidAddress   Return = 1
	KernProtectionFailed Return = 2
	KernNoSpace          Return = 3
	KernInvalidArgument  Return = 4
	KernFailure          Return = 5
	KernResourceShortage Return = 6
	KernInvalidTask      Return = 16
	KernInvalidName      Return = 15
	KernInvalidRight     Return = 17
	KernInvalidValue     Return = 18
	KernUrefsOverflow    Return = 19
	KernNameExists       Return = 13

	KernInvalidCapability Return = 20
)

// Send-side message codes.
const (
	SendInvalidData   Return = 0x10000002
	SendInvalidDest   Return = 0x10000003
	SendMsgTooSmall   Return = 0x10000008
	SendInvalidReply  Return = 0x10000009
	SendInvalidRight  Return = 0x1000000a
	SendInvalidNotify Return = 0x1000000b
	SendInvalidMemory Return = 0x1000000c
	SendNoBuffer      Return = 0x1000000d
	SendTooLarge      Return = 0x1000000e
	SendInvalidType   Return = 0x1000000f
	SendInvalidHeader Return = 0x10000010
)

// Receive-side message codes.
const (
	RcvTooLarge      Return = 0x10004004
	RcvInvalidNotify Return = 0x10004007
	RcvInvalidData   Return = 0x10004008
	RcvHeaderError   Return = 0x1000400b
	RcvBodyError     Return = 0x1000400c
)

// Resource shortage bits. They are OR'd into send and receive codes.
const (
	MsgVMKernel  Return = 0x00000400
	MsgIPCKernel Return = 0x00000800
	MsgVMSpace   Return = 0x00001000
	MsgIPCSpace  Return = 0x00002000

	ResourceBits = MsgVMKernel | MsgIPCKernel | MsgVMSpace | MsgIPCSpace
)

var names = map[Return]string{
	Success:               "success",
	KernInvalidAddress:    "invalid address",
	KernProtectionFailed:  "protection failed",
	KernNoSpace:           "no space",
	KernInvalidArgument:   "invalid argument",
	KernFailure:           "failure",
	KernResourceShortage:  "resource shortage",
	KernInvalidTask:       "invalid task",
	KernInvalidName:       "invalid name",
	KernInvalidRight:      "invalid right",
	KernInvalidValue:      "invalid value",
	KernUrefsOverflow:     "urefs overflow",
	KernInvalidCapability: "invalid capability",
	KernNameExists:        "name exists",
	SendInvalidData:       "send: invalid data",
	SendInvalidDest:       "send: invalid destination",
	SendMsgTooSmall:       "send: message too small",
	SendInvalidReply:      "send: invalid reply",
	SendInvalidRight:      "send: invalid right",
	SendInvalidNotify:     "send: invalid notify",
	SendInvalidMemory:     "send: invalid memory",
	SendNoBuffer:          "send: no buffer",
	SendTooLarge:          "send: too large",
	SendInvalidType:       "send: invalid type",
	SendInvalidHeader:     "send: invalid header",
	RcvTooLarge:           "receive: too large",
	RcvInvalidNotify:      "receive: invalid notify",
	RcvInvalidData:        "receive: invalid data",
	RcvHeaderError:        "receive: header error",
	RcvBodyError:          "receive: body error",
	MsgVMKernel:           "vm kernel",
	MsgIPCKernel:          "ipc kernel",
	MsgVMSpace:            "vm space",
	MsgIPCSpace:           "ipc space",
}

// Code returns r without its resource bits.
func (r Return) Code() Return {
	return r &^ ResourceBits
}

// Bits returns the resource bits carried by r.
func (r Return) Bits() Return {
	return r & ResourceBits
}

// Err returns nil for Success and r otherwise.
func (r Return) Err() error {
	if r == Success {
		return nil
	}
	return r
}

// Error implements error.
func (r Return) Error() string {
	return r.String()
}

// String returns the code name followed by any resource bits.
func (r Return) String() string {
	code, bits := r.Code(), r.Bits()
	if code == Success && bits != 0 {
		return bitString(bits)
	}
	name, ok := names[code]
	if !ok {
		name = fmt.Sprintf("return %#x", uint32(code))
	}
	if bits == 0 {
		return name
	}
	return name + " [" + bitString(bits) + "]"
}

func bitString(bits Return) string {
	var parts []string
	for _, b := range []Return{MsgVMKernel, MsgIPCKernel, MsgVMSpace, MsgIPCSpace} {
		if bits&b != 0 {
			parts = append(parts, names[b])
		}
	}
	return strings.Join(parts, "|")
}

// Is reports whether r matches target. The codes must be equal and every
// resource bit of target must be present in r. A bare resource bit matches
// any code carrying it.
func (r Return) Is(target error) bool {
	t, ok := target.(Return)
	if !ok {
		return false
	}
	if t.Code() == Success && t.Bits() != 0 {
		return r.Bits()&t.Bits() == t.Bits()
	}
	return r.Code() == t.Code() && r.Bits()&t.Bits() == t.Bits()
}

// As extracts the Return carried by err, or KernFailure if err is not nil
// and carries none.
func As(err error) Return {
	if err == nil {
		return Success
	}
	var r Return
	if errors.As(err, &r) {
		return r
	}
	return KernFailure
}
