package kmsg

import "fmt"

// Name is a task-local handle for a right.
type Name uint32

const (
	// NameNull is the absent name.
	NameNull Name = 0
	// NameDead denotes a right whose port has died.
	NameDead Name = ^Name(0)
)

// Valid reports whether n is neither null nor dead.
func (n Name) Valid() bool {
	return n != NameNull && n != NameDead
}

func (n Name) String() string {
	switch n {
	case NameNull:
		return "null"
	case NameDead:
		return "dead"
	}
	return fmt.Sprintf("%#x", uint32(n))
}

// Disposition says how a right is transferred. The copy-in verbs are
// replaced by their resulting Port* form once a message is in the kernel.
type Disposition uint8

const (
	TypeNone         Disposition = 0
	TypePortName     Disposition = 15
	TypeMoveReceive  Disposition = 16
	TypeMoveSend     Disposition = 17
	TypeMoveSendOnce Disposition = 18
	TypeCopySend     Disposition = 19
	TypeMakeSend     Disposition = 20
	TypeMakeSendOnce Disposition = 21
	TypeCopyReceive  Disposition = 22

	TypePortReceive  = TypeMoveReceive
	TypePortSend     = TypeMoveSend
	TypePortSendOnce = TypeMoveSendOnce
)

var dispositionNames = map[Disposition]string{
	TypeNone:         "none",
	TypePortName:     "port-name",
	TypeMoveReceive:  "move-receive",
	TypeMoveSend:     "move-send",
	TypeMoveSendOnce: "move-send-once",
	TypeCopySend:     "copy-send",
	TypeMakeSend:     "make-send",
	TypeMakeSendOnce: "make-send-once",
	TypeCopyReceive:  "copy-receive",
}

func (d Disposition) String() string {
	if s, ok := dispositionNames[d]; ok {
		return s
	}
	return fmt.Sprintf("disposition(%d)", uint8(d))
}

// IsAnyRight reports whether d transfers a right (receive or any send).
func (d Disposition) IsAnyRight() bool {
	return d >= TypeMoveReceive && d <= TypeMakeSendOnce
}

// IsAnySend reports whether d produces a send or send-once right.
func (d Disposition) IsAnySend() bool {
	return d >= TypeMoveSend && d <= TypeMakeSendOnce
}

// IsMake reports whether d derives a new right from a receive right.
func (d Disposition) IsMake() bool {
	return d == TypeMakeSend || d == TypeMakeSendOnce
}

// CopyinResult maps a copy-in verb to the right the kernel ends up holding.
func (d Disposition) CopyinResult() Disposition {
	switch d {
	case TypeMoveReceive:
		return TypePortReceive
	case TypeMoveSend, TypeCopySend, TypeMakeSend:
		return TypePortSend
	case TypeMoveSendOnce, TypeMakeSendOnce:
		return TypePortSendOnce
	}
	return d
}

// Bits is the header bit field.
type Bits uint32

const (
	BitsRemoteMask  Bits = 0x0000001f
	BitsLocalMask   Bits = 0x00001f00
	BitsVoucherMask Bits = 0x001f0000
	BitsPortsMask        = BitsRemoteMask | BitsLocalMask | BitsVoucherMask

	// BitsComplex is set iff the message carries a descriptor body.
	BitsComplex Bits = 0x80000000
	// BitsCircular is kernel-only: the body carries a receive right for the
	// message's own destination.
	BitsCircular Bits = 0x10000000

	BitsUser   = BitsComplex | BitsPortsMask
	BitsKernel = BitsCircular
)

// MakeBits packs a remote and local disposition.
func MakeBits(remote, local Disposition) Bits {
	return Bits(remote) | Bits(local)<<8
}

func (b Bits) Remote() Disposition  { return Disposition(b & BitsRemoteMask) }
func (b Bits) Local() Disposition   { return Disposition((b & BitsLocalMask) >> 8) }
func (b Bits) Voucher() Disposition { return Disposition((b & BitsVoucherMask) >> 16) }
func (b Bits) Complex() bool        { return b&BitsComplex != 0 }
func (b Bits) Circular() bool       { return b&BitsCircular != 0 }

// Other returns everything except the remote and local dispositions.
func (b Bits) Other() Bits {
	return b &^ (BitsRemoteMask | BitsLocalMask)
}

// Timestamp orders port deaths. Comparisons are wraparound safe.
type Timestamp uint32

// Before reports whether t was taken strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	return int32(t-o) < 0
}
