package kmsg

import (
	"encoding/binary"
	"math"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
)

const (
	// LegacyHeaderSize is the user-visible header: bits, size, remote,
	// local, voucher and id, four bytes each.
	LegacyHeaderSize = 24
	// DescriptorSize is the kernel-form size of every descriptor.
	DescriptorSize = 16

	countSize      = 4
	baseSize       = LegacyHeaderSize + countSize
	wideDelta      = 8
	userPortSize   = 12
	userOOL32Size  = 12
	userOOL64Size  = 16
	descAdjustment = DescriptorSize - userPortSize
	pageSize       = 4096
	typeOffset     = 11
)

// Layout describes the user wire format. Narrow layouts use 32-bit port
// names and addresses in the kernel header as well as in user space.
type Layout struct {
	Narrow bool
}

// HeaderDelta is how much larger the kernel header is than the legacy one.
func (l Layout) HeaderDelta() uint32 {
	if l.Narrow {
		return 0
	}
	return wideDelta
}

// HeaderSize is the kernel-form header size.
func (l Layout) HeaderSize() uint32 { return LegacyHeaderSize + l.HeaderDelta() }

func (l Layout) oolSize() uint32 {
	if l.Narrow {
		return userOOL32Size
	}
	return userOOL64Size
}

// userSize is the user wire size of a descriptor.
func (l Layout) userSize(d Descriptor) uint32 {
	if _, ok := d.(*PortDescriptor); ok {
		return userPortSize
	}
	return l.oolSize()
}

func (l Layout) kernelSize(ndesc, ndata int) uint32 {
	n := uint64(l.HeaderSize()) + uint64(ndata)
	if ndesc > 0 {
		n += countSize + uint64(ndesc)*DescriptorSize
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func decodeHeader(b []byte) Header {
	le := binary.LittleEndian
	return Header{
		Bits:    Bits(le.Uint32(b[0:])),
		Size:    le.Uint32(b[4:]),
		Remote:  Slot{Name: Name(le.Uint32(b[8:]))},
		Local:   Slot{Name: Name(le.Uint32(b[12:]))},
		Voucher: Name(le.Uint32(b[16:])),
		ID:      int32(le.Uint32(b[20:])),
	}
}

func appendHeader(dst []byte, h *Header, size uint32) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint32(dst, uint32(h.Bits&BitsUser))
	dst = le.AppendUint32(dst, size)
	dst = le.AppendUint32(dst, uint32(h.Remote.Name))
	dst = le.AppendUint32(dst, uint32(h.Local.Name))
	dst = le.AppendUint32(dst, uint32(h.Voucher))
	return le.AppendUint32(dst, uint32(h.ID))
}

// decodeDescriptor reads one user descriptor from the front of b and
// returns it with the number of bytes consumed.
func (l Layout) decodeDescriptor(b []byte) (Descriptor, uint32, kern.Return) {
	if len(b) <= typeOffset {
		return nil, 0, kern.SendMsgTooSmall
	}
	le := binary.LittleEndian
	t := DescriptorType(b[typeOffset])
	switch t {
	case DescriptorPort:
		return &PortDescriptor{
			Name:        Name(le.Uint32(b[0:])),
			Disposition: Disposition(b[10]),
		}, userPortSize, kern.Success
	case DescriptorOOL, DescriptorOOLVolatile, DescriptorOOLPorts:
	default:
		return nil, 0, kern.SendInvalidType
	}

	size := l.oolSize()
	if uint32(len(b)) < size {
		return nil, 0, kern.SendMsgTooSmall
	}
	var addr uint64
	var length uint32
	if l.Narrow {
		addr = uint64(le.Uint32(b[0:]))
		length = le.Uint32(b[4:])
	} else {
		addr = le.Uint64(b[0:])
		length = le.Uint32(b[12:])
	}
	dealloc, copyOpt := b[8] != 0, CopyOption(b[9])

	if t == DescriptorOOLPorts {
		return &OOLPortsDescriptor{
			Address:     addr,
			Count:       length,
			Disposition: Disposition(b[10]),
			Copy:        copyOpt,
			Deallocate:  dealloc,
		}, size, kern.Success
	}
	return &OOLDescriptor{
		Address:    addr,
		Size:       length,
		Copy:       copyOpt,
		Deallocate: dealloc,
		Volatile:   t == DescriptorOOLVolatile,
	}, size, kern.Success
}

// appendDescriptor writes d in user wire form.
func (l Layout) appendDescriptor(dst []byte, d Descriptor) []byte {
	le := binary.LittleEndian
	var (
		addr    uint64
		length  uint32
		dealloc bool
		copyOpt CopyOption
		disp    Disposition
	)
	switch d := d.(type) {
	case *PortDescriptor:
		dst = le.AppendUint32(dst, uint32(d.Name))
		dst = le.AppendUint32(dst, 0)
		return append(dst, 0, 0, byte(d.Disposition), byte(DescriptorPort))
	case *OOLDescriptor:
		addr, length, dealloc, copyOpt = d.Address, d.Size, d.Deallocate, d.Copy
	case *OOLPortsDescriptor:
		addr, length, dealloc, copyOpt, disp = d.Address, d.Count, d.Deallocate, d.Copy, d.Disposition
	}
	word := [4]byte{0, byte(copyOpt), byte(disp), byte(d.Type())}
	if dealloc {
		word[0] = 1
	}
	if l.Narrow {
		dst = le.AppendUint32(dst, uint32(addr))
		dst = le.AppendUint32(dst, length)
		return append(dst, word[:]...)
	}
	dst = le.AppendUint64(dst, addr)
	dst = append(dst, word[:]...)
	return le.AppendUint32(dst, length)
}

func (t *Trailer) append(dst []byte) []byte {
	le := binary.LittleEndian
	var b [MaxTrailerSize]byte
	le.PutUint32(b[0:], t.Format)
	le.PutUint32(b[4:], t.Size)
	le.PutUint32(b[8:], t.Seqno)
	le.PutUint32(b[12:], t.Sender[0])
	le.PutUint32(b[16:], t.Sender[1])
	for i, v := range t.Audit {
		le.PutUint32(b[20+4*i:], v)
	}
	size := t.Size
	if size > MaxTrailerSize {
		size = MaxTrailerSize
	}
	return append(dst, b[:size]...)
}

func roundPage(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
