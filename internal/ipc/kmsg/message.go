package kmsg

import (
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/shared/id"
)

// Slot is a header port field. It carries a Name while the message is in
// user form and an Object while the message is held by the kernel.
type Slot struct {
	Name   Name
	Object Object
}

// Header is the fixed message header.
type Header struct {
	Bits    Bits
	Size    uint32
	Remote  Slot
	Local   Slot
	Voucher Name
	ID      int32
}

// DescriptorType tags a body descriptor.
type DescriptorType uint8

const (
	DescriptorPort        DescriptorType = 0
	DescriptorOOL         DescriptorType = 1
	DescriptorOOLPorts    DescriptorType = 2
	DescriptorOOLVolatile DescriptorType = 3
)

// CopyOption is how out-of-line data is transferred.
type CopyOption uint8

const (
	PhysicalCopy CopyOption = 0
	VirtualCopy  CopyOption = 1
	AllocateCopy CopyOption = 2
	Overwrite    CopyOption = 3
)

// Descriptor is one typed body item: *PortDescriptor, *OOLDescriptor or
// *OOLPortsDescriptor.
type Descriptor interface {
	Type() DescriptorType
	descriptor()
}

// PortDescriptor carries a single right.
type PortDescriptor struct {
	Name        Name
	Object      Object
	Disposition Disposition
}

// OOLDescriptor carries an out-of-line memory region. Handle holds the
// captured region while the message is in the kernel.
type OOLDescriptor struct {
	Address    uint64
	Size       uint32
	Copy       CopyOption
	Deallocate bool
	Volatile   bool
	Handle     CopyHandle
}

// OOLPortsDescriptor carries an array of rights sharing one disposition.
// Objects holds them while the message is in the kernel.
type OOLPortsDescriptor struct {
	Address     uint64
	Count       uint32
	Disposition Disposition
	Copy        CopyOption
	Deallocate  bool
	Objects     []Object
}

func (*PortDescriptor) Type() DescriptorType { return DescriptorPort }
func (d *OOLDescriptor) Type() DescriptorType {
	if d.Volatile {
		return DescriptorOOLVolatile
	}
	return DescriptorOOL
}
func (*OOLPortsDescriptor) Type() DescriptorType { return DescriptorOOLPorts }

func (*PortDescriptor) descriptor()     {}
func (*OOLDescriptor) descriptor()      {}
func (*OOLPortsDescriptor) descriptor() {}

// Message is a kernel-owned message buffer. It is owned by exactly one
// holder at a time; queue membership is how ownership is tracked.
type Message struct {
	Header  Header
	Body    []Descriptor
	Trailer Trailer

	trace    id.MessageID
	capacity uint32

	// count and wire hold the undecoded descriptor area of a complex
	// message until its body is copied in.
	count uint32
	wire  []byte
	// inline is the data that follows the descriptors.
	inline []byte
	buf    *[]byte

	queue      *Queue
	next, prev *Message
}

// NewKernelMessage builds a message in kernel form for GetFromKernel. The
// header slots and descriptors are expected to carry objects and handles.
func NewKernelMessage(layout Layout, h Header, body []Descriptor, data []byte) *Message {
	m := &Message{Header: h, Body: body, inline: data}
	if len(body) > 0 {
		m.Header.Bits |= BitsComplex
	} else {
		m.Header.Bits &^= BitsComplex
	}
	m.Header.Size = layout.kernelSize(len(body), len(data))
	return m
}

// Trace returns the identifier used to correlate log lines for m.
func (m *Message) Trace() id.MessageID { return m.trace }

// Capacity is the largest kernel-form size m can grow to.
func (m *Message) Capacity() uint32 { return m.capacity }

// Data returns the inline bytes following the descriptors.
func (m *Message) Data() []byte { return m.inline }

// Queued reports whether m is linked into a queue.
func (m *Message) Queued() bool { return m.queue != nil }

// SecurityToken identifies the sender's security context.
type SecurityToken [2]uint32

// AuditToken carries the sender's audit identity.
type AuditToken [8]uint32

// Credentials stamped into a trailer.
type Credentials struct {
	Security SecurityToken
	Audit    AuditToken
}

// KernelCredentials are stamped on kernel-originated messages.
var KernelCredentials = Credentials{}

// TrailerElements selects how much of the trailer a receiver sees.
type TrailerElements uint8

const (
	TrailerNull TrailerElements = iota
	TrailerSeqno
	TrailerSender
	TrailerAudit
)

const (
	TrailerFormat0     = 0
	TrailerMinimumSize = 8
	MaxTrailerSize     = 52
)

var trailerSizes = [...]uint32{
	TrailerNull:   TrailerMinimumSize,
	TrailerSeqno:  12,
	TrailerSender: 20,
	TrailerAudit:  MaxTrailerSize,
}

// Trailer is the fixed trailing sender metadata.
type Trailer struct {
	Format uint32
	Size   uint32
	Seqno  uint32
	Sender SecurityToken
	Audit  AuditToken
}

func newTrailer(c Credentials) Trailer {
	return Trailer{
		Format: TrailerFormat0,
		Size:   TrailerMinimumSize,
		Sender: c.Security,
		Audit:  c.Audit,
	}
}

// Request sizes the trailer for the elements a receiver asked for.
func (t *Trailer) Request(e TrailerElements) {
	if int(e) >= len(trailerSizes) {
		e = TrailerAudit
	}
	t.Size = trailerSizes[e]
}
