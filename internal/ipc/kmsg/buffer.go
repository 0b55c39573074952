package kmsg

import (
	"encoding/binary"
	"math"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/shared/id"
)

// Alloc returns an empty message able to hold a user message of wireSize
// bytes once its descriptors are expanded to kernel form.
func (e *Engine) Alloc(wireSize uint32) (*Message, error) {
	if wireSize > LegacyHeaderSize && wireSize-LegacyHeaderSize > e.cfg.MaxBodySpace {
		return nil, kern.SendTooLarge
	}

	// Every descriptor may grow by descAdjustment; the smallest user
	// descriptor bounds how many there can be.
	bound := uint64(wireSize) + uint64(e.cfg.Layout.HeaderDelta()) + MaxTrailerSize
	if wireSize > baseSize {
		bound += uint64((wireSize-baseSize)/userPortSize) * descAdjustment
	}
	if bound > math.MaxUint32 {
		return nil, kern.SendNoBuffer
	}
	e.metrics.RecordAlloc("user")
	return e.alloc(uint32(bound)), nil
}

func (e *Engine) alloc(capacity uint32) *Message {
	m := &Message{capacity: capacity}
	if capacity <= e.cfg.SmallMessageSize {
		m.capacity = e.cfg.SmallMessageSize
		m.buf = e.small.Get().(*[]byte)
	}
	return m
}

// bytes returns n bytes of backing storage for m.
func (m *Message) bytes(n uint32) []byte {
	if m.buf != nil && uint32(cap(*m.buf)) >= n {
		return (*m.buf)[:n]
	}
	return make([]byte, n)
}

// Get copies a message of size bytes in from addr in mem and stamps its
// trailer with cred.
func (e *Engine) Get(mem UserMemory, addr uint64, size uint32, cred Credentials) (*Message, error) {
	if size < LegacyHeaderSize || size&3 != 0 {
		return nil, kern.SendMsgTooSmall
	}

	var base [baseSize]byte
	if err := mem.Read(addr, base[:LegacyHeaderSize]); err != nil {
		return nil, kern.SendInvalidData
	}
	h := decodeHeader(base[:])
	off := uint32(LegacyHeaderSize)
	var count uint32
	if h.Bits.Complex() {
		if size < baseSize {
			return nil, kern.SendMsgTooSmall
		}
		if err := mem.Read(addr+LegacyHeaderSize, base[LegacyHeaderSize:]); err != nil {
			return nil, kern.SendInvalidData
		}
		count = binary.LittleEndian.Uint32(base[LegacyHeaderSize:])
		off = baseSize
	}

	m, err := e.Alloc(size)
	if err != nil {
		return nil, err
	}
	body := m.bytes(size - off)
	if err := mem.Read(addr+uint64(off), body); err != nil {
		e.Free(m)
		return nil, kern.SendInvalidData
	}

	m.Header = h
	m.Header.Bits &= BitsUser
	m.Header.Size = size + e.cfg.Layout.HeaderDelta()
	if h.Bits.Complex() {
		m.count, m.wire = count, body
	} else {
		m.inline = body
	}
	m.Trailer = newTrailer(cred)
	m.trace = id.NewMessageID()
	return m, nil
}

// GetFromKernel copies a kernel-built message of size bytes. The source
// must already be in kernel form; only size is checked and it is raised to
// at least a bare kernel header.
func (e *Engine) GetFromKernel(src *Message, size uint32) *Message {
	if floor := e.cfg.Layout.HeaderSize(); size < floor {
		size = floor
	}
	capacity := size + MaxTrailerSize
	if capacity < e.cfg.SmallMessageSize {
		capacity = e.cfg.SmallMessageSize
	}
	m := e.alloc(capacity)
	m.Header = src.Header
	m.Header.Size = size
	if len(src.Body) > 0 {
		m.Body = make([]Descriptor, len(src.Body))
		for i, d := range src.Body {
			m.Body[i] = cloneDescriptor(d)
		}
	}
	m.inline = append(m.bytes(0), src.inline...)
	m.Trailer = newTrailer(KernelCredentials)
	m.trace = id.NewMessageID()
	e.metrics.RecordAlloc("kernel")
	return m
}

func cloneDescriptor(d Descriptor) Descriptor {
	switch d := d.(type) {
	case *PortDescriptor:
		c := *d
		return &c
	case *OOLDescriptor:
		c := *d
		return &c
	case *OOLPortsDescriptor:
		c := *d
		c.Objects = append([]Object(nil), d.Objects...)
		return &c
	}
	panic("kmsg: unknown descriptor type")
}

// Put writes m to addr in mem using at most size bytes and frees it.
func (e *Engine) Put(m *Message, mem UserMemory, addr uint64, size uint32) error {
	out := e.encode(m)
	if uint32(len(out)) > size {
		out = out[:size]
	}
	err := mem.Write(addr, out)
	e.Free(m)
	if err != nil {
		return kern.RcvInvalidData
	}
	return nil
}

// encode renders m in user wire form: legacy header, descriptors, inline
// data and the requested trailer.
func (e *Engine) encode(m *Message) []byte {
	l := e.cfg.Layout
	size := uint32(LegacyHeaderSize)
	if m.Header.Size > l.HeaderSize() {
		size = m.Header.Size - l.HeaderDelta()
	}
	out := make([]byte, 0, size+m.Trailer.Size)
	out = appendHeader(out, &m.Header, size)
	if m.Header.Bits.Complex() {
		le := binary.LittleEndian
		if m.wire != nil {
			out = le.AppendUint32(out, m.count)
			out = append(out, m.wire...)
		} else {
			out = le.AppendUint32(out, uint32(len(m.Body)))
			for _, d := range m.Body {
				out = l.appendDescriptor(out, d)
			}
		}
	}
	out = append(out, m.inline...)
	return m.Trailer.append(out)
}

// PutToKernel hands m's contents to a kernel consumer and frees m. Inline
// data beyond size is dropped.
func (e *Engine) PutToKernel(m *Message, dst *Message, size uint32) {
	*dst = Message{
		Header:  m.Header,
		Body:    m.Body,
		Trailer: m.Trailer,
		trace:   m.trace,
	}
	fixed := e.cfg.Layout.kernelSize(len(m.Body), 0)
	if size > fixed {
		n := size - fixed
		if n > uint32(len(m.inline)) {
			n = uint32(len(m.inline))
		}
		dst.inline = append([]byte(nil), m.inline[:n]...)
	}
	m.Body = nil
	e.Free(m)
}

// Free releases m's buffer. Rights and memory still held by m are not
// released; use Worker.Destroy for that.
func (e *Engine) Free(m *Message) {
	if m.queue != nil {
		panic("kmsg: free of queued message")
	}
	if m.buf != nil {
		*m.buf = (*m.buf)[:0]
		e.small.Put(m.buf)
	}
	*m = Message{}
	e.metrics.RecordFree()
}
