package kmsg

import (
	"encoding/binary"
	"math"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
)

// CopyinBody decodes the descriptors of a complex message and acquires the
// rights and memory they name. On failure at descriptor i everything taken
// for descriptors before i is released and the body is dropped; the header
// is left copied in for the caller to destroy with the message.
func (e *Engine) CopyinBody(w *Worker, m *Message, space Space, mem UserMemory) error {
	index, r := e.copyinBody(w, m, space, mem)
	if r != kern.Success {
		m.Body, m.wire, m.count = nil, nil, 0
		m.Header.Bits &^= BitsComplex
		e.rejected(m, "copyin", "body", index, r)
		return r
	}
	return nil
}

func (e *Engine) copyinBody(w *Worker, m *Message, space Space, mem UserMemory) (int, kern.Return) {
	l := e.cfg.Layout
	raw := m.wire
	if uint64(m.count)*userPortSize > uint64(len(raw)) {
		return -1, kern.SendMsgTooSmall
	}

	// First pass: decode every descriptor and size the physical copies
	// before anything is acquired.
	descs := make([]Descriptor, 0, m.count)
	var off, growth uint32
	var needed uint64
	for i := 0; i < int(m.count); i++ {
		d, n, r := l.decodeDescriptor(raw[off:])
		if r != kern.Success {
			return i, r
		}
		switch d := d.(type) {
		case *PortDescriptor:
			if d.Name.Valid() && !d.Disposition.IsAnyRight() {
				return i, kern.SendInvalidType
			}
		case *OOLDescriptor:
			if d.Copy != PhysicalCopy && d.Copy != VirtualCopy {
				return i, kern.SendInvalidType
			}
			if e.budgeted(d) {
				needed += roundPage(uint64(d.Size))
				if needed > e.cfg.OOLPhysicalBudget {
					return i, kern.MsgVMKernel
				}
			}
		case *OOLPortsDescriptor:
			if d.Copy != PhysicalCopy && d.Copy != VirtualCopy {
				return i, kern.SendInvalidType
			}
			if !d.Disposition.IsAnyRight() {
				return i, kern.SendInvalidType
			}
		}
		descs = append(descs, d)
		off += n
		growth += DescriptorSize - n
	}
	if uint64(m.Header.Size)+uint64(growth) > uint64(m.capacity) {
		return -1, kern.SendTooLarge
	}

	// Second pass: acquire.
	dest := m.Header.Remote.Object
	circular := false
	for i, d := range descs {
		var r kern.Return
		switch d := d.(type) {
		case *PortDescriptor:
			r = e.copyinPort(space, d, dest, &circular)
		case *OOLDescriptor:
			r = e.copyinOOL(mem, d)
		case *OOLPortsDescriptor:
			r = e.copyinOOLPorts(w, space, mem, d, dest, &circular)
		}
		if r != kern.Success {
			e.cleanBody(w, descs[:i])
			return i, r
		}
	}

	m.inline = raw[off:]
	m.wire, m.count = nil, 0
	m.Header.Size += growth
	if len(descs) == 0 {
		// a complex message with no descriptors carries only data
		m.Body = nil
		m.Header.Bits &^= BitsComplex
		m.Header.Size -= countSize
	} else {
		m.Body = descs
	}
	if circular {
		m.Header.Bits |= BitsCircular
		e.metrics.IncCircular()
	}
	return -1, kern.Success
}

// physical reports whether region data is duplicated rather than captured
// copy-on-write.
func (e *Engine) physical(d *OOLDescriptor) bool {
	return !d.Deallocate && (uint64(d.Size) < e.cfg.OOLSmallThreshold || d.Copy == PhysicalCopy)
}

// budgeted reports whether d counts against the per-message physical copy
// budget. Small regions are always copied and never counted.
func (e *Engine) budgeted(d *OOLDescriptor) bool {
	return d.Copy == PhysicalCopy && !d.Deallocate && uint64(d.Size) >= e.cfg.OOLSmallThreshold
}

func (e *Engine) circular(obj Object, disp Disposition, dest Object) bool {
	return disp == TypePortReceive && ValidObject(obj) && ValidObject(dest) &&
		e.rights.CheckCircularity(obj, dest)
}

func (e *Engine) copyinPort(space Space, d *PortDescriptor, dest Object, circular *bool) kern.Return {
	if !d.Name.Valid() {
		d.Object = objectForName(d.Name)
	} else {
		obj, err := e.rights.Copyin(space, d.Name, d.Disposition)
		if err != nil {
			return kern.SendInvalidRight
		}
		d.Object = obj
	}
	d.Name = NameNull
	d.Disposition = d.Disposition.CopyinResult()
	if e.circular(d.Object, d.Disposition, dest) {
		*circular = true
	}
	return kern.Success
}

func (e *Engine) copyinOOL(mem UserMemory, d *OOLDescriptor) kern.Return {
	if d.Size == 0 {
		d.Address, d.Handle = 0, nil
		return kern.Success
	}
	physical := e.physical(d)
	h, err := e.vm.CopyinRegion(mem, d.Address, uint64(d.Size), physical, d.Deallocate)
	if err != nil {
		return kern.SendInvalidMemory
	}
	d.Handle, d.Address = h, 0
	e.metrics.RecordOOL("copyin", strategy(physical), uint64(d.Size))
	return kern.Success
}

func (e *Engine) copyinOOLPorts(w *Worker, space Space, mem UserMemory, d *OOLPortsDescriptor,
	dest Object, circular *bool) kern.Return {
	result := d.Disposition.CopyinResult()
	if d.Count == 0 {
		d.Address, d.Objects, d.Disposition = 0, nil, result
		return kern.Success
	}
	length := uint64(d.Count) * 4
	if length > math.MaxUint32 {
		return kern.SendTooLarge
	}
	names := make([]byte, length)
	if err := mem.Read(d.Address, names); err != nil {
		return kern.SendInvalidMemory
	}
	if d.Deallocate {
		_ = mem.Deallocate(d.Address, length)
	}

	objects := make([]Object, d.Count)
	arrayCircular := false
	for i := range objects {
		name := Name(binary.LittleEndian.Uint32(names[4*i:]))
		if !name.Valid() {
			objects[i] = objectForName(name)
			continue
		}
		obj, err := e.rights.Copyin(space, name, d.Disposition)
		if err != nil {
			for _, o := range objects[:i] {
				if ValidObject(o) {
					e.rights.Destroy(w, o, result)
				}
			}
			return kern.SendInvalidRight
		}
		objects[i] = obj
		if e.circular(obj, result, dest) {
			arrayCircular = true
		}
	}

	d.Objects, d.Disposition, d.Address = objects, result, 0
	if arrayCircular {
		*circular = true
	}
	return kern.Success
}

func strategy(physical bool) string {
	if physical {
		return "physical"
	}
	return "virtual"
}

// copyoutBody converts the body's objects and handles into names and
// addresses in the receiver, last descriptor first. It never stops early;
// failures are merged into the returned resource bits.
func (e *Engine) copyoutBody(w *Worker, m *Message, space Space, mem UserMemory) kern.Return {
	l := e.cfg.Layout
	var r kern.Return
	var shrink uint32
	for i := len(m.Body) - 1; i >= 0; i-- {
		switch d := m.Body[i].(type) {
		case *PortDescriptor:
			name, rr := e.copyoutObject(w, space, d.Object, d.Disposition)
			d.Name, d.Object = name, nil
			r |= rr
		case *OOLDescriptor:
			r |= e.copyoutOOL(mem, d)
		case *OOLPortsDescriptor:
			r |= e.copyoutOOLPorts(w, space, mem, d)
		}
		shrink += DescriptorSize - l.userSize(m.Body[i])
	}
	m.Header.Size -= shrink
	return r
}

func (e *Engine) copyoutOOL(mem UserMemory, d *OOLDescriptor) kern.Return {
	d.Deallocate = d.Copy == VirtualCopy
	if d.Handle == nil {
		d.Address, d.Size = 0, 0
		return kern.Success
	}
	h := d.Handle
	d.Handle = nil
	addr, err := e.vm.CopyoutRegion(mem, h)
	if err != nil {
		e.vm.Discard(h)
		d.Address, d.Size = 0, 0
		return vmBits(err)
	}
	d.Address = addr
	e.metrics.RecordOOL("copyout", strategy(d.Copy == PhysicalCopy), h.Size())
	return kern.Success
}

func (e *Engine) copyoutOOLPorts(w *Worker, space Space, mem UserMemory, d *OOLPortsDescriptor) kern.Return {
	objects := d.Objects
	d.Objects = nil
	d.Deallocate = d.Copy == VirtualCopy
	if len(objects) == 0 {
		d.Address, d.Count = 0, 0
		return kern.Success
	}

	length := uint64(len(objects)) * 4
	addr, err := mem.Allocate(length)
	if err != nil {
		for _, o := range objects {
			if ValidObject(o) {
				e.rights.Destroy(w, o, d.Disposition)
			}
		}
		d.Address, d.Count = 0, 0
		return vmBits(err)
	}

	var r kern.Return
	names := make([]byte, 0, length)
	for _, o := range objects {
		name, rr := e.copyoutObject(w, space, o, d.Disposition)
		r |= rr
		names = binary.LittleEndian.AppendUint32(names, uint32(name))
	}
	if err := mem.Write(addr, names); err != nil {
		r |= kern.MsgVMSpace
	}
	d.Address = addr
	return r
}

// vmBits maps a memory collaborator failure to the resource bit reported
// to the receiver.
func vmBits(err error) kern.Return {
	switch kern.As(err) {
	case kern.KernNoSpace, kern.KernInvalidAddress:
		return kern.MsgVMSpace
	}
	return kern.MsgVMKernel
}
