package kmsg

import (
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/logging"
)

// CopyinHeader converts the destination and reply names in m's header into
// object references taken from space. A non-null notify must name a
// receive right in space. On failure space is exactly as it was.
func (e *Engine) CopyinHeader(m *Message, space Space, notify Name) error {
	if r := e.copyinHeader(m, space, notify); r != kern.Success {
		e.rejected(m, "copyin", "header", -1, r)
		return r
	}
	return nil
}

func (e *Engine) copyinHeader(m *Message, space Space, notify Name) kern.Return {
	h := &m.Header
	destType, replyType := h.Bits.Remote(), h.Bits.Local()
	destName, replyName := h.Remote.Name, h.Local.Name

	if !destType.IsAnySend() {
		return kern.SendInvalidHeader
	}
	if replyType == TypeNone {
		if replyName != NameNull {
			return kern.SendInvalidHeader
		}
	} else if !replyType.IsAnySend() {
		return kern.SendInvalidHeader
	}

	space.Lock()
	defer space.Unlock()

	if !space.Active() {
		return kern.SendInvalidDest
	}
	if notify != NameNull {
		entry, ok := space.Lookup(notify)
		if !ok || entry.Rights&RightReceive == 0 {
			return kern.SendInvalidNotify
		}
	}
	if !destName.Valid() {
		return kern.SendInvalidDest
	}

	var (
		dest, reply Object
		r           kern.Return
	)
	switch {
	case destName == replyName:
		dest, reply, r = e.copyinSameName(space, destName, destType, replyType)
	case !replyName.Valid():
		var err error
		if dest, err = e.rights.CopyinLocked(space, destName, destType, false); err != nil {
			return kern.SendInvalidDest
		}
		reply = objectForName(replyName)
	default:
		dest, reply, r = e.copyinDistinct(space, destName, destType, replyName, replyType)
	}
	if r != kern.Success {
		return r
	}

	h.Remote = Slot{Object: dest}
	h.Local = Slot{Object: reply}
	h.Bits = h.Bits.Other() | MakeBits(destType.CopyinResult(), replyType.CopyinResult())
	return kern.Success
}

// copyinSameName handles a destination and reply that name the same entry.
// Both resulting references are to the same object. Space locked.
func (e *Engine) copyinSameName(s Space, name Name, destType, replyType Disposition) (Object, Object, kern.Return) {
	entry, ok := s.Lookup(name)
	if !ok {
		return nil, nil, kern.SendInvalidDest
	}

	switch {
	case destType == TypeMoveSendOnce && replyType == TypeMoveSendOnce:
		// one send-once right cannot be moved twice
		return nil, nil, kern.SendInvalidDest

	case destType.IsMake() || replyType.IsMake():
		// The receive right keeps the entry alive across both copyins.
		if entry.Rights&RightReceive == 0 ||
			!e.rights.CopyinCheckLocked(s, name, destType) ||
			!e.rights.CopyinCheckLocked(s, name, replyType) {
			return nil, nil, kern.SendInvalidDest
		}
		dest, err := e.rights.CopyinLocked(s, name, destType, false)
		if err != nil {
			return nil, nil, kern.SendInvalidDest
		}
		reply, err := e.rights.CopyinLocked(s, name, replyType, false)
		if err != nil {
			e.rights.CopyinUndoLocked(s, name, destType, dest)
			return nil, nil, kern.SendInvalidDest
		}
		return dest, reply, kern.Success

	case destType == TypeCopySend && replyType == TypeCopySend:
		dest, err := e.rights.CopyinLocked(s, name, TypeCopySend, false)
		if err != nil {
			return nil, nil, kern.SendInvalidDest
		}
		return dest, e.rights.CopySend(dest), kern.Success

	case destType == TypeMoveSend && replyType == TypeMoveSend:
		obj, err := e.rights.CopyinTwoLocked(s, name)
		if err != nil {
			return nil, nil, kern.SendInvalidDest
		}
		return obj, obj, kern.Success
	}

	// One move-send and one copy-send. A send-once right paired with a
	// send right on the same name cannot be satisfied.
	if destType == TypeMoveSendOnce || replyType == TypeMoveSendOnce {
		return nil, nil, kern.SendInvalidDest
	}
	obj, err := e.rights.CopyinLocked(s, name, TypeMoveSend, false)
	if err != nil {
		return nil, nil, kern.SendInvalidDest
	}
	return obj, e.rights.CopySend(obj), kern.Success
}

// copyinDistinct handles two different valid names. It is the one path
// that may roll back copyins it already performed. Space locked.
func (e *Engine) copyinDistinct(s Space, destName Name, destType Disposition,
	replyName Name, replyType Disposition) (Object, Object, kern.Return) {
	if _, ok := s.Lookup(destName); !ok {
		return nil, nil, kern.SendInvalidDest
	}
	replyEntry, ok := s.Lookup(replyName)
	if !ok || !e.rights.CopyinCheckLocked(s, replyName, replyType) {
		return nil, nil, kern.SendInvalidReply
	}

	// Remember the reply port and, if it is already dead, when it died.
	replyPort := replyEntry.Object
	var replyTS Timestamp
	replyKnownDead := false
	if ValidObject(replyPort) {
		replyPort.Lock()
		if !replyPort.Active() {
			replyTS, replyKnownDead = replyPort.Timestamp(), true
		}
		replyPort.Unlock()
	}

	dest, err := e.rights.CopyinLocked(s, destName, destType, false)
	if err != nil {
		return nil, nil, kern.SendInvalidDest
	}
	reply, err := e.rights.CopyinLocked(s, replyName, replyType, true)
	if err != nil {
		e.rights.CopyinUndoLocked(s, destName, destType, dest)
		return nil, nil, kern.SendInvalidReply
	}

	if reply == Dead && ValidObject(replyPort) {
		if !replyKnownDead {
			replyPort.Lock()
			replyTS = replyPort.Timestamp()
			replyPort.Unlock()
		}
		// A destination that died after the reply would let the receiver
		// observe the deaths out of order.
		dest.Lock()
		raced := !dest.Active() && replyTS.Before(dest.Timestamp())
		dest.Unlock()
		if raced {
			e.rights.CopyinUndoLocked(s, replyName, replyType, reply)
			e.rights.CopyinUndoLocked(s, destName, destType, dest)
			return nil, nil, kern.SendInvalidDest
		}
	}
	return dest, reply, kern.Success
}

// CopyinFromKernel prepares a kernel-built message whose header and
// descriptors already carry objects. It cannot fail once the destination
// is valid.
func (e *Engine) CopyinFromKernel(m *Message) error {
	h := &m.Header
	destType, replyType := h.Bits.Remote(), h.Bits.Local()
	dest, reply := h.Remote.Object, h.Local.Object
	if !ValidObject(dest) {
		e.rejected(m, "copyin", "header", -1, kern.SendInvalidDest)
		return kern.SendInvalidDest
	}

	e.rights.CopyinFromKernel(dest, destType)
	if ValidObject(reply) {
		e.rights.CopyinFromKernel(reply, replyType)
	}
	h.Bits = h.Bits.Other() | MakeBits(destType.CopyinResult(), replyType.CopyinResult())

	if len(m.Body) == 0 {
		h.Bits &^= BitsComplex
		return nil
	}
	h.Bits |= BitsComplex
	circular := false
	for _, d := range m.Body {
		switch d := d.(type) {
		case *PortDescriptor:
			if ValidObject(d.Object) {
				e.rights.CopyinFromKernel(d.Object, d.Disposition)
			}
			d.Disposition = d.Disposition.CopyinResult()
			circular = circular || e.circular(d.Object, d.Disposition, dest)
		case *OOLPortsDescriptor:
			for _, o := range d.Objects {
				if ValidObject(o) {
					e.rights.CopyinFromKernel(o, d.Disposition)
				}
			}
			d.Disposition = d.Disposition.CopyinResult()
			for _, o := range d.Objects {
				circular = circular || e.circular(o, d.Disposition, dest)
			}
		}
	}
	if circular {
		h.Bits |= BitsCircular
		e.metrics.IncCircular()
	}
	return nil
}

// CopyoutHeader converts the header's objects into names in space and
// swaps them so the receiver sees the reply port as its remote port. A
// non-null notify registers a dead-name request for the reply name. On
// error nothing has been transferred and the caller still owns the rights.
func (e *Engine) CopyoutHeader(w *Worker, m *Message, space Space, notify Name) error {
	h := &m.Header
	destType, replyType := h.Bits.Remote(), h.Bits.Local()
	dest, reply := h.Remote.Object, h.Local.Object
	replyName := nameForObject(reply)

	var replyTS Timestamp
	replyDead := false

	if ValidObject(reply) {
		space.Lock()
		if !space.Active() {
			space.Unlock()
			return e.headerError(m, kern.RcvHeaderError|kern.MsgIPCSpace)
		}
		var notifyObj Object
		if notify != NameNull {
			entry, ok := space.Lookup(notify)
			if !ok || entry.Rights&RightReceive == 0 {
				space.Unlock()
				return e.headerError(m, kern.RcvInvalidNotify)
			}
			notifyObj = entry.Object
		}

		reply.Lock()
		active := reply.Active()
		if !active {
			replyTS, replyDead = reply.Timestamp(), true
		}
		reply.Unlock()

		if active {
			name, err := e.rights.CopyoutLocked(space, reply, replyType, notifyObj)
			switch r := kern.As(err); r {
			case kern.Success:
				replyName = name
			case kern.KernInvalidCapability:
				// died between the check and the copyout
				reply.Lock()
				replyTS, replyDead = reply.Timestamp(), true
				reply.Unlock()
			case kern.KernResourceShortage:
				space.Unlock()
				return e.headerError(m, kern.RcvHeaderError|kern.MsgIPCKernel)
			default:
				space.Unlock()
				return e.headerError(m, kern.RcvHeaderError|kern.MsgIPCSpace)
			}
		}
		space.Unlock()

		if replyDead {
			e.rights.Destroy(w, reply, replyType)
			replyName = NameDead
		}
	} else {
		space.RLock()
		active := space.Active()
		space.RUnlock()
		if !active {
			return e.headerError(m, kern.RcvHeaderError|kern.MsgIPCSpace)
		}
	}

	destName := nameForObject(dest)
	if ValidObject(dest) {
		name, dead, destTS := e.convertDest(w, space, dest, destType)
		destName = name
		if dead {
			destName = deadDestName(destTS, reply, replyDead, replyTS)
		}
	}

	h.Bits = (h.Bits.Other() &^ BitsCircular) | MakeBits(replyType, destType)
	h.Remote = Slot{Name: replyName}
	h.Local = Slot{Name: destName}
	return nil
}

// deadDestName picks the name reported for a destination that died in
// transit. It is the dead name unless both ports died and the destination
// died strictly before the reply, in which case the right is reported as
// gone elsewhere.
func deadDestName(destTS Timestamp, reply Object, replyDead bool, replyTS Timestamp) Name {
	if !ValidObject(reply) || !replyDead {
		return NameDead
	}
	if destTS.Before(replyTS) {
		return NameNull
	}
	return NameDead
}

func (e *Engine) headerError(m *Message, r kern.Return) error {
	e.rejected(m, "copyout", "header", -1, r)
	return r
}

// copyoutObject converts one right to a name in space. Failures destroy
// the right and report the resource bit to merge into the result.
func (e *Engine) copyoutObject(w *Worker, space Space, obj Object, disp Disposition) (Name, kern.Return) {
	if !ValidObject(obj) {
		return nameForObject(obj), kern.Success
	}
	name, err := e.rights.Copyout(space, obj, disp)
	if err == nil {
		return name, kern.Success
	}
	e.rights.Destroy(w, obj, disp)
	switch kern.As(err) {
	case kern.KernInvalidCapability:
		return NameDead, kern.Success
	case kern.KernResourceShortage:
		return NameNull, kern.MsgIPCKernel
	default:
		return NameNull, kern.MsgIPCSpace
	}
}

// CopyoutPseudo copies out both header ports independently of each other,
// then the body. It is used when a message is handed back to a task rather
// than received, so no reply semantics apply and the slots are not
// swapped. The result carries only resource bits.
func (e *Engine) CopyoutPseudo(w *Worker, m *Message, space Space, mem UserMemory) error {
	h := &m.Header
	destName, r := e.copyoutObject(w, space, h.Remote.Object, h.Bits.Remote())
	replyName, rr := e.copyoutObject(w, space, h.Local.Object, h.Bits.Local())
	r |= rr

	h.Bits &^= BitsCircular
	h.Remote = Slot{Name: destName}
	h.Local = Slot{Name: replyName}

	if h.Bits.Complex() {
		r |= e.copyoutBody(w, m, space, mem)
	}
	if r != kern.Success {
		e.shortage(m, "pseudo", r)
	}
	return r.Err()
}

// CopyoutDest is used when a message cannot be received. The destination
// becomes the receiver's existing name for it, the reply right is
// destroyed and the body is cleaned.
func (e *Engine) CopyoutDest(w *Worker, m *Message, space Space) {
	h := &m.Header
	destType, replyType := h.Bits.Remote(), h.Bits.Local()
	destName := e.copyoutDestName(w, space, h.Remote.Object, destType)

	replyName := nameForObject(h.Local.Object)
	if ValidObject(h.Local.Object) {
		e.rights.Destroy(w, h.Local.Object, replyType)
		replyName = NameNull
	}

	h.Bits = (h.Bits.Other() &^ BitsCircular) | MakeBits(replyType, destType)
	h.Remote = Slot{Name: replyName}
	h.Local = Slot{Name: destName}

	if len(m.Body) > 0 {
		e.cleanBody(w, m.Body)
	}
	e.log.Debug("copyout dest", logging.Trace(m.trace), logging.Name("dest", destName))
}

// CopyoutToKernel converts the destination as CopyoutDest does but leaves
// the reply object in place for a kernel consumer.
func (e *Engine) CopyoutToKernel(w *Worker, m *Message, space Space) {
	h := &m.Header
	destType, replyType := h.Bits.Remote(), h.Bits.Local()
	destName := e.copyoutDestName(w, space, h.Remote.Object, destType)

	h.Bits = (h.Bits.Other() &^ BitsCircular) | MakeBits(replyType, destType)
	h.Remote = Slot{Object: h.Local.Object}
	h.Local = Slot{Name: destName}
}

func (e *Engine) copyoutDestName(w *Worker, space Space, dest Object, disp Disposition) Name {
	if !ValidObject(dest) {
		return nameForObject(dest)
	}
	name, _, _ := e.convertDest(w, space, dest, disp)
	return name
}

// convertDest turns a destination right into the receiver's name for it
// with space read-locked. A dead destination is destroyed once the lock is
// dropped and reported with its death time.
func (e *Engine) convertDest(w *Worker, space Space, dest Object, disp Disposition) (Name, bool, Timestamp) {
	space.RLock()
	dest.Lock()
	if dest.Active() {
		dest.Unlock()
		name := e.rights.CopyoutDest(space, dest, disp)
		space.RUnlock()
		return name, false, 0
	}
	ts := dest.Timestamp()
	dest.Unlock()
	space.RUnlock()
	e.rights.Destroy(w, dest, disp)
	return NameDead, true, ts
}
