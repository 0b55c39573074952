package port

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/logging"
)

// MaxUrefs is the largest user reference count one send entry can hold.
const MaxUrefs = 0xffff

// DeadName is delivered to the dead-name hook when a port with a
// registered request dies.
type DeadName struct {
	Space  *Space
	Name   kmsg.Name
	Port   *Port
	Notify *Port
}

// Rights implements the one-right transfer primitives over Port and Space.
type Rights struct {
	clock atomic.Uint32
	// circularity serializes walks of in-transit receive rights.
	circularity sync.Mutex
	log         *zap.Logger
	onDeadName  func(DeadName)
}

// NewRights creates the primitives. A nil log discards output.
func NewRights(log *zap.Logger) *Rights {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rights{log: log.Named("port")}
}

// OnDeadName sets the hook run for each fired dead-name request.
func (r *Rights) OnDeadName(fn func(DeadName)) { r.onDeadName = fn }

var _ kmsg.Rights = (*Rights)(nil)

type undo struct {
	name kmsg.Name
	disp kmsg.Disposition
	// prev is the entry before the copyin, nil if there was none.
	prev *entry
	port *Port

	srights, sorights, mscount, refs int32

	receiverMoved bool
	recvName      kmsg.Name
	cancelled     bool
}

func asSpace(s kmsg.Space) *Space {
	sp, ok := s.(*Space)
	if !ok {
		panic("port: foreign space")
	}
	return sp
}

// CopyinCheckLocked reports whether CopyinLocked could succeed.
func (r *Rights) CopyinCheckLocked(s kmsg.Space, name kmsg.Name, disp kmsg.Disposition) bool {
	e, ok := asSpace(s).entries[name]
	if !ok {
		return false
	}
	switch disp {
	case kmsg.TypeMoveReceive:
		if e.rights&kmsg.RightReceive == 0 {
			return false
		}
		e.port.Lock()
		defer e.port.Unlock()
		return e.port.active
	case kmsg.TypeMakeSend, kmsg.TypeMakeSendOnce:
		return e.rights&kmsg.RightReceive != 0
	case kmsg.TypeCopySend, kmsg.TypeMoveSend:
		return e.rights&(kmsg.RightSend|kmsg.RightDeadName) != 0
	case kmsg.TypeMoveSendOnce:
		return e.rights&(kmsg.RightSendOnce|kmsg.RightDeadName) != 0
	}
	return false
}

// CopyinLocked takes one right out of name. Nothing changes on error.
func (r *Rights) CopyinLocked(s kmsg.Space, name kmsg.Name, disp kmsg.Disposition, deadOK bool) (kmsg.Object, error) {
	sp := asSpace(s)
	e, ok := sp.entries[name]
	if !ok {
		return nil, kern.KernInvalidName
	}
	u := undo{name: name, disp: disp, prev: e.clone(), port: e.port}

	obj, err := r.copyin(sp, name, e, disp, deadOK, &u)
	if err != nil {
		return nil, err
	}
	sp.journal = append(sp.journal, u)
	return obj, nil
}

func (r *Rights) copyin(sp *Space, name kmsg.Name, e *entry, disp kmsg.Disposition, deadOK bool, u *undo) (kmsg.Object, error) {
	p := e.port
	switch disp {
	case kmsg.TypeMakeSend, kmsg.TypeMakeSendOnce:
		if e.rights&kmsg.RightReceive == 0 {
			return nil, kern.KernInvalidRight
		}
		p.Lock()
		defer p.Unlock()
		if !p.active {
			return deadResult(deadOK)
		}
		if disp == kmsg.TypeMakeSend {
			p.srights++
			p.mscount++
			u.srights, u.mscount = 1, 1
		} else {
			p.sorights++
			u.sorights = 1
		}
		p.refs.Add(1)
		u.refs = 1
		return p, nil

	case kmsg.TypeCopySend:
		if e.rights&kmsg.RightDeadName != 0 {
			return deadResult(deadOK)
		}
		if e.rights&kmsg.RightSend == 0 {
			return nil, kern.KernInvalidRight
		}
		p.Lock()
		defer p.Unlock()
		if !p.active {
			return deadResult(deadOK)
		}
		p.srights++
		p.refs.Add(1)
		u.srights, u.refs = 1, 1
		return p, nil

	case kmsg.TypeMoveSend:
		if e.rights&kmsg.RightDeadName != 0 {
			if !deadOK {
				return nil, kern.KernInvalidRight
			}
			r.consumeDead(sp, name, e, u)
			return kmsg.Dead, nil
		}
		if e.rights&kmsg.RightSend == 0 {
			return nil, kern.KernInvalidRight
		}
		p.Lock()
		if !p.active {
			if !deadOK {
				p.Unlock()
				return nil, kern.KernInvalidRight
			}
			// the send right dies with the port; the entry keeps its urefs
			// as a dead name
			p.srights--
			u.srights = -1
			p.Unlock()
			e.rights = e.rights&^kmsg.RightSend | kmsg.RightDeadName
			if sp.reverse[p] == name && e.rights&kmsg.RightReceive == 0 {
				delete(sp.reverse, p)
			}
			r.consumeDead(sp, name, e, u)
			return kmsg.Dead, nil
		}
		switch {
		case e.urefs > 1:
			e.urefs--
			p.srights++
			p.refs.Add(1)
			u.srights, u.refs = 1, 1
			p.Unlock()
		case e.rights&kmsg.RightReceive != 0:
			e.rights &^= kmsg.RightSend
			e.urefs = 0
			p.refs.Add(1)
			u.refs = 1
			p.Unlock()
		default:
			// the entry's reference moves into the message
			p.Unlock()
			u.cancelled = sp.removeLocked(name, e)
		}
		return p, nil

	case kmsg.TypeMoveSendOnce:
		if e.rights&kmsg.RightDeadName != 0 {
			if !deadOK {
				return nil, kern.KernInvalidRight
			}
			r.consumeDead(sp, name, e, u)
			return kmsg.Dead, nil
		}
		if e.rights&kmsg.RightSendOnce == 0 {
			return nil, kern.KernInvalidRight
		}
		p.Lock()
		if !p.active {
			if !deadOK {
				p.Unlock()
				return nil, kern.KernInvalidRight
			}
			p.sorights--
			u.sorights = -1
			p.Unlock()
			u.cancelled = sp.removeLocked(name, e)
			p.Release()
			u.refs = -1
			return kmsg.Dead, nil
		}
		p.Unlock()
		u.cancelled = sp.removeLocked(name, e)
		return p, nil

	case kmsg.TypeMoveReceive:
		if e.rights&kmsg.RightReceive == 0 {
			return nil, kern.KernInvalidRight
		}
		p.Lock()
		if !p.active {
			p.Unlock()
			return nil, kern.KernInvalidRight
		}
		u.receiverMoved, u.recvName = true, p.recvName
		p.receiver, p.recvName = nil, kmsg.NameNull
		if e.rights&kmsg.RightSend != 0 {
			e.rights &^= kmsg.RightReceive
			p.refs.Add(1)
			u.refs = 1
			p.Unlock()
		} else {
			p.Unlock()
			u.cancelled = sp.removeLocked(name, e)
		}
		return p, nil
	}
	return nil, kern.KernInvalidValue
}

func deadResult(deadOK bool) (kmsg.Object, error) {
	if deadOK {
		return kmsg.Dead, nil
	}
	return nil, kern.KernInvalidRight
}

// consumeDead drops one uref from a dead-name entry, removing the entry
// and its port reference with the last one.
func (r *Rights) consumeDead(sp *Space, name kmsg.Name, e *entry, u *undo) {
	if e.urefs > 1 {
		e.urefs--
		return
	}
	u.cancelled = sp.removeLocked(name, e)
	e.port.Release()
	u.refs--
}

// CopyinTwoLocked moves two send rights out of one entry.
func (r *Rights) CopyinTwoLocked(s kmsg.Space, name kmsg.Name) (kmsg.Object, error) {
	sp := asSpace(s)
	e, ok := sp.entries[name]
	if !ok {
		return nil, kern.KernInvalidName
	}
	if e.rights&kmsg.RightSend == 0 || e.urefs < 2 {
		return nil, kern.KernInvalidRight
	}
	first, err := r.CopyinLocked(s, name, kmsg.TypeMoveSend, false)
	if err != nil {
		return nil, err
	}
	if _, err := r.CopyinLocked(s, name, kmsg.TypeMoveSend, false); err != nil {
		r.CopyinUndoLocked(s, name, kmsg.TypeMoveSend, first)
		return nil, err
	}
	return first, nil
}

// CopyinUndoLocked reverses the latest copyin of name with disp made under
// the current lock.
func (r *Rights) CopyinUndoLocked(s kmsg.Space, name kmsg.Name, disp kmsg.Disposition, obj kmsg.Object) {
	sp := asSpace(s)
	for i := len(sp.journal) - 1; i >= 0; i-- {
		u := sp.journal[i]
		if u.name != name || u.disp != disp {
			continue
		}
		sp.journal = append(sp.journal[:i], sp.journal[i+1:]...)
		r.undo(sp, u)
		r.log.Debug("copyin undone",
			zap.Stringer("space", sp.id),
			logging.Name("name", name),
			zap.Stringer("disposition", disp))
		return
	}
	panic("port: undo without matching copyin")
}

func (r *Rights) undo(sp *Space, u undo) {
	if cur, ok := sp.entries[u.name]; ok && sp.reverse[cur.port] == u.name {
		delete(sp.reverse, cur.port)
	}
	sp.putLocked(u.name, u.prev.clone())

	p := u.port
	p.Lock()
	p.srights = uint32(int32(p.srights) - u.srights)
	p.sorights = uint32(int32(p.sorights) - u.sorights)
	p.mscount = uint32(int32(p.mscount) - u.mscount)
	if u.receiverMoved {
		p.receiver, p.recvName = sp, u.recvName
	}
	if u.cancelled && u.prev.request != nil {
		p.requests = append(p.requests, request{space: sp, name: u.name, notify: u.prev.request})
	}
	p.Unlock()
	p.refs.Add(-u.refs)
}

// CopyoutLocked gives the space a right held by the kernel. Send rights
// merge into an existing entry for the port. Nothing changes on error.
func (r *Rights) CopyoutLocked(s kmsg.Space, obj kmsg.Object, disp kmsg.Disposition, notify kmsg.Object) (kmsg.Name, error) {
	sp := asSpace(s)
	p := asPort(obj)
	if !sp.active {
		return kmsg.NameNull, kern.KernInvalidTask
	}

	p.Lock()
	defer p.Unlock()
	if !p.active {
		return kmsg.NameNull, kern.KernInvalidCapability
	}

	var (
		name   kmsg.Name
		e      *entry
		merged bool
	)
	switch disp {
	case kmsg.TypePortSend, kmsg.TypePortReceive:
		if n, ok := sp.reverse[p]; ok {
			name, e, merged = n, sp.entries[n], true
		}
	case kmsg.TypePortSendOnce:
	default:
		return kmsg.NameNull, kern.KernInvalidValue
	}

	if merged {
		switch disp {
		case kmsg.TypePortSend:
			if e.rights&kmsg.RightSend != 0 {
				if e.urefs >= MaxUrefs {
					return kmsg.NameNull, kern.KernUrefsOverflow
				}
				e.urefs++
				p.srights--
			} else {
				e.rights |= kmsg.RightSend
				e.urefs = 1
			}
		case kmsg.TypePortReceive:
			e.rights |= kmsg.RightReceive
		}
		p.refs.Add(-1)
	} else {
		e = &entry{port: p}
		switch disp {
		case kmsg.TypePortSend:
			e.rights, e.urefs = kmsg.RightSend, 1
		case kmsg.TypePortSendOnce:
			e.rights, e.urefs = kmsg.RightSendOnce, 1
		case kmsg.TypePortReceive:
			e.rights = kmsg.RightReceive
		}
		n, err := sp.insertLocked(e)
		if err != nil {
			return kmsg.NameNull, err
		}
		name = n
	}

	if disp == kmsg.TypePortReceive {
		p.receiver, p.recvName, p.destination = sp, name, nil
	}
	if notify != nil {
		np := asPort(notify)
		if e.request != nil {
			p.cancelRequest(sp, name)
		}
		e.request = np
		p.requests = append(p.requests, request{space: sp, name: name, notify: np})
	}
	return name, nil
}

// Copyout is CopyoutLocked with the space locked for the call.
func (r *Rights) Copyout(s kmsg.Space, obj kmsg.Object, disp kmsg.Disposition) (kmsg.Name, error) {
	s.Lock()
	defer s.Unlock()
	return r.CopyoutLocked(s, obj, disp, nil)
}

// Copyin is CopyinLocked with dead rights allowed and the space locked.
func (r *Rights) Copyin(s kmsg.Space, name kmsg.Name, disp kmsg.Disposition) (kmsg.Object, error) {
	s.Lock()
	defer s.Unlock()
	if !s.Active() {
		return nil, kern.KernInvalidTask
	}
	return r.CopyinLocked(s, name, disp, true)
}

// CopyinFromKernel accounts for a right the kernel supplies directly.
func (r *Rights) CopyinFromKernel(obj kmsg.Object, disp kmsg.Disposition) {
	p := asPort(obj)
	p.Lock()
	defer p.Unlock()
	switch disp {
	case kmsg.TypeCopySend:
		p.srights++
		p.refs.Add(1)
	case kmsg.TypeMakeSend:
		p.srights++
		p.mscount++
		p.refs.Add(1)
	case kmsg.TypeMakeSendOnce:
		p.sorights++
		p.refs.Add(1)
	case kmsg.TypeMoveReceive:
		p.receiver, p.recvName, p.destination = nil, kmsg.NameNull, nil
	}
}

// CopyoutDest consumes a destination right and returns the receiver's
// name for the port in s. Space read-locked.
func (r *Rights) CopyoutDest(s kmsg.Space, obj kmsg.Object, disp kmsg.Disposition) kmsg.Name {
	sp := asSpace(s)
	p := asPort(obj)
	p.Lock()
	name := kmsg.NameNull
	if p.receiver == sp {
		name = p.recvName
	}
	switch disp {
	case kmsg.TypePortSend:
		p.srights--
	case kmsg.TypePortSendOnce:
		p.sorights--
	}
	p.Unlock()
	p.Release()
	return name
}

// CopySend makes another send right for obj.
func (r *Rights) CopySend(obj kmsg.Object) kmsg.Object {
	if !kmsg.ValidObject(obj) {
		return obj
	}
	p := asPort(obj)
	p.Lock()
	p.srights++
	p.Unlock()
	p.Reference()
	return p
}

// Destroy releases a right held by the kernel. Callers must not hold a
// space lock.
func (r *Rights) Destroy(w *kmsg.Worker, obj kmsg.Object, disp kmsg.Disposition) {
	p := asPort(obj)
	switch disp {
	case kmsg.TypePortSend:
		p.Lock()
		if p.srights > 0 {
			p.srights--
		}
		p.Unlock()
	case kmsg.TypePortSendOnce:
		p.Lock()
		if p.sorights > 0 {
			p.sorights--
		}
		p.Unlock()
	case kmsg.TypePortReceive:
		r.DestroyPort(w, p)
	}
	p.Release()
}

// DestroyPort kills p: it stops accepting messages, gets a death
// timestamp, has its queued messages destroyed through w and fires its
// dead-name requests.
func (r *Rights) DestroyPort(w *kmsg.Worker, p *Port) {
	p.Lock()
	if !p.active {
		p.Unlock()
		return
	}
	p.active = false
	p.timestamp = kmsg.Timestamp(r.clock.Add(1))
	p.receiver, p.recvName, p.destination = nil, kmsg.NameNull, nil
	var queued []*kmsg.Message
	for m := p.messages.Dequeue(); m != nil; m = p.messages.Dequeue() {
		queued = append(queued, m)
	}
	requests := p.requests
	p.requests = nil
	p.Unlock()

	r.log.Debug("port destroyed",
		zap.Stringer("port", p.id),
		zap.Int("queued", len(queued)),
		zap.Int("requests", len(requests)))

	for _, m := range queued {
		w.Destroy(m)
	}
	for _, rq := range requests {
		r.log.Debug("dead-name request fired",
			zap.Stringer("space", rq.space.id),
			logging.Name("name", rq.name),
			zap.Stringer("port", p.id))
		if r.onDeadName != nil {
			r.onDeadName(DeadName{Space: rq.space, Name: rq.name, Port: p, Notify: rq.notify})
		}
	}
}

// CheckCircularity reports whether sending obj's receive right to dest
// would make obj reachable from itself. Otherwise obj is recorded as in
// transit to dest.
func (r *Rights) CheckCircularity(obj, dest kmsg.Object) bool {
	p, d := asPort(obj), asPort(dest)
	if p == d {
		return true
	}

	r.circularity.Lock()
	defer r.circularity.Unlock()

	for cur := d; cur != nil; {
		if cur == p {
			return true
		}
		cur.Lock()
		var next *Port
		if cur.active && cur.receiver == nil {
			next = cur.destination
		}
		cur.Unlock()
		cur = next
	}

	p.Lock()
	p.destination = d
	p.Unlock()
	return false
}
