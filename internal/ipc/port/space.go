package port

import (
	"sync"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
)

const (
	firstName = kmsg.Name(0x103)
	nameStep  = 0x100
)

type entry struct {
	port    *Port
	rights  kmsg.EntryRights
	urefs   uint32
	request *Port
}

func (e *entry) clone() *entry {
	c := *e
	return &c
}

// Space is a reference capability namespace. Every entry holds one
// reference on its port.
type Space struct {
	mu      sync.RWMutex
	id      uuid.UUID
	active  bool
	entries map[kmsg.Name]*entry
	reverse map[*Port]kmsg.Name
	next    kmsg.Name
	limit   int

	// journal records the copyins made under the current write lock so
	// they can be undone. It is discarded on Unlock.
	journal []undo
}

// NewSpace creates an empty space. A positive limit caps the number of
// entries; copyouts beyond it fail with KERN_NO_SPACE.
func NewSpace(limit int) *Space {
	return &Space{
		id:      uuid.New(),
		active:  true,
		entries: make(map[kmsg.Name]*entry),
		reverse: make(map[*Port]kmsg.Name),
		next:    firstName,
		limit:   limit,
	}
}

var _ kmsg.Space = (*Space)(nil)

func (s *Space) Lock()        { s.mu.Lock() }
func (s *Space) RLock()       { s.mu.RLock() }
func (s *Space) RUnlock()     { s.mu.RUnlock() }
func (s *Space) Active() bool { return s.active }

func (s *Space) Unlock() {
	s.journal = s.journal[:0]
	s.mu.Unlock()
}

// Lookup returns the entry for name. Lock held.
func (s *Space) Lookup(name kmsg.Name) (kmsg.Entry, bool) {
	e, ok := s.entries[name]
	if !ok {
		return kmsg.Entry{}, false
	}
	out := kmsg.Entry{Rights: e.rights, Urefs: e.urefs}
	if e.port != nil {
		out.Object = e.port
	}
	return out, true
}

// ID returns the space's identity.
func (s *Space) ID() uuid.UUID { return s.id }

// Deactivate marks the space dead; transfers into or out of it fail.
func (s *Space) Deactivate() {
	s.Lock()
	s.active = false
	s.Unlock()
}

// Len returns the number of entries.
func (s *Space) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.entries)
}

// EntrySnapshot is a comparable copy of one entry.
type EntrySnapshot struct {
	Port    *Port
	Rights  kmsg.EntryRights
	Urefs   uint32
	Request *Port
}

// Snapshot returns a copy of the entry for name.
func (s *Space) Snapshot(name kmsg.Name) (EntrySnapshot, bool) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return EntrySnapshot{}, false
	}
	return EntrySnapshot{Port: e.port, Rights: e.rights, Urefs: e.urefs, Request: e.request}, true
}

// Resolve returns the port an entry refers to.
func (s *Space) Resolve(name kmsg.Name) (*Port, bool) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.port, true
}

// InsertReceive places p's receive right in s. The caller's reference on
// p passes to the new entry.
func (s *Space) InsertReceive(p *Port) (kmsg.Name, error) {
	s.Lock()
	defer s.Unlock()

	p.Lock()
	defer p.Unlock()
	if p.receiver != nil {
		return kmsg.NameNull, kern.KernInvalidRight
	}
	name, err := s.insertLocked(&entry{port: p, rights: kmsg.RightReceive})
	if err != nil {
		return kmsg.NameNull, err
	}
	p.receiver, p.recvName, p.destination = s, name, nil
	return name, nil
}

// InsertSend makes urefs send rights for p under one name in s.
func (s *Space) InsertSend(p *Port, urefs uint32) (kmsg.Name, error) {
	s.Lock()
	defer s.Unlock()

	p.Lock()
	defer p.Unlock()
	if name, ok := s.reverse[p]; ok {
		e := s.entries[name]
		if e.rights&kmsg.RightSend == 0 {
			e.rights |= kmsg.RightSend
			p.srights++
			p.mscount++
		}
		e.urefs += urefs
		return name, nil
	}
	name, err := s.insertLocked(&entry{port: p, rights: kmsg.RightSend, urefs: urefs})
	if err != nil {
		return kmsg.NameNull, err
	}
	p.srights++
	p.mscount++
	p.refs.Add(1)
	return name, nil
}

// InsertSendOnce makes a send-once right for p in s.
func (s *Space) InsertSendOnce(p *Port) (kmsg.Name, error) {
	s.Lock()
	defer s.Unlock()

	p.Lock()
	defer p.Unlock()
	name, err := s.insertLocked(&entry{port: p, rights: kmsg.RightSendOnce, urefs: 1})
	if err != nil {
		return kmsg.NameNull, err
	}
	p.sorights++
	p.refs.Add(1)
	return name, nil
}

// insertLocked allocates a name for e. Space locked.
func (s *Space) insertLocked(e *entry) (kmsg.Name, error) {
	if s.limit > 0 && len(s.entries) >= s.limit {
		return kmsg.NameNull, kern.KernNoSpace
	}
	name := s.next
	s.next += nameStep
	s.entries[name] = e
	if e.rights&(kmsg.RightSend|kmsg.RightReceive) != 0 {
		s.reverse[e.port] = name
	}
	return name, nil
}

// putLocked installs e under name, replacing whatever is there.
func (s *Space) putLocked(name kmsg.Name, e *entry) {
	s.entries[name] = e
	if e.rights&(kmsg.RightSend|kmsg.RightReceive) != 0 {
		s.reverse[e.port] = name
	}
}

// removeLocked deletes name and reports whether a dead-name request had to
// be cancelled. Space locked; e.port unlocked.
func (s *Space) removeLocked(name kmsg.Name, e *entry) bool {
	delete(s.entries, name)
	if s.reverse[e.port] == name {
		delete(s.reverse, e.port)
	}
	if e.request == nil {
		return false
	}
	e.port.Lock()
	e.port.cancelRequest(s, name)
	e.port.Unlock()
	return true
}

func (p *Port) cancelRequest(s *Space, name kmsg.Name) {
	for i, r := range p.requests {
		if r.space == s && r.name == name {
			p.requests = append(p.requests[:i], p.requests[i+1:]...)
			return
		}
	}
}
