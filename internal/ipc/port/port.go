package port

import (
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/shared/id"
)

// Port is a reference message port. Its mutex guards everything except
// the reference count.
type Port struct {
	mu sync.Mutex
	id id.PortID

	active    bool
	timestamp kmsg.Timestamp

	// receiver holds the receive right, or nil while the right is in a
	// message. destination is the port that message was sent to.
	receiver    *Space
	recvName    kmsg.Name
	destination *Port

	srights  uint32
	sorights uint32
	mscount  uint32
	seqno    uint32

	messages kmsg.Queue
	requests []request

	refs atomic.Int32
}

type request struct {
	space  *Space
	name   kmsg.Name
	notify *Port
}

// NewPort creates a live port whose receive right belongs to the caller.
func NewPort() *Port {
	p := &Port{id: id.NewPortID(), active: true}
	p.refs.Store(1)
	return p
}

var _ kmsg.Object = (*Port)(nil)

func (p *Port) Lock()                     { p.mu.Lock() }
func (p *Port) Unlock()                   { p.mu.Unlock() }
func (p *Port) Active() bool              { return p.active }
func (p *Port) Timestamp() kmsg.Timestamp { return p.timestamp }
func (p *Port) Reference()                { p.refs.Add(1) }

func (p *Port) Release() {
	if p.refs.Add(-1) < 0 {
		panic("port: reference count underflow")
	}
}

// ID returns the port's trace identifier.
func (p *Port) ID() id.PortID { return p.id }

// Refs returns the current reference count.
func (p *Port) Refs() int32 { return p.refs.Load() }

// Stats is a consistent snapshot of a port's counters.
type Stats struct {
	Active         bool
	Timestamp      kmsg.Timestamp
	SendRights     uint32
	SendOnceRights uint32
	MakeSendCount  uint32
	Queued         int
	Requests       int
	Refs           int32
}

// Stats returns a snapshot of p.
func (p *Port) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:         p.active,
		Timestamp:      p.timestamp,
		SendRights:     p.srights,
		SendOnceRights: p.sorights,
		MakeSendCount:  p.mscount,
		Queued:         p.messages.Len(),
		Requests:       len(p.requests),
		Refs:           p.refs.Load(),
	}
}

// Enqueue delivers m to p's message queue and stamps its sequence number.
// The queue takes ownership of m. A dead port refuses the message.
func (p *Port) Enqueue(m *kmsg.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false
	}
	m.Trailer.Seqno = p.seqno
	p.seqno++
	p.messages.Enqueue(m)
	return true
}

// Dequeue removes the oldest queued message, or returns nil.
func (p *Port) Dequeue() *kmsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages.Dequeue()
}

func asPort(o kmsg.Object) *Port {
	p, ok := o.(*Port)
	if !ok {
		panic("port: foreign object")
	}
	return p
}
