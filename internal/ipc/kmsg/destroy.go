package kmsg

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/logging"
)

// Worker is the context of one thread of control driving the engine. It
// owns the pending-destroy queue that turns cascading destruction into a
// loop. A Worker must not be shared between goroutines.
type Worker struct {
	engine  *Engine
	pending Queue
}

// NewWorker returns a worker bound to e.
func (e *Engine) NewWorker() *Worker {
	return &Worker{engine: e}
}

// Destroy releases everything m still holds and frees it. A call made while
// this worker is already draining only queues m; the outermost call drains
// the queue, so cascades never recurse.
func (w *Worker) Destroy(m *Message) {
	draining := !w.pending.Empty()
	w.pending.Enqueue(m)
	if draining {
		return
	}

	e := w.engine
	n := 0
	for m := w.pending.First(); m != nil; m = w.pending.First() {
		// Clean while still queued so nested calls see a busy worker.
		e.clean(w, m)
		w.pending.Rmqueue(m)
		e.Free(m)
		n++
	}

	e.metrics.ObserveDrain(n)
	if n > 1 {
		e.log.Debug("destroy drained cascade", zap.Int("messages", n))
	}
}

// Pending reports how many messages await destruction.
func (w *Worker) Pending() int { return w.pending.Len() }

// clean releases the header rights and body contents still held by m.
func (e *Engine) clean(w *Worker, m *Message) {
	h := &m.Header
	if ValidObject(h.Remote.Object) {
		e.rights.Destroy(w, h.Remote.Object, h.Bits.Remote())
	}
	if ValidObject(h.Local.Object) {
		e.rights.Destroy(w, h.Local.Object, h.Bits.Local())
	}
	h.Remote.Object, h.Local.Object = nil, nil
	if len(m.Body) > 0 {
		e.log.Debug("cleaning body", logging.Trace(m.trace), logging.Age(m.trace),
			zap.Int("descriptors", len(m.Body)))
		e.cleanBody(w, m.Body)
	}
}

// cleanBody destroys the rights and discards the memory held by descs.
// Released items are cleared so a second pass is a no-op.
func (e *Engine) cleanBody(w *Worker, descs []Descriptor) {
	for _, d := range descs {
		switch d := d.(type) {
		case *PortDescriptor:
			if ValidObject(d.Object) {
				e.rights.Destroy(w, d.Object, d.Disposition)
			}
			d.Object = nil
		case *OOLDescriptor:
			if d.Handle != nil {
				e.vm.Discard(d.Handle)
				d.Handle = nil
			}
		case *OOLPortsDescriptor:
			for _, o := range d.Objects {
				if ValidObject(o) {
					e.rights.Destroy(w, o, d.Disposition)
				}
			}
			d.Objects = nil
		}
	}
}
