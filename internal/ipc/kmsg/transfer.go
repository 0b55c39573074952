package kmsg

import (
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
)

// Copyin acquires everything a user message names: first the header
// rights, then the body. After a body failure the header stays copied in
// and the caller destroys the message.
func (e *Engine) Copyin(w *Worker, m *Message, space Space, mem UserMemory, notify Name) (err error) {
	timer := monitoring.NewTimer(e.metrics, "copyin")
	defer func() { timer.Stop(err) }()

	if err := e.CopyinHeader(m, space, notify); err != nil {
		return err
	}
	if !m.Header.Bits.Complex() {
		return nil
	}
	return e.CopyinBody(w, m, space, mem)
}

// Copyout delivers a kernel message into the receiver's space and memory.
// A header failure leaves the message untouched. Once the header is out,
// body failures are reported as RcvBodyError with resource bits and the
// rest of the body is still delivered.
func (e *Engine) Copyout(w *Worker, m *Message, space Space, mem UserMemory, notify Name) (err error) {
	timer := monitoring.NewTimer(e.metrics, "copyout")
	defer func() { timer.Stop(err) }()

	if err := e.CopyoutHeader(w, m, space, notify); err != nil {
		return err
	}
	if !m.Header.Bits.Complex() {
		return nil
	}
	if r := e.copyoutBody(w, m, space, mem); r != kern.Success {
		e.shortage(m, "body", r)
		return kern.RcvBodyError | r
	}
	return nil
}
