package kmsg_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/port"
)

func TestSendAndReceive(t *testing.T) {
	e := newEnv(t)
	p, rn, sn := e.dest(t)
	reply := port.NewPort()
	rr, err := e.sender.InsertReceive(reply)
	require.NoError(t, err)

	m := e.get(t, wireMsg{
		bits:   kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMakeSendOnce),
		remote: sn,
		local:  rr,
		id:     42,
		data:   []byte("ping1234"),
	})
	require.NoError(t, e.engine.Copyin(e.worker, m, e.sender, e.senderMem, kmsg.NameNull))

	assert.Same(t, p, m.Header.Remote.Object)
	assert.Same(t, reply, m.Header.Local.Object)
	assert.Equal(t, kmsg.TypePortSend, m.Header.Bits.Remote())
	assert.Equal(t, kmsg.TypePortSendOnce, m.Header.Bits.Local())
	assert.Equal(t, uint32(2), p.Stats().SendRights)
	assert.Equal(t, uint32(1), reply.Stats().SendOnceRights)

	require.True(t, p.Enqueue(m))
	got := p.Dequeue()
	require.Same(t, m, got)

	require.NoError(t, e.engine.Copyout(e.worker, got, e.receiver, e.receiverMem, kmsg.NameNull))
	assert.Equal(t, rn, got.Header.Local.Name, "destination becomes the receiver's receive name")
	assert.Equal(t, kmsg.MakeBits(kmsg.TypePortSendOnce, kmsg.TypePortSend), got.Header.Bits)
	resolved, ok := e.receiver.Resolve(got.Header.Remote.Name)
	require.True(t, ok)
	assert.Same(t, reply, resolved)
	assert.Equal(t, uint32(1), p.Stats().SendRights, "destination right consumed")
	assert.Equal(t, []byte("ping1234"), got.Data())
}

func TestCopyinHeaderFailureLeavesSpaceUnchanged(t *testing.T) {
	e := newEnv(t)
	p, _, _ := e.dest(t)
	sn, err := e.sender.InsertSend(p, 1)
	require.NoError(t, err)

	reply := port.NewPort()
	rr, err := e.sender.InsertReceive(reply)
	require.NoError(t, err)
	once := port.NewPort()
	so, err := e.sender.InsertSendOnce(once)
	require.NoError(t, err)
	dead := port.NewPort()
	dn, err := e.sender.InsertSend(dead, 1)
	require.NoError(t, err)
	e.rights.DestroyPort(e.worker, dead)

	const unknown = kmsg.Name(0x9903)
	tests := []struct {
		name          string
		remote, local kmsg.Disposition
		dest, rep     kmsg.Name
		notify        kmsg.Name
		want          kern.Return
	}{
		{"dest not a send disposition", kmsg.TypeCopyReceive, 0, sn, 0, 0, kern.SendInvalidHeader},
		{"reply name without disposition", kmsg.TypeCopySend, 0, sn, rr, 0, kern.SendInvalidHeader},
		{"reply port-name disposition", kmsg.TypeCopySend, kmsg.TypePortName, sn, rr, 0, kern.SendInvalidHeader},
		{"null dest", kmsg.TypeCopySend, 0, kmsg.NameNull, 0, 0, kern.SendInvalidDest},
		{"unknown dest", kmsg.TypeCopySend, kmsg.TypeMakeSend, unknown, rr, 0, kern.SendInvalidDest},
		{"unknown dest without reply", kmsg.TypeMoveSend, 0, unknown, 0, 0, kern.SendInvalidDest},
		{"make from a send right", kmsg.TypeMakeSend, 0, sn, 0, 0, kern.SendInvalidDest},
		{"dead dest", kmsg.TypeMoveSend, kmsg.TypeMakeSend, dn, rr, 0, kern.SendInvalidDest},
		{"unknown reply", kmsg.TypeMoveSend, kmsg.TypeMakeSend, sn, unknown, 0, kern.SendInvalidReply},
		{"reply lacks the right", kmsg.TypeMoveSend, kmsg.TypeMoveSend, sn, rr, 0, kern.SendInvalidReply},
		{"notify not a receive right", kmsg.TypeMoveSend, kmsg.TypeMakeSend, sn, rr, so, kern.SendInvalidNotify},
		{"send-once moved twice", kmsg.TypeMoveSendOnce, kmsg.TypeMoveSendOnce, so, so, 0, kern.SendInvalidDest},
		{"send-once paired with send", kmsg.TypeMoveSendOnce, kmsg.TypeCopySend, so, so, 0, kern.SendInvalidDest},
	}

	all := []kmsg.Name{sn, rr, so, dn}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := takeSnapshot(e.sender, all, p, reply, once, dead)
			m := e.get(t, wireMsg{bits: kmsg.MakeBits(tt.remote, tt.local), remote: tt.dest, local: tt.rep})
			bits := m.Header.Bits

			err := e.engine.CopyinHeader(m, e.sender, tt.notify)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, takeSnapshot(e.sender, all, p, reply, once, dead))
			assert.Equal(t, bits, m.Header.Bits)
			assert.Nil(t, m.Header.Remote.Object)
			e.worker.Destroy(m)
		})
	}
	assert.Equal(t, int64(len(tests)), e.metrics.Snapshot().TransferErrors)
}

func TestCopyinHeaderInactiveSpace(t *testing.T) {
	e := newEnv(t)
	_, _, sn := e.dest(t)
	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, 0), remote: sn})
	e.sender.Deactivate()
	assert.ErrorIs(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull), kern.SendInvalidDest)
}

func TestSameNameConvergence(t *testing.T) {
	tests := []struct {
		remote, local kmsg.Disposition
	}{
		{kmsg.TypeMakeSend, kmsg.TypeMakeSendOnce},
		{kmsg.TypeMakeSend, kmsg.TypeMakeSend},
		{kmsg.TypeMakeSendOnce, kmsg.TypeCopySend},
		{kmsg.TypeCopySend, kmsg.TypeCopySend},
		{kmsg.TypeMoveSend, kmsg.TypeMoveSend},
		{kmsg.TypeMoveSend, kmsg.TypeCopySend},
		{kmsg.TypeCopySend, kmsg.TypeMoveSend},
	}

	for _, tt := range tests {
		t.Run(tt.remote.String()+"/"+tt.local.String(), func(t *testing.T) {
			e := newEnv(t)
			p := port.NewPort()
			name, err := e.sender.InsertReceive(p)
			require.NoError(t, err)
			merged, err := e.sender.InsertSend(p, 3)
			require.NoError(t, err)
			require.Equal(t, name, merged)

			m := e.get(t, wireMsg{bits: kmsg.MakeBits(tt.remote, tt.local), remote: name, local: name})
			require.NoError(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull))
			assert.Same(t, p, m.Header.Remote.Object)
			assert.Same(t, m.Header.Remote.Object, m.Header.Local.Object)
			assert.Equal(t, tt.remote.CopyinResult(), m.Header.Bits.Remote())
			assert.Equal(t, tt.local.CopyinResult(), m.Header.Bits.Local())

			e.worker.Destroy(m)
			assert.Equal(t, int32(1), p.Refs(), "only the entry's reference remains")
		})
	}
}

// hookRights interposes on the rights primitives.
type hookRights struct {
	*port.Rights
	beforeCopyin func(name kmsg.Name, disp kmsg.Disposition)
	afterCopyin  func(name kmsg.Name, disp kmsg.Disposition)
	onDestroy    func()
	onCopyout    func()
}

func (h *hookRights) CopyinLocked(s kmsg.Space, name kmsg.Name, disp kmsg.Disposition, deadOK bool) (kmsg.Object, error) {
	if h.beforeCopyin != nil {
		h.beforeCopyin(name, disp)
	}
	obj, err := h.Rights.CopyinLocked(s, name, disp, deadOK)
	if h.afterCopyin != nil {
		h.afterCopyin(name, disp)
	}
	return obj, err
}

func (h *hookRights) CopyoutDest(s kmsg.Space, obj kmsg.Object, disp kmsg.Disposition) kmsg.Name {
	if h.onCopyout != nil {
		h.onCopyout()
	}
	return h.Rights.CopyoutDest(s, obj, disp)
}

func (h *hookRights) Destroy(w *kmsg.Worker, obj kmsg.Object, disp kmsg.Disposition) {
	if h.onDestroy != nil {
		h.onDestroy()
	}
	h.Rights.Destroy(w, obj, disp)
}

func TestCopyinRollsBackWhenDestDiesAfterReply(t *testing.T) {
	hooks := &hookRights{}
	e := setup(t, kmsg.DefaultConfig(), func(r *port.Rights) kmsg.Rights {
		hooks.Rights = r
		return hooks
	}, nil)

	p, _, sn := e.dest(t)
	reply := port.NewPort()
	rn, err := e.sender.InsertSend(reply, 1)
	require.NoError(t, err)
	e.rights.DestroyPort(e.worker, reply)

	// the destination dies right after it is copied in, later than the reply
	hooks.afterCopyin = func(name kmsg.Name, _ kmsg.Disposition) {
		if name == sn {
			e.rights.DestroyPort(e.worker, p)
		}
	}

	ns := []kmsg.Name{sn, rn}
	before := takeSnapshot(e.sender, ns, p, reply)
	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeMoveSend, kmsg.TypeMoveSend), remote: sn, local: rn})

	err = e.engine.CopyinHeader(m, e.sender, kmsg.NameNull)
	require.ErrorIs(t, err, kern.SendInvalidDest)

	after := takeSnapshot(e.sender, ns, p, reply)
	assert.Equal(t, before.entries, after.entries)
	assert.Equal(t, before.stats[reply], after.stats[reply])
	assert.Equal(t, before.stats[p].SendRights, after.stats[p].SendRights)
	assert.Equal(t, before.stats[p].Refs, after.stats[p].Refs)
	assert.False(t, after.stats[p].Active)
}

func TestCopyinKeepsOrderWhenReplyDiesLast(t *testing.T) {
	hooks := &hookRights{}
	e := setup(t, kmsg.DefaultConfig(), func(r *port.Rights) kmsg.Rights {
		hooks.Rights = r
		return hooks
	}, nil)

	p, _, sn := e.dest(t)
	reply := port.NewPort()
	rn, err := e.sender.InsertSend(reply, 1)
	require.NoError(t, err)

	hooks.beforeCopyin = func(name kmsg.Name, _ kmsg.Disposition) {
		if name == rn {
			e.rights.DestroyPort(e.worker, p)
			e.rights.DestroyPort(e.worker, reply)
		}
	}

	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeMoveSend, kmsg.TypeMoveSend), remote: sn, local: rn})
	require.NoError(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull))
	assert.Same(t, p, m.Header.Remote.Object)
	assert.Equal(t, kmsg.Dead, m.Header.Local.Object)
}

func TestCopyinDeadReplyBecomesDeadObject(t *testing.T) {
	e := newEnv(t)
	p, _, sn := e.dest(t)
	reply := port.NewPort()
	rn, err := e.sender.InsertSend(reply, 1)
	require.NoError(t, err)
	e.rights.DestroyPort(e.worker, reply)

	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMoveSend), remote: sn, local: rn})
	require.NoError(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull))
	assert.Same(t, p, m.Header.Remote.Object)
	assert.Equal(t, kmsg.Dead, m.Header.Local.Object)

	_, ok := e.sender.Snapshot(rn)
	assert.False(t, ok, "the dead name's last reference went with the message")
}

func TestCopyinRejectionIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := newEnv(t)
	e.engine.WithLogger(zap.New(core))

	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, 0), remote: 0x9903})
	require.Error(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull))

	entries := logs.FilterMessage("copyin rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "header", fields["stage"])
	assert.Equal(t, string(m.Trace()), fields["trace"])
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.TransferErrors))
}

func TestCopyoutHeaderDeadDestination(t *testing.T) {
	// order lists which ports die, first to last
	tests := []struct {
		name       string
		order      []string
		wantRemote func(kmsg.Name) bool
		wantLocal  kmsg.Name
	}{
		{"dest only", []string{"dest"}, kmsg.Name.Valid, kmsg.NameDead},
		{"dest before reply", []string{"dest", "reply"}, isDead, kmsg.NameNull},
		{"reply before dest", []string{"reply", "dest"}, isDead, kmsg.NameDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			p, reply := port.NewPort(), port.NewPort()
			m := kmsg.NewKernelMessage(e.engine.Config().Layout, kmsg.Header{
				Bits:   kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMakeSendOnce),
				Remote: kmsg.Slot{Object: p},
				Local:  kmsg.Slot{Object: reply},
			}, nil, nil)
			require.NoError(t, e.engine.CopyinFromKernel(m))

			ports := map[string]*port.Port{"dest": p, "reply": reply}
			for _, which := range tt.order {
				e.rights.DestroyPort(e.worker, ports[which])
			}

			require.NoError(t, e.engine.CopyoutHeader(e.worker, m, e.receiver, kmsg.NameNull))
			assert.True(t, tt.wantRemote(m.Header.Remote.Name), "remote %v", m.Header.Remote.Name)
			assert.Equal(t, tt.wantLocal, m.Header.Local.Name)
			assert.Equal(t, int32(1), p.Refs())
			assert.Equal(t, uint32(0), p.Stats().SendRights)
		})
	}
}

func isDead(n kmsg.Name) bool { return n == kmsg.NameDead }

func TestCopyoutRegistersDeadNameRequest(t *testing.T) {
	e := newEnv(t)
	p, _, sn := e.dest(t)
	reply := port.NewPort()
	rr, err := e.sender.InsertReceive(reply)
	require.NoError(t, err)
	notify := port.NewPort()
	nn, err := e.receiver.InsertReceive(notify)
	require.NoError(t, err)

	var fired []port.DeadName
	e.rights.OnDeadName(func(d port.DeadName) { fired = append(fired, d) })

	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMakeSend), remote: sn, local: rr})
	require.NoError(t, e.engine.Copyin(e.worker, m, e.sender, e.senderMem, kmsg.NameNull))

	// a bad notify name leaves the message untouched
	err = e.engine.CopyoutHeader(e.worker, m, e.receiver, 0x9903)
	require.ErrorIs(t, err, kern.RcvInvalidNotify)
	assert.Same(t, reply, m.Header.Local.Object)
	assert.Same(t, p, m.Header.Remote.Object)

	require.NoError(t, e.engine.CopyoutHeader(e.worker, m, e.receiver, nn))
	name := m.Header.Remote.Name
	snap, ok := e.receiver.Snapshot(name)
	require.True(t, ok)
	assert.Same(t, notify, snap.Request)

	e.rights.DestroyPort(e.worker, reply)
	require.Len(t, fired, 1)
	assert.Equal(t, name, fired[0].Name)
	assert.Same(t, notify, fired[0].Notify)
	assert.Same(t, e.receiver, fired[0].Space)
}

func TestCopyoutHeaderInactiveSpace(t *testing.T) {
	e := newEnv(t)
	p, _, sn := e.dest(t)
	m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, 0), remote: sn})
	require.NoError(t, e.engine.CopyinHeader(m, e.sender, kmsg.NameNull))

	e.receiver.Deactivate()
	err := e.engine.CopyoutHeader(e.worker, m, e.receiver, kmsg.NameNull)
	assert.ErrorIs(t, err, kern.RcvHeaderError)
	assert.ErrorIs(t, err, kern.MsgIPCSpace)
	assert.Same(t, p, m.Header.Remote.Object, "the caller still owns the rights")
}

func TestCopyoutDest(t *testing.T) {
	for _, died := range []bool{false, true} {
		e := newEnv(t)
		p, rn, sn := e.dest(t)
		reply := port.NewPort()
		rr, err := e.sender.InsertReceive(reply)
		require.NoError(t, err)

		m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMakeSendOnce), remote: sn, local: rr})
		require.NoError(t, e.engine.Copyin(e.worker, m, e.sender, e.senderMem, kmsg.NameNull))
		if died {
			e.rights.DestroyPort(e.worker, p)
		}

		e.engine.CopyoutDest(e.worker, m, e.receiver)
		want := rn
		if died {
			want = kmsg.NameDead
		}
		assert.Equal(t, want, m.Header.Local.Name)
		assert.Equal(t, kmsg.NameNull, m.Header.Remote.Name)
		assert.Equal(t, uint32(0), reply.Stats().SendOnceRights, "reply right destroyed")
		assert.Equal(t, uint32(1), p.Stats().SendRights)
		assert.False(t, m.Header.Bits.Circular())
	}
}

func TestCopyoutToKernelKeepsReply(t *testing.T) {
	e := newEnv(t)
	p, rn, _ := e.dest(t)
	reply := port.NewPort()
	m := kmsg.NewKernelMessage(e.engine.Config().Layout, kmsg.Header{
		Bits:   kmsg.MakeBits(kmsg.TypeCopySend, kmsg.TypeMakeSendOnce),
		Remote: kmsg.Slot{Object: p},
		Local:  kmsg.Slot{Object: reply},
	}, nil, nil)
	require.NoError(t, e.engine.CopyinFromKernel(m))

	e.engine.CopyoutToKernel(e.worker, m, e.receiver)
	assert.Equal(t, rn, m.Header.Local.Name)
	assert.Same(t, reply, m.Header.Remote.Object)
	assert.Equal(t, kmsg.TypePortSendOnce, m.Header.Bits.Remote())
	assert.Equal(t, uint32(1), reply.Stats().SendOnceRights)
}

func TestCopyoutPseudoReportsResourceBits(t *testing.T) {
	e := newEnv(t)
	p := port.NewPort()
	full := port.NewSpace(1)
	_, err := full.InsertSendOnce(port.NewPort())
	require.NoError(t, err)

	m := kmsg.NewKernelMessage(e.engine.Config().Layout, kmsg.Header{
		Bits:   kmsg.MakeBits(kmsg.TypeCopySend, 0),
		Remote: kmsg.Slot{Object: p},
	}, nil, nil)
	require.NoError(t, e.engine.CopyinFromKernel(m))

	err = e.engine.CopyoutPseudo(e.worker, m, full, e.receiverMem)
	require.ErrorIs(t, err, kern.MsgIPCSpace)
	assert.Equal(t, kern.Success, kern.As(err).Code(), "only resource bits are reported")
	assert.Equal(t, kmsg.NameNull, m.Header.Remote.Name)
	assert.Equal(t, uint32(0), p.Stats().SendRights, "the right that could not be placed is destroyed")
}

func TestCopyinFromKernel(t *testing.T) {
	e := newEnv(t)
	p, x, y := port.NewPort(), port.NewPort(), port.NewPort()

	m := kmsg.NewKernelMessage(e.engine.Config().Layout, kmsg.Header{
		Bits:   kmsg.MakeBits(kmsg.TypeCopySend, 0),
		Remote: kmsg.Slot{Object: p},
	}, []kmsg.Descriptor{
		&kmsg.PortDescriptor{Object: x, Disposition: kmsg.TypeMakeSend},
		&kmsg.OOLPortsDescriptor{Count: 2, Disposition: kmsg.TypeCopySend, Objects: []kmsg.Object{y, nil}},
	}, nil)
	require.NoError(t, e.engine.CopyinFromKernel(m))

	assert.True(t, m.Header.Bits.Complex())
	assert.False(t, m.Header.Bits.Circular())
	assert.Equal(t, kmsg.TypePortSend, m.Header.Bits.Remote())
	assert.Equal(t, kmsg.TypePortSend, m.Body[0].(*kmsg.PortDescriptor).Disposition)
	assert.Equal(t, kmsg.TypePortSend, m.Body[1].(*kmsg.OOLPortsDescriptor).Disposition)
	assert.Equal(t, uint32(1), x.Stats().MakeSendCount)
	assert.Equal(t, uint32(1), y.Stats().SendRights)

	bad := kmsg.NewKernelMessage(e.engine.Config().Layout, kmsg.Header{Bits: kmsg.MakeBits(kmsg.TypeCopySend, 0)}, nil, nil)
	assert.ErrorIs(t, e.engine.CopyinFromKernel(bad), kern.SendInvalidDest)
}

// writerBlocked reports whether a writer on s has to wait, which holds
// while any reader has s locked. The returned channel closes once the
// writer got through.
func writerBlocked(s *port.Space) (bool, <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		s.Lock()
		s.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return false, done
	case <-time.After(50 * time.Millisecond):
		return true, done
	}
}

func TestDestinationConvertsUnderSpaceLock(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, e *env, m *kmsg.Message)
	}{
		{"copyout", func(t *testing.T, e *env, m *kmsg.Message) {
			require.NoError(t, e.engine.Copyout(e.worker, m, e.receiver, e.receiverMem, kmsg.NameNull))
		}},
		{"copyout dest", func(_ *testing.T, e *env, m *kmsg.Message) {
			e.engine.CopyoutDest(e.worker, m, e.receiver)
		}},
		{"copyout to kernel", func(_ *testing.T, e *env, m *kmsg.Message) {
			e.engine.CopyoutToKernel(e.worker, m, e.receiver)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &hookRights{}
			e := setup(t, kmsg.DefaultConfig(), func(r *port.Rights) kmsg.Rights {
				hooks.Rights = r
				return hooks
			}, nil)
			_, rn, sn := e.dest(t)
			m := e.get(t, wireMsg{bits: kmsg.MakeBits(kmsg.TypeCopySend, 0), remote: sn})
			require.NoError(t, e.engine.Copyin(e.worker, m, e.sender, e.senderMem, kmsg.NameNull))

			var held []bool
			var writers []<-chan struct{}
			hooks.onCopyout = func() {
				blocked, done := writerBlocked(e.receiver)
				held = append(held, blocked)
				writers = append(writers, done)
			}
			tt.run(t, e, m)
			for _, done := range writers {
				<-done
			}

			assert.Equal(t, []bool{true}, held)
			assert.Equal(t, rn, m.Header.Local.Name)
		})
	}
}
