package kmsg_test

import (
	"encoding/binary"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/port"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/vm"
)

// env is a sender and a receiver task sharing one engine.
type env struct {
	rights  *port.Rights
	copier  *vm.Copier
	engine  *kmsg.Engine
	worker  *kmsg.Worker
	reg     *prometheus.Registry
	metrics *monitoring.Metrics

	sender      *port.Space
	senderMem   *vm.Map
	receiver    *port.Space
	receiverMem *vm.Map
}

func newEnv(t *testing.T) *env {
	return setup(t, kmsg.DefaultConfig(), nil, nil)
}

// setup builds an env. wrap may interpose on the rights primitives and v
// replaces the copier as the engine's VM.
func setup(t *testing.T, cfg kmsg.Config, wrap func(*port.Rights) kmsg.Rights, v kmsg.VM) *env {
	t.Helper()
	e := &env{
		rights:      port.NewRights(nil),
		copier:      vm.NewCopier(64<<20, nil),
		reg:         prometheus.NewRegistry(),
		sender:      port.NewSpace(0),
		senderMem:   vm.NewMap(0),
		receiver:    port.NewSpace(0),
		receiverMem: vm.NewMap(0),
	}
	e.metrics = monitoring.NewMetrics(e.reg, "test")

	var rights kmsg.Rights = e.rights
	if wrap != nil {
		rights = wrap(e.rights)
	}
	if v == nil {
		v = e.copier
	}
	e.engine = kmsg.New(cfg, rights, v).WithMetrics(e.metrics)
	e.worker = e.engine.NewWorker()
	return e
}

// dest creates a port whose receive right is in the receiver and gives
// the sender one send right to it.
func (e *env) dest(t *testing.T) (*port.Port, kmsg.Name, kmsg.Name) {
	t.Helper()
	p := port.NewPort()
	rn, err := e.receiver.InsertReceive(p)
	require.NoError(t, err)
	sn, err := e.sender.InsertSend(p, 1)
	require.NoError(t, err)
	return p, rn, sn
}

// get writes b into the sender's memory and copies it into the kernel.
func (e *env) get(t *testing.T, b wireMsg) *kmsg.Message {
	t.Helper()
	raw := b.encode()
	addr, err := e.senderMem.Load(raw)
	require.NoError(t, err)
	m, err := e.engine.Get(e.senderMem, addr, uint32(len(raw)), kmsg.Credentials{})
	require.NoError(t, err)
	return m
}

// load places data in the sender's memory.
func (e *env) load(t *testing.T, data []byte) uint64 {
	t.Helper()
	addr, err := e.senderMem.Load(data)
	require.NoError(t, err)
	return addr
}

// wireMsg builds a user message. Descriptors are supplied pre-encoded for
// the layout under test.
type wireMsg struct {
	bits          kmsg.Bits
	remote, local kmsg.Name
	id            int32
	descs         [][]byte
	data          []byte
}

func (b wireMsg) encode() []byte {
	le := binary.LittleEndian
	bits := b.bits
	if len(b.descs) > 0 {
		bits |= kmsg.BitsComplex
	}
	var body []byte
	if bits.Complex() {
		body = le.AppendUint32(body, uint32(len(b.descs)))
		for _, d := range b.descs {
			body = append(body, d...)
		}
	}
	body = append(body, b.data...)

	out := le.AppendUint32(nil, uint32(bits))
	out = le.AppendUint32(out, uint32(kmsg.LegacyHeaderSize+len(body)))
	out = le.AppendUint32(out, uint32(b.remote))
	out = le.AppendUint32(out, uint32(b.local))
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, uint32(b.id))
	return append(out, body...)
}

func portDesc(name kmsg.Name, disp kmsg.Disposition) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(name))
	b = binary.LittleEndian.AppendUint32(b, 0)
	return append(b, 0, 0, byte(disp), byte(kmsg.DescriptorPort))
}

func oolDesc(addr uint64, size uint32, opt kmsg.CopyOption, dealloc bool) []byte {
	return wideDesc(addr, size, kmsg.DescriptorOOL, opt, 0, dealloc)
}

func oolPortsDesc(addr uint64, count uint32, disp kmsg.Disposition) []byte {
	return wideDesc(addr, count, kmsg.DescriptorOOLPorts, kmsg.VirtualCopy, disp, false)
}

func wideDesc(addr uint64, n uint32, t kmsg.DescriptorType, opt kmsg.CopyOption, disp kmsg.Disposition, dealloc bool) []byte {
	var flag byte
	if dealloc {
		flag = 1
	}
	b := binary.LittleEndian.AppendUint64(nil, addr)
	b = append(b, flag, byte(opt), byte(disp), byte(t))
	return binary.LittleEndian.AppendUint32(b, n)
}

func narrowOOLDesc(addr uint32, size uint32, opt kmsg.CopyOption) []byte {
	b := binary.LittleEndian.AppendUint32(nil, addr)
	b = binary.LittleEndian.AppendUint32(b, size)
	return append(b, 0, byte(opt), 0, byte(kmsg.DescriptorOOL))
}

func names(ns ...kmsg.Name) []byte {
	var b []byte
	for _, n := range ns {
		b = binary.LittleEndian.AppendUint32(b, uint32(n))
	}
	return b
}

// snapshot records the entries and port counters a failed transfer must
// leave untouched.
type snapshot struct {
	entries map[kmsg.Name]port.EntrySnapshot
	stats   map[*port.Port]port.Stats
}

func takeSnapshot(s *port.Space, ns []kmsg.Name, ports ...*port.Port) snapshot {
	snap := snapshot{
		entries: make(map[kmsg.Name]port.EntrySnapshot),
		stats:   make(map[*port.Port]port.Stats),
	}
	for _, n := range ns {
		if e, ok := s.Snapshot(n); ok {
			snap.entries[n] = e
		}
	}
	for _, p := range ports {
		snap.stats[p] = p.Stats()
	}
	return snap
}
