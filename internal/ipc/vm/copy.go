package vm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
)

// Copy is a captured region in transit.
type Copy struct {
	data     []byte
	physical bool
	charged  uint64
}

// Size returns the captured length.
func (c *Copy) Size() uint64 { return uint64(len(c.data)) }

// Physical reports whether the bytes were duplicated at capture.
func (c *Copy) Physical() bool { return c.physical }

// Copier captures and materializes regions. Physical copies are charged
// against the kernel copy map until they are copied out or discarded.
type Copier struct {
	mu       sync.Mutex
	capacity uint64
	inUse    uint64
	log      *zap.Logger
}

var _ kmsg.VM = (*Copier)(nil)

// NewCopier creates a copier with a kernel copy map of capacity bytes.
func NewCopier(capacity uint64, log *zap.Logger) *Copier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Copier{capacity: capacity, log: log.Named("vm")}
}

func asCopy(h kmsg.CopyHandle) *Copy {
	c, ok := h.(*Copy)
	if !ok {
		panic("vm: foreign copy handle")
	}
	return c
}

// CopyinRegion captures size bytes at addr in mem.
func (c *Copier) CopyinRegion(mem kmsg.UserMemory, addr, size uint64, physical, dealloc bool) (kmsg.CopyHandle, error) {
	var charge uint64
	if physical {
		charge = roundPage(size)
		if err := c.charge(charge); err != nil {
			return nil, err
		}
	}

	data := make([]byte, size)
	if err := mem.Read(addr, data); err != nil {
		c.uncharge(charge)
		return nil, fmt.Errorf("copyin region: %w", err)
	}
	if dealloc {
		if err := mem.Deallocate(addr, size); err != nil {
			c.uncharge(charge)
			return nil, fmt.Errorf("copyin region: %w", err)
		}
	}
	return &Copy{data: data, physical: physical, charged: charge}, nil
}

// CopyoutRegion maps h into mem at a new address and consumes it. On
// error h is left for the caller to discard.
func (c *Copier) CopyoutRegion(mem kmsg.UserMemory, h kmsg.CopyHandle) (uint64, error) {
	cp := asCopy(h)
	addr, err := mem.Allocate(cp.Size())
	if err != nil {
		return 0, err
	}
	if err := mem.Write(addr, cp.data); err != nil {
		_ = mem.Deallocate(addr, cp.Size())
		return 0, err
	}
	c.release(cp)
	return addr, nil
}

// Discard drops h.
func (c *Copier) Discard(h kmsg.CopyHandle) {
	c.release(asCopy(h))
}

func (c *Copier) release(cp *Copy) {
	c.uncharge(cp.charged)
	cp.charged = 0
	cp.data = nil
}

func (c *Copier) charge(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity > 0 && c.inUse+n > c.capacity {
		c.log.Warn("kernel copy map exhausted", zap.Uint64("in_use", c.inUse), zap.Uint64("request", n))
		return kern.KernResourceShortage
	}
	c.inUse += n
	return nil
}

func (c *Copier) uncharge(n uint64) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.inUse -= n
	c.mu.Unlock()
}

// InUse returns the bytes currently charged to the kernel copy map.
func (c *Copier) InUse() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}
