package vm

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kmsg"
)

const (
	// PageSize is the allocation granule.
	PageSize = 4096
	// DefaultBase is where allocations start in a new map.
	DefaultBase = 0x10000
)

type region struct {
	start uint64
	data  []byte
}

func (r *region) end() uint64 { return r.start + uint64(len(r.data)) }

func byStart(a, b *region) bool { return a.start < b.start }

// Map is a task address space: a set of disjoint regions indexed by
// start address. It is safe for concurrent use.
type Map struct {
	mu      sync.Mutex
	regions *btree.BTreeG[*region]
	next    uint64
	limit   uint64
	used    uint64
}

var _ kmsg.UserMemory = (*Map)(nil)

// NewMap creates an empty map. A positive limit caps the bytes that may
// be allocated at once; allocations beyond it fail with KERN_NO_SPACE.
func NewMap(limit uint64) *Map {
	return &Map{
		regions: btree.NewG[*region](8, byStart),
		next:    DefaultBase,
		limit:   limit,
	}
}

func roundPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Allocate maps a zeroed region of at least size bytes at a fresh address.
// A guard page separates consecutive regions.
func (m *Map) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, kern.KernInvalidArgument
	}
	size = roundPage(size)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.used+size > m.limit {
		return 0, kern.KernNoSpace
	}
	addr := m.next
	m.next += size + PageSize
	m.used += size
	m.regions.ReplaceOrInsert(&region{start: addr, data: make([]byte, size)})
	return addr, nil
}

// Deallocate unmaps the region starting at addr.
func (m *Map) Deallocate(addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions.Get(&region{start: addr})
	if !ok || roundPage(size) > uint64(len(r.data)) {
		return kern.KernInvalidAddress
	}
	m.regions.Delete(r)
	m.used -= uint64(len(r.data))
	return nil
}

// lookup returns the region containing [addr, addr+n). Lock held.
func (m *Map) lookup(addr, n uint64) (*region, error) {
	var found *region
	m.regions.DescendLessOrEqual(&region{start: addr}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || addr+n < addr || addr+n > found.end() {
		return nil, fmt.Errorf("fault at %#x+%d: %w", addr, n, kern.KernInvalidAddress)
	}
	return found, nil
}

// Read copies len(p) bytes at addr into p.
func (m *Map) Read(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, r.data[addr-r.start:])
	return nil
}

// Write copies p to addr.
func (m *Map) Write(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(r.data[addr-r.start:], p)
	return nil
}

// Load allocates a region holding data and returns its address.
func (m *Map) Load(data []byte) (uint64, error) {
	addr, err := m.Allocate(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	return addr, m.Write(addr, data)
}

// Used returns the bytes currently allocated.
func (m *Map) Used() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Regions returns the number of mapped regions.
func (m *Map) Regions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions.Len()
}
