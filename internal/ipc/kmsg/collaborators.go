package kmsg

// Object is a port as the engine sees it. The engine never inspects a port
// beyond these methods.
type Object interface {
	// Lock and Unlock guard Active and Timestamp. A port lock is only ever
	// taken while the relevant space lock is held, never the reverse.
	Lock()
	Unlock()
	// Active reports whether the port is alive.
	Active() bool
	// Timestamp is the port's death time. Only meaningful once !Active.
	Timestamp() Timestamp
	// Reference and Release adjust the object reference count.
	Reference()
	Release()
}

type deadObject struct{}

func (deadObject) Lock()                {}
func (deadObject) Unlock()              {}
func (deadObject) Active() bool         { return false }
func (deadObject) Timestamp() Timestamp { return 0 }
func (deadObject) Reference()           {}
func (deadObject) Release()             {}

// Dead stands in for a right whose port died before it could be copied in.
var Dead Object = deadObject{}

// ValidObject reports whether o is a real object rather than null or Dead.
func ValidObject(o Object) bool {
	return o != nil && o != Dead
}

// objectForName returns the sentinel object carried for an invalid name.
func objectForName(n Name) Object {
	if n == NameDead {
		return Dead
	}
	return nil
}

// nameForObject returns the sentinel name for an invalid object.
func nameForObject(o Object) Name {
	if o == Dead {
		return NameDead
	}
	return NameNull
}

// EntryRights is the set of rights an entry denotes.
type EntryRights uint8

const (
	RightSend EntryRights = 1 << iota
	RightReceive
	RightSendOnce
	RightDeadName
)

// Entry is a snapshot of one namespace slot.
type Entry struct {
	Object Object
	Rights EntryRights
	Urefs  uint32
}

// Space is a task's capability namespace.
type Space interface {
	// Lock and Unlock take the space for writing; RLock and RUnlock for
	// read-only name resolution.
	Lock()
	Unlock()
	RLock()
	RUnlock()
	// Active reports whether the space is alive. Lock held.
	Active() bool
	// Lookup returns the entry for name. Lock held.
	Lookup(name Name) (Entry, bool)
}

// Rights are the one-right transfer primitives. Methods suffixed Locked
// require the caller to hold the space write lock; the rest lock the space
// themselves unless noted. Errors are kern.Return KERN_* codes.
type Rights interface {
	// CopyinCheckLocked reports whether copying in name with disp would
	// succeed, without changing anything.
	CopyinCheckLocked(s Space, name Name, disp Disposition) bool
	// CopyinLocked converts one right in the space to an object reference.
	// With deadOK a right to a dead port yields Dead instead of an error.
	CopyinLocked(s Space, name Name, disp Disposition, deadOK bool) (Object, error)
	// CopyinTwoLocked moves two send rights out of one entry at once.
	CopyinTwoLocked(s Space, name Name) (Object, error)
	// CopyinUndoLocked reverses a successful CopyinLocked.
	CopyinUndoLocked(s Space, name Name, disp Disposition, obj Object)
	// CopyoutLocked converts a right held by the kernel into a name. A
	// non-nil notify registers a dead-name request for the new name in the
	// same step. On error the right stays with the caller.
	CopyoutLocked(s Space, obj Object, disp Disposition, notify Object) (Name, error)

	// Copyin is CopyinLocked(deadOK) with the space locked for the call.
	Copyin(s Space, name Name, disp Disposition) (Object, error)
	// CopyinFromKernel adjusts obj for a right supplied by the kernel itself.
	CopyinFromKernel(obj Object, disp Disposition)
	// Copyout is CopyoutLocked with the space locked for the call.
	Copyout(s Space, obj Object, disp Disposition) (Name, error)
	// CopyoutDest consumes a destination right and returns the receiver's
	// existing name for the port in s, or NameNull. Space read-locked.
	CopyoutDest(s Space, obj Object, disp Disposition) Name
	// CopySend creates an additional send right for obj.
	CopySend(obj Object) Object
	// Destroy releases a right held by the kernel. Destroying a receive
	// right may cascade into destroying queued messages through w.
	Destroy(w *Worker, obj Object, disp Disposition)
	// CheckCircularity reports whether sending obj's receive right to dest
	// would make obj reachable from itself.
	CheckCircularity(obj, dest Object) bool
}

// UserMemory is a task address space as seen by the engine.
type UserMemory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Allocate(size uint64) (uint64, error)
	Deallocate(addr, size uint64) error
}

// CopyHandle is an opaque captured region.
type CopyHandle interface {
	Size() uint64
}

// VM is the virtual-memory copy primitive.
type VM interface {
	// CopyinRegion captures size bytes at addr. With physical the bytes are
	// duplicated immediately, otherwise captured copy-on-write. With dealloc
	// the source range is removed from mem.
	CopyinRegion(mem UserMemory, addr, size uint64, physical, dealloc bool) (CopyHandle, error)
	// CopyoutRegion materializes h at a new address in mem and consumes it.
	CopyoutRegion(mem UserMemory, h CopyHandle) (uint64, error)
	// Discard drops a handle that will never be copied out.
	Discard(h CopyHandle)
}
