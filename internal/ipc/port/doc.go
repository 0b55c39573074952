// Package port provides reference ports, capability spaces and the
// one-right transfer primitives the message engine consumes.
//
// Every space entry holds one reference on its port, as does every right
// carried by a message. Copyins made under a space's write lock are
// journaled so the engine can undo them until the lock is released. Port
// death is lazy: entries keep pointing at a dead port until a copyin
// converts them to dead names.
//
// Lock order is space, then port. Destroy must be called with no space
// lock held because a dying port destroys its queued messages.
package port
