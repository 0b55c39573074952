/*
Package kmsg implements the kernel message engine: message buffers, the
transfer of port rights and out-of-line memory between tasks and the
kernel, and the queue used both for delivery and for deferred destruction.

# Lifecycle

A message enters through Get (from a task) or GetFromKernel. Copyin then
converts the header's destination and reply names into object references
and, for complex messages, acquires every right and memory region the body
names. The message is queued until a receiver takes it; Copyout converts
everything back into names and addresses in the receiver, and Put writes
the wire form out and frees the buffer. Messages that are abandoned at any
point go through Worker.Destroy.

# Atomicity

Header copy-in is all or nothing with respect to the sender's space. Body
copy-in failure at descriptor i releases descriptors [0, i) and never
touches the rest. Copy-out never aborts once the header is delivered;
failures become resource bits on the returned kern.Return.

# Collaborators

Ports, spaces and the one-right primitives are reached only through the
Object, Space and Rights interfaces; memory through UserMemory and VM.
Package port and package vm provide reference implementations.

# Destruction

Destroying a receive right destroys the messages queued on its port, which
may hold further receive rights. Worker.Destroy queues such nested
requests on the worker instead of recursing, so a cascade of any length
runs in constant stack.
*/
package kmsg
