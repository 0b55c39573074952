// Package vm provides a reference memory system for the message engine:
// task address spaces (Map) and the kernel copy primitive (Copier).
//
// Regions are kept in a B-tree keyed by start address. Faults and
// exhaustion are reported as kern.Return KERN_* codes, wrapped with
// context where useful.
package vm
