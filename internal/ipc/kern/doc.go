// Package kern defines the return codes shared by the message engine and its
// collaborators.
//
// Codes are numerically identical to the Mach values so that they can be
// handed back to a caller unchanged:
//   - KERN_* codes: failures reported by the port, space and VM primitives
//   - MACH_SEND_* codes: send-side (copy-in) failures
//   - MACH_RCV_* codes: receive-side (copy-out) failures
//   - MACH_MSG_* resource bits: OR'd into receive codes to say which resource ran out
//
// Every Return implements error. Matching with errors.Is treats the resource
// bits as a set, so
//
//	errors.Is(err, kern.RcvBodyError)
//
// holds for RcvBodyError|MsgVMSpace as well.
package kern
