// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// The IPC engine logs rejected transfers at Debug and resource shortages
// during delivery at Warn. The field helpers in this package keep the keys
// consistent across packages:
//
//	log.Debug("copyin rejected",
//		logging.Trace(m.Trace()),
//		logging.Stage("body"),
//		logging.Return(kern.SendInvalidRight))
package logging
