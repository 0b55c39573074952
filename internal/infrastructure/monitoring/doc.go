/*
Package monitoring provides Prometheus metrics for the IPC engine.

# Overview

The engine reports message buffer lifecycle, failed transfer steps by
direction, stage and return code, out-of-line traffic by copy strategy,
circular messages and the length of deferred-destroy drains.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg, "ipc")

	engine := kmsg.New(cfg, rights, vm).WithMetrics(metrics)

	timer := monitoring.NewTimer(metrics, "copyin")
	err := engine.Copyin(w, m, space, mem, kmsg.NameNull)
	timer.Stop(err)

All methods accept a nil *Metrics.
*/
package monitoring
