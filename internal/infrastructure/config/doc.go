// Package config provides 12-factor configuration for the IPC engine.
//
// Configuration is loaded from environment variables with defaults, or from
// a TOML file layered over the same defaults.
//
// Configuration Sections:
//   - IPC: wire layout and message sizing constants
//   - VM: reference memory-system capacity
//   - Logging: log level and output format
//   - Metrics: Prometheus namespace and enablement
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	engine := kmsg.New(kmsg.ConfigFrom(cfg.IPC), rights, vm)
//
// Environment Variables:
//   - IPC_NARROW_NAMES, IPC_MAX_BODY_SPACE, IPC_OOL_PHYSICAL_BUDGET
//   - IPC_OOL_SMALL_THRESHOLD, IPC_SMALL_MESSAGE_SIZE, IPC_KERNEL_COPY_MAP_SIZE
//   - LOG_LEVEL, LOG_DEV
//   - METRICS_ENABLED, METRICS_NAMESPACE
package config
