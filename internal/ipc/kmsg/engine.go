package kmsg

import (
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the engine's sizing constants.
type Config struct {
	Layout Layout
	// MaxBodySpace bounds the body of a user message (TooLarge above it).
	MaxBodySpace uint32
	// OOLPhysicalBudget bounds the bytes one message may copy physically.
	OOLPhysicalBudget uint64
	// OOLSmallThreshold is the size below which OOL data is always copied
	// physically.
	OOLSmallThreshold uint64
	// SmallMessageSize is the cached buffer size; smaller allocations are
	// rounded up to it.
	SmallMessageSize uint32
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().IPC)
}

// ConfigFrom derives engine settings from the loaded configuration.
func ConfigFrom(c config.IPCConfig) Config {
	return Config{
		Layout:            Layout{Narrow: c.NarrowNames},
		MaxBodySpace:      c.MaxBodySpace,
		OOLPhysicalBudget: c.OOLPhysicalBudget,
		OOLSmallThreshold: c.OOLSmallThreshold,
		SmallMessageSize:  c.SmallMessageSize,
	}
}

// Engine moves messages and the rights and memory they carry between
// tasks and the kernel.
type Engine struct {
	cfg     Config
	rights  Rights
	vm      VM
	log     *zap.Logger
	metrics *monitoring.Metrics
	small   sync.Pool
	// warn throttles shortage warnings; the metrics still count each one.
	warn    rate.Sometimes
}

// New creates an engine over the given collaborators.
func New(cfg Config, rights Rights, vm VM) *Engine {
	e := &Engine{
		cfg:    cfg,
		rights: rights,
		vm:     vm,
		log:    zap.NewNop(),
		warn:   rate.Sometimes{Interval: time.Second},
	}
	size := int(cfg.SmallMessageSize)
	e.small.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return e
}

// NewFromConfig assembles an engine from the loaded configuration. When
// metrics are enabled the collectors register with reg.
func NewFromConfig(cfg *config.Config, rights Rights, vm VM, reg prometheus.Registerer) (*Engine, error) {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	e := New(ConfigFrom(cfg.IPC), rights, vm).WithLogger(log.Logger)
	if cfg.Metrics.Enabled {
		e.WithMetrics(monitoring.NewMetrics(reg, cfg.Metrics.Namespace))
	}
	return e, nil
}

// WithLogger sets the logger
func (e *Engine) WithLogger(log *zap.Logger) *Engine {
	if log != nil {
		e.log = log.Named("kmsg")
	}
	return e
}

// WithMetrics adds metrics collection
func (e *Engine) WithMetrics(m *monitoring.Metrics) *Engine {
	e.metrics = m
	return e
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) rejected(m *Message, direction, stage string, index int, r kern.Return) {
	fields := []zap.Field{logging.Stage(stage), logging.Return(r)}
	if m != nil {
		fields = append(fields, logging.Trace(m.trace))
	}
	if index >= 0 {
		fields = append(fields, zap.Int("index", index))
	}
	e.log.Debug(direction+" rejected", fields...)
	e.metrics.RecordTransferError(direction, stage, codeLabel(r))
}

func (e *Engine) shortage(m *Message, stage string, r kern.Return) {
	e.metrics.RecordTransferError("copyout", stage, codeLabel(r))
	e.warn.Do(func() {
		e.log.Warn("copyout resource shortage",
			logging.Trace(m.trace),
			logging.Stage(stage),
			logging.Return(r))
	})
}

func codeLabel(r kern.Return) string {
	return r.Code().String()
}
