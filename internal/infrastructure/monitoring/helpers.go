package monitoring

import "time"

// Timer measures a transfer's duration
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
}

// NewTimer starts timing op
func NewTimer(metrics *Metrics, op string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		op:      op,
	}
}

// Stop records the elapsed time with a status derived from err
func (t *Timer) Stop(err error) time.Duration {
	d := time.Since(t.start)
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordTransfer(t.op, status, d)
	return d
}
