package logging

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/AgentOS/kmsg/internal/ipc/kern"
	"github.com/GriffinCanCode/AgentOS/kmsg/internal/shared/id"
	"go.uber.org/zap"
)

// Trace tags a line with the message trace ID.
func Trace(t id.MessageID) zap.Field {
	return zap.String("trace", string(t))
}

// Age reports how long ago the message behind t was created. Malformed
// or missing trace IDs add nothing.
func Age(t id.MessageID) zap.Field {
	created, err := id.Timestamp(string(t))
	if err != nil {
		return zap.Skip()
	}
	return zap.Duration("age", time.Since(created))
}

// Return renders a kern return code with its symbolic name.
func Return(r kern.Return) zap.Field {
	return zap.Stringer("return", r)
}

// Name renders a port name under key.
func Name(key string, n fmt.Stringer) zap.Field {
	return zap.Stringer(key, n)
}

// Stage names the step of a transfer that produced the line.
func Stage(stage string) zap.Field {
	return zap.String("stage", stage)
}
