package jobflow

import (
	"fmt"

	"github.com/andrewwormald/jobflow/internal/metrics"
)

type Health int

const (
	HealthUnknown  Health = 0
	HealthHealthy  Health = 1
	HealthDegraded Health = 2
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	default:
		return fmt.Sprintf("Health(%d)", h)
	}
}

// Health reports HealthDegraded while the most recent attempt at any infrastructure boundary (queue, store or
// pubsub) failed with a transient error. A boundary recovers on its next success.
func (e *Engine) Health() Health {
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()

	if len(e.degraded) > 0 {
		return HealthDegraded
	}

	return HealthHealthy
}

func (e *Engine) setDegraded(boundary string, degraded bool) {
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()

	if e.degraded[boundary] == degraded {
		return
	}

	if degraded {
		e.degraded[boundary] = true
	} else {
		delete(e.degraded, boundary)
	}

	if len(e.degraded) > 0 {
		metrics.Degraded.Set(1)
	} else {
		metrics.Degraded.Set(0)
	}
}
