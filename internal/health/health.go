// Package health aggregates component status for daemon.health and the
// HTTP /health endpoint.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Checker produces point-in-time health reports.
type Checker struct {
	store     store.Store
	eventBus  bus.EventBus
	runtimes  *runtime.Manager
	startedAt time.Time
}

func NewChecker(st store.Store, eventBus bus.EventBus, runtimes *runtime.Manager, startedAt time.Time) *Checker {
	return &Checker{
		store:     st,
		eventBus:  eventBus,
		runtimes:  runtimes,
		startedAt: startedAt,
	}
}

// Report probes the store, the event bus and the runtime snapshot. The
// overall verdict is down when the store is unreachable, degraded when any
// other component is unwell, ok otherwise.
func (c *Checker) Report(ctx context.Context) *v1.HealthReport {
	report := &v1.HealthReport{
		Status:     v1.HealthOK,
		Components: make(map[string]v1.ComponentHealth),
		Runtimes:   c.runtimes.HealthSnapshot(),
		UptimeSecs: int64(time.Since(c.startedAt).Seconds()),
		Timestamp:  time.Now().UTC(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.store.ListLanes(probeCtx); err != nil {
		report.Components["store"] = v1.ComponentHealth{
			Status:  v1.HealthDown,
			Details: fmt.Sprintf("store unreachable: %v", err),
		}
		report.Status = v1.HealthDown
	} else {
		report.Components["store"] = v1.ComponentHealth{Status: v1.HealthOK}
	}

	if c.eventBus.IsConnected() {
		report.Components["event_bus"] = v1.ComponentHealth{Status: v1.HealthOK}
	} else {
		report.Components["event_bus"] = v1.ComponentHealth{
			Status:  v1.HealthDegraded,
			Details: "event bus disconnected",
		}
		degrade(report)
	}

	for id, probe := range report.Runtimes {
		if probe.Health == v1.RuntimeUnhealthy {
			report.Components["runtime:"+id] = v1.ComponentHealth{
				Status:  v1.HealthDegraded,
				Details: probe.Details,
			}
			degrade(report)
		}
	}

	return report
}

func degrade(report *v1.HealthReport) {
	if report.Status == v1.HealthOK {
		report.Status = v1.HealthDegraded
	}
}
