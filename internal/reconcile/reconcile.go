// Package reconcile re-binds persisted agents to their runtime locations at
// worker start, before any external RPC is served.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Registry is the orchestrator surface the reconciler needs: putting
// surviving agents back into the in-memory registry.
type Registry interface {
	Register(ctx context.Context, agent *v1.AgentInstance) error
}

// Summary is the reconciliation outcome. Lost counts every agent that
// could not be reconnected; Orphaned is the subset whose runtime is no
// longer configured at all.
type Summary struct {
	Total       int      `json:"total"`
	Reconnected int      `json:"reconnected"`
	Lost        int      `json:"lost"`
	Orphaned    int      `json:"orphaned"`
	Errors      []string `json:"errors"`
}

// Reconciler sweeps persisted agents once at startup.
type Reconciler struct {
	store    store.Store
	runtimes *runtime.Manager
	registry Registry
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a reconciler.
func New(st store.Store, runtimes *runtime.Manager, registry Registry, eventBus bus.EventBus, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:    st,
		runtimes: runtimes,
		registry: registry,
		eventBus: eventBus,
		logger:   log,
	}
}

// Run performs one reconciliation sweep. It is idempotent: a second run over
// the resulting state changes nothing.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	summary := &Summary{}
	for _, agent := range agents {
		if agent.State.Terminal() {
			continue
		}
		summary.Total++

		adapter, err := r.runtimes.Get(agent.RuntimeID)
		if err != nil {
			summary.Lost++
			summary.Orphaned++
			r.markLost(ctx, agent, "runtime no longer configured", summary)
			continue
		}

		if adapter.IsAlive(ctx, agent.Location) {
			summary.Reconnected++
			r.reconnect(ctx, agent, summary)
		} else {
			summary.Lost++
			r.markLost(ctx, agent, "lost during reconciliation", summary)
		}
	}

	r.logger.Info("reconciliation finished",
		zap.Int("total", summary.Total),
		zap.Int("reconnected", summary.Reconnected),
		zap.Int("lost", summary.Lost),
		zap.Int("orphaned", summary.Orphaned),
		zap.Int("errors", len(summary.Errors)))
	return summary, nil
}

func (r *Reconciler) reconnect(ctx context.Context, agent *v1.AgentInstance, summary *Summary) {
	agent.State = v1.AgentStateIdle
	agent.ErrorMessage = ""
	agent.LastActivityAt = time.Now().UTC()
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("agent %s: %v", agent.ID, err))
		return
	}
	if err := r.registry.Register(ctx, agent); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("agent %s: %v", agent.ID, err))
		return
	}
	r.publish(ctx, events.AgentReconnected, agent.ID)
}

func (r *Reconciler) markLost(ctx context.Context, agent *v1.AgentInstance, reason string, summary *Summary) {
	taskID := agent.CurrentTaskID
	agent.State = v1.AgentStateError
	agent.ErrorMessage = reason
	agent.CurrentTaskID = ""
	agent.LastActivityAt = time.Now().UTC()
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("agent %s: %v", agent.ID, err))
		return
	}

	if taskID != "" {
		r.revertTask(ctx, taskID, summary)
	}
	r.publish(ctx, events.AgentLost, agent.ID)
}

// revertTask puts the in-flight task of a lost agent back to pending.
func (r *Reconciler) revertTask(ctx context.Context, taskID string, summary *Summary) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}
	task.Status = v1.TaskStatusPending
	task.AssignedAgentID = ""
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveTask(ctx, task); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("task %s: %v", taskID, err))
	}
}

func (r *Reconciler) publish(ctx context.Context, name, agentID string) {
	event := bus.NewEvent(name, "reconciler", map[string]interface{}{"agentId": agentID})
	if err := r.eventBus.Publish(ctx, name, event); err != nil {
		r.logger.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}
