package kanban

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Sweeper archives done tasks whose effective autoClose is set, killing
// their agent's runtime location after the grace window.
type Sweeper struct {
	model    *Model
	grace    time.Duration
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates an auto-close sweeper. interval controls how often the
// board is scanned; grace is how long a task rests in done before close.
func NewSweeper(model *Model, grace, interval time.Duration) *Sweeper {
	return &Sweeper{
		model:    model,
		grace:    grace,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop terminates the loop and waits for it.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass. Exported so tests and daemon shutdown can force it.
func (s *Sweeper) Sweep(ctx context.Context) {
	tasks, err := s.model.ListTasks(ctx, "")
	if err != nil {
		s.model.logger.Warn("auto-close sweep failed to list tasks", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.grace)
	for _, task := range tasks {
		if task.KanbanColumn != v1.ColumnDone || task.DoneAt == nil {
			continue
		}
		if hasTag(task, archivedTag) {
			continue
		}
		if task.DoneAt.After(cutoff) {
			continue
		}
		if !s.model.EffectiveToggles(ctx, task).AutoClose {
			continue
		}
		s.closeOne(ctx, task)
	}
}

func (s *Sweeper) closeOne(ctx context.Context, task *v1.Task) {
	if task.AssignedAgentID != "" {
		if err := s.model.runner.Kill(ctx, task.AssignedAgentID); err != nil {
			s.model.logger.Warn("auto-close kill failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", task.AssignedAgentID),
				zap.Error(err))
		}
	}

	task.Tags = append(task.Tags, archivedTag)
	task.UpdatedAt = time.Now().UTC()
	if err := s.model.store.SaveTask(ctx, task); err != nil {
		s.model.logger.Warn("auto-close archive failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	s.model.logger.Info("task auto-closed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AssignedAgentID))
	s.model.publish(ctx, events.TaskUpdated, map[string]interface{}{
		"taskId":   task.ID,
		"archived": true,
	})
}
