// Package pipeline runs DAGs of stages by materialising tasks onto the
// kanban board and watching their completion events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var (
	// ErrInvalidPipeline is returned when a pipeline definition fails
	// validation.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrRunNotActive is returned for pause/resume/cancel on a run that is
	// not in a compatible state.
	ErrRunNotActive = errors.New("run is not active")
)

// TaskInserter is the narrow kanban surface the engine materialises tasks
// through.
type TaskInserter interface {
	CreateTask(ctx context.Context, task *v1.Task) (*v1.Task, error)
}

// TaskCanceller interrupts in-flight tasks on run cancellation.
type TaskCanceller interface {
	CancelTask(ctx context.Context, taskID string) error
}

// Engine owns pipelines and their runs.
type Engine struct {
	store     store.Store
	eventBus  bus.EventBus
	inserter  TaskInserter
	canceller TaskCanceller
	logger    *logger.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// New creates the engine. Call Start to subscribe it to task events.
func New(st store.Store, eventBus bus.EventBus, inserter TaskInserter, canceller TaskCanceller, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		eventBus:  eventBus,
		inserter:  inserter,
		canceller: canceller,
		logger:    log,
	}
}

// Start subscribes the engine to task completion events.
func (e *Engine) Start(ctx context.Context) error {
	for _, name := range []string{events.TaskCompleted, events.TaskFailed, events.TaskCancelled} {
		sub, err := e.eventBus.Subscribe(name, e.onTaskEvent)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		e.subs = append(e.subs, sub)
	}
	return nil
}

// Stop detaches the engine from the event bus.
func (e *Engine) Stop() {
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	e.subs = nil
}

func (e *Engine) publish(ctx context.Context, name string, payload map[string]interface{}) {
	event := bus.NewEvent(name, "pipeline", payload)
	if err := e.eventBus.Publish(ctx, name, event); err != nil {
		e.logger.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// Definitions.

// Create validates and stores a pipeline at version 1.
func (e *Engine) Create(ctx context.Context, p *v1.Pipeline) (*v1.Pipeline, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Version = 1
	p.CreatedAt = time.Now().UTC()
	if err := e.store.SavePipeline(ctx, p); err != nil {
		return nil, err
	}
	e.publish(ctx, events.PipelineCreated, map[string]interface{}{"pipelineId": p.ID, "name": p.Name})
	return p, nil
}

// Update replaces the stage graph. A pipeline that already has runs gets a
// version bump so old runs stay interpretable.
func (e *Engine) Update(ctx context.Context, p *v1.Pipeline) (*v1.Pipeline, error) {
	existing, err := e.store.GetPipeline(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	runs, err := e.store.ListRunsByPipeline(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Version = existing.Version
	if len(runs) > 0 {
		p.Version++
	}
	p.CreatedAt = existing.CreatedAt
	if err := e.store.SavePipeline(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns all pipelines.
func (e *Engine) List(ctx context.Context) ([]*v1.Pipeline, error) {
	return e.store.ListPipelines(ctx)
}

// Get returns one pipeline.
func (e *Engine) Get(ctx context.Context, id string) (*v1.Pipeline, error) {
	return e.store.GetPipeline(ctx, id)
}

// Delete removes a pipeline definition. Runs are kept for history.
func (e *Engine) Delete(ctx context.Context, id string) error {
	runs, err := e.store.ListRunsByPipeline(ctx, id)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if runActive(run.Status) {
			return fmt.Errorf("pipeline %s has an active run %s", id, run.ID)
		}
	}
	return e.store.DeletePipeline(ctx, id)
}

func runActive(s v1.RunStatus) bool {
	return s == v1.RunStatusRunning || s == v1.RunStatusPaused
}

// validate checks stage IDs, dependency references, per-type fields and
// acyclicity.
func validate(p *v1.Pipeline) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidPipeline)
	}

	byID := make(map[string]*v1.Stage, len(p.Stages))
	for i := range p.Stages {
		stage := &p.Stages[i]
		if stage.ID == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrInvalidPipeline, i)
		}
		if _, dup := byID[stage.ID]; dup {
			return fmt.Errorf("%w: duplicate stage id %s", ErrInvalidPipeline, stage.ID)
		}
		byID[stage.ID] = stage
		switch stage.Type {
		case v1.StageTypeSequential, v1.StageTypeParallel:
		case v1.StageTypeConditional:
			if stage.Condition == "" {
				return fmt.Errorf("%w: conditional stage %s has no condition", ErrInvalidPipeline, stage.ID)
			}
		case v1.StageTypeFanOut:
			if stage.FanOutCount <= 0 {
				return fmt.Errorf("%w: fan_out stage %s needs fanOutCount > 0", ErrInvalidPipeline, stage.ID)
			}
		default:
			return fmt.Errorf("%w: stage %s has unknown type %q", ErrInvalidPipeline, stage.ID, stage.Type)
		}
	}

	for _, stage := range p.Stages {
		for _, dep := range stage.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: stage %s depends on unknown stage %s", ErrInvalidPipeline, stage.ID, dep)
			}
		}
	}

	// Kahn walk; anything left over sits on a cycle.
	indegree := make(map[string]int, len(p.Stages))
	for _, stage := range p.Stages {
		indegree[stage.ID] += 0
		for range stage.DependsOn {
			indegree[stage.ID]++
		}
	}
	queue := make([]string, 0, len(p.Stages))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, stage := range p.Stages {
			for _, dep := range stage.DependsOn {
				if dep == id {
					indegree[stage.ID]--
					if indegree[stage.ID] == 0 {
						queue = append(queue, stage.ID)
					}
				}
			}
		}
	}
	if seen != len(p.Stages) {
		return fmt.Errorf("%w: stage graph has a cycle", ErrInvalidPipeline)
	}
	return nil
}

// Runs.

// StartRun creates a running run and materialises its initially-ready
// stages.
func (e *Engine) StartRun(ctx context.Context, pipelineID string) (*v1.PipelineRun, error) {
	pipeline, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	run := &v1.PipelineRun{
		ID:           uuid.New().String(),
		PipelineID:   pipelineID,
		Status:       v1.RunStatusRunning,
		StageResults: make(map[string]*v1.StageResult, len(pipeline.Stages)),
		StartedAt:    time.Now().UTC(),
	}
	for _, stage := range pipeline.Stages {
		run.StageResults[stage.ID] = &v1.StageResult{Status: v1.StageStatusPending}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	e.publish(ctx, events.PipelineRunStarted, map[string]interface{}{
		"runId":      run.ID,
		"pipelineId": pipelineID,
	})
	e.scheduleLocked(ctx, pipeline, run)
	return run, nil
}

// GetRun returns one run.
func (e *Engine) GetRun(ctx context.Context, id string) (*v1.PipelineRun, error) {
	return e.store.GetRun(ctx, id)
}

// ListRuns returns runs, optionally scoped to one pipeline.
func (e *Engine) ListRuns(ctx context.Context, pipelineID string) ([]*v1.PipelineRun, error) {
	if pipelineID != "" {
		return e.store.ListRunsByPipeline(ctx, pipelineID)
	}
	return e.store.ListRuns(ctx)
}

// ListActive returns runs that are running or paused.
func (e *Engine) ListActive(ctx context.Context) ([]*v1.PipelineRun, error) {
	runs, err := e.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	active := runs[:0]
	for _, run := range runs {
		if runActive(run.Status) {
			active = append(active, run)
		}
	}
	return active, nil
}

// PauseRun stops new stage materialisation; in-flight tasks finish.
func (e *Engine) PauseRun(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != v1.RunStatusRunning {
		return fmt.Errorf("run %s is %s: %w", id, run.Status, ErrRunNotActive)
	}
	run.Status = v1.RunStatusPaused
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.publish(ctx, events.PipelineRunPaused, map[string]interface{}{"runId": id})
	return nil
}

// ResumeRun restarts materialisation of ready stages.
func (e *Engine) ResumeRun(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != v1.RunStatusPaused {
		return fmt.Errorf("run %s is %s: %w", id, run.Status, ErrRunNotActive)
	}
	run.Status = v1.RunStatusRunning
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.publish(ctx, events.PipelineRunResumed, map[string]interface{}{"runId": id})

	pipeline, err := e.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return err
	}
	e.scheduleLocked(ctx, pipeline, run)
	return nil
}

// CancelRun cancels the run and its in-flight tasks.
func (e *Engine) CancelRun(ctx context.Context, id string) error {
	e.mu.Lock()
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !runActive(run.Status) {
		e.mu.Unlock()
		return fmt.Errorf("run %s is %s: %w", id, run.Status, ErrRunNotActive)
	}
	now := time.Now().UTC()
	run.Status = v1.RunStatusCancelled
	run.CompletedAt = &now
	for _, result := range run.StageResults {
		if result.Status == v1.StageStatusPending || result.Status == v1.StageStatusRunning {
			result.Status = v1.StageStatusCancelled
		}
	}
	err = e.store.SaveRun(ctx, run)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	tasks, err := e.runTasks(ctx, id)
	if err == nil {
		for _, task := range tasks {
			if task.Status.Terminal() {
				continue
			}
			if cerr := e.canceller.CancelTask(ctx, task.ID); cerr != nil {
				e.logger.Warn("failed to cancel run task",
					zap.String("run_id", id),
					zap.String("task_id", task.ID),
					zap.Error(cerr))
			}
		}
	}

	e.publish(ctx, events.PipelineRunCancelled, map[string]interface{}{"runId": id})
	return nil
}

func (e *Engine) runTasks(ctx context.Context, runID string) ([]*v1.Task, error) {
	all, err := e.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, task := range all {
		if task.PipelineRunID == runID {
			out = append(out, task)
		}
	}
	return out, nil
}

// onTaskEvent folds a finished pipeline task back into its run.
func (e *Engine) onTaskEvent(ctx context.Context, event *bus.Event) error {
	taskID, _ := event.Payload["taskId"].(string)
	if taskID == "" {
		return nil
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil || task.PipelineRunID == "" {
		return nil
	}
	return e.OnTaskFinished(ctx, task)
}

// OnTaskFinished records the task outcome against its stage and advances
// the run.
func (e *Engine) OnTaskFinished(ctx context.Context, task *v1.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.store.GetRun(ctx, task.PipelineRunID)
	if err != nil {
		return nil
	}
	if !runActive(run.Status) {
		return nil
	}
	result, ok := run.StageResults[task.PipelineStageID]
	if !ok || result.Status != v1.StageStatusRunning {
		return nil
	}

	pipeline, err := e.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return err
	}
	stage := stageByID(pipeline, task.PipelineStageID)
	if stage == nil {
		return nil
	}

	if task.Status == v1.TaskStatusCompleted {
		result.Output = joinOutput(result.Output, task.Output)
	} else {
		now := time.Now().UTC()
		result.Status = v1.StageStatusFailed
		result.ErrorMessage = task.Output
		result.CompletedAt = &now
		e.failRunLocked(ctx, run, stage.ID)
		return e.store.SaveRun(ctx, run)
	}

	done, err := e.stageDoneLocked(ctx, run.ID, stage.ID)
	if err != nil {
		return err
	}
	if done {
		now := time.Now().UTC()
		result.Status = v1.StageStatusCompleted
		result.AgentID = task.AssignedAgentID
		result.CompletedAt = &now
		e.publish(ctx, events.PipelineStageCompleted, map[string]interface{}{
			"runId":   run.ID,
			"stageId": stage.ID,
		})
		e.scheduleLocked(ctx, pipeline, run)
	}
	return e.store.SaveRun(ctx, run)
}

// stageDoneLocked reports whether every task of the stage in this run has
// completed. Fan-out stages wait for all siblings.
func (e *Engine) stageDoneLocked(ctx context.Context, runID, stageID string) (bool, error) {
	tasks, err := e.runTasks(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if task.PipelineStageID != stageID {
			continue
		}
		if task.Status != v1.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) failRunLocked(ctx context.Context, run *v1.PipelineRun, stageID string) {
	now := time.Now().UTC()
	run.Status = v1.RunStatusFailed
	run.CompletedAt = &now
	e.publish(ctx, events.PipelineStageFailed, map[string]interface{}{
		"runId":   run.ID,
		"stageId": stageID,
	})
	e.publish(ctx, events.PipelineRunFailed, map[string]interface{}{"runId": run.ID})
}

// scheduleLocked materialises every ready stage and completes the run when
// nothing remains.
func (e *Engine) scheduleLocked(ctx context.Context, pipeline *v1.Pipeline, run *v1.PipelineRun) {
	if run.Status != v1.RunStatusRunning {
		return
	}

	progressed := true
	for progressed {
		progressed = false
		for i := range pipeline.Stages {
			stage := &pipeline.Stages[i]
			result := run.StageResults[stage.ID]
			if result == nil || result.Status != v1.StageStatusPending {
				continue
			}
			if !e.depsSatisfied(run, stage) {
				continue
			}

			if stage.Type == v1.StageTypeConditional && !e.conditionHolds(run, pipeline, stage) {
				// Skipped stages count as completed for downstream deps.
				now := time.Now().UTC()
				result.Status = v1.StageStatusSkipped
				result.CompletedAt = &now
				e.publish(ctx, events.PipelineStageSkipped, map[string]interface{}{
					"runId":   run.ID,
					"stageId": stage.ID,
				})
				progressed = true
				continue
			}

			if err := e.materialiseLocked(ctx, run, stage); err != nil {
				e.logger.Error("stage materialisation failed",
					zap.String("run_id", run.ID),
					zap.String("stage_id", stage.ID),
					zap.Error(err))
				continue
			}
			progressed = true
		}
	}

	if e.allStagesDone(run) {
		now := time.Now().UTC()
		run.Status = v1.RunStatusCompleted
		run.CompletedAt = &now
		e.publish(ctx, events.PipelineRunCompleted, map[string]interface{}{"runId": run.ID})
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Error("failed to persist run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) depsSatisfied(run *v1.PipelineRun, stage *v1.Stage) bool {
	for _, dep := range stage.DependsOn {
		result := run.StageResults[dep]
		if result == nil {
			return false
		}
		if result.Status != v1.StageStatusCompleted && result.Status != v1.StageStatusSkipped {
			return false
		}
	}
	return true
}

// conditionHolds does a substring match of the stage condition against the
// concatenated outputs of its predecessors.
func (e *Engine) conditionHolds(run *v1.PipelineRun, pipeline *v1.Pipeline, stage *v1.Stage) bool {
	var outputs []string
	for _, dep := range stage.DependsOn {
		if result := run.StageResults[dep]; result != nil {
			outputs = append(outputs, result.Output)
		}
	}
	if len(stage.DependsOn) == 0 {
		for id, result := range run.StageResults {
			if id == stage.ID || result == nil {
				continue
			}
			outputs = append(outputs, result.Output)
		}
	}
	return strings.Contains(strings.Join(outputs, "\n"), stage.Condition)
}

func (e *Engine) materialiseLocked(ctx context.Context, run *v1.PipelineRun, stage *v1.Stage) error {
	count := 1
	if stage.Type == v1.StageTypeFanOut {
		count = stage.FanOutCount
	}

	autoStart := true
	for i := 0; i < count; i++ {
		description := stage.TaskDescription
		if count > 1 {
			description = fmt.Sprintf("%s (%d/%d)", stage.TaskDescription, i+1, count)
		}
		task := &v1.Task{
			Description:     description,
			TargetRole:      stage.AgentRole,
			KanbanColumn:    v1.ColumnTodo,
			PipelineRunID:   run.ID,
			PipelineStageID: stage.ID,
			Toggles:         v1.Toggles{AutoStart: &autoStart},
		}
		if _, err := e.inserter.CreateTask(ctx, task); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	result := run.StageResults[stage.ID]
	result.Status = v1.StageStatusRunning
	result.StartedAt = &now
	e.publish(ctx, events.PipelineStageStarted, map[string]interface{}{
		"runId":   run.ID,
		"stageId": stage.ID,
	})
	return nil
}

func (e *Engine) allStagesDone(run *v1.PipelineRun) bool {
	for _, result := range run.StageResults {
		if result.Status != v1.StageStatusCompleted && result.Status != v1.StageStatusSkipped {
			return false
		}
	}
	return true
}

func stageByID(pipeline *v1.Pipeline, id string) *v1.Stage {
	for i := range pipeline.Stages {
		if pipeline.Stages[i].ID == id {
			return &pipeline.Stages[i]
		}
	}
	return nil
}

func joinOutput(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	return existing + "\n" + next
}
