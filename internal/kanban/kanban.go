// Package kanban owns swim lanes and tasks and the board-level rules that
// bind columns to task status.
package kanban

import (
	"context"
	"errors"
	"fmt"
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
	// ErrInvalidColumn is returned for moves to an unknown column.
	ErrInvalidColumn = errors.New("invalid kanban column")
	// ErrDependencyCycle is returned when a dependsOn edit would make the
	// task graph cyclic.
	ErrDependencyCycle = errors.New("task dependencies form a cycle")
)

// archivedTag marks a done task swept by the auto-close timer. Archived
// tasks stay queryable but drop off the board.
const archivedTag = "archived"

// TaskRunner is the narrow orchestrator surface the board needs: handing a
// task over, cancelling one and tearing an agent down.
type TaskRunner interface {
	SubmitTask(ctx context.Context, task *v1.Task) error
	CancelTask(ctx context.Context, taskID string) error
	Kill(ctx context.Context, agentID string) error
}

// Model implements the board operations over the store, with the
// orchestrator reached only through TaskRunner.
type Model struct {
	store    store.Store
	eventBus bus.EventBus
	runner   TaskRunner
	logger   *logger.Logger
}

// New creates the kanban model.
func New(st store.Store, eventBus bus.EventBus, runner TaskRunner, log *logger.Logger) *Model {
	return &Model{
		store:    st,
		eventBus: eventBus,
		runner:   runner,
		logger:   log,
	}
}

func (m *Model) publish(ctx context.Context, name string, payload map[string]interface{}) {
	event := bus.NewEvent(name, "kanban", payload)
	if err := m.eventBus.Publish(ctx, name, event); err != nil {
		m.logger.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// Lanes.

// CreateLane registers a swim lane.
func (m *Model) CreateLane(ctx context.Context, lane *v1.SwimLane) (*v1.SwimLane, error) {
	if lane.Name == "" {
		return nil, errors.New("lane name is required")
	}
	if lane.ID == "" {
		lane.ID = uuid.New().String()
	}
	lane.CreatedAt = time.Now().UTC()
	if err := m.store.SaveLane(ctx, lane); err != nil {
		return nil, err
	}
	m.publish(ctx, events.LaneCreated, map[string]interface{}{"laneId": lane.ID, "name": lane.Name})
	return lane, nil
}

// EditLane updates lane metadata and defaults. Changing defaultToggles does
// not rewrite already-stamped tasks.
func (m *Model) EditLane(ctx context.Context, lane *v1.SwimLane) (*v1.SwimLane, error) {
	existing, err := m.store.GetLane(ctx, lane.ID)
	if err != nil {
		return nil, err
	}
	lane.CreatedAt = existing.CreatedAt
	if err := m.store.SaveLane(ctx, lane); err != nil {
		return nil, err
	}
	m.publish(ctx, events.LaneUpdated, map[string]interface{}{"laneId": lane.ID})
	return lane, nil
}

// DeleteLane removes a lane. Its tasks keep their stamped toggles and lose
// the lane reference.
func (m *Model) DeleteLane(ctx context.Context, id string) error {
	tasks, err := m.store.ListTasksByLane(ctx, id)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		task.SwimLaneID = ""
		task.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveTask(ctx, task); err != nil {
			return err
		}
	}
	if err := m.store.DeleteLane(ctx, id); err != nil {
		return err
	}
	m.publish(ctx, events.LaneDeleted, map[string]interface{}{"laneId": id})
	return nil
}

// ListLanes returns all lanes.
func (m *Model) ListLanes(ctx context.Context) ([]*v1.SwimLane, error) {
	return m.store.ListLanes(ctx)
}

// GetLane returns one lane.
func (m *Model) GetLane(ctx context.Context, id string) (*v1.SwimLane, error) {
	return m.store.GetLane(ctx, id)
}

// Tasks.

// CreateTask validates, stamps lane defaults onto unset toggles and
// persists the task. Tasks created with autoStart land on todo and are
// handed to the runner immediately.
func (m *Model) CreateTask(ctx context.Context, task *v1.Task) (*v1.Task, error) {
	if task.Description == "" {
		return nil, errors.New("task description is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.KanbanColumn == "" {
		task.KanbanColumn = v1.ColumnBacklog
	}
	if !task.KanbanColumn.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidColumn, task.KanbanColumn)
	}
	task.Status = v1.TaskStatusPending
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := m.checkAcyclic(ctx, task.ID, task.DependsOn); err != nil {
		return nil, err
	}

	if task.SwimLaneID != "" {
		lane, err := m.store.GetLane(ctx, task.SwimLaneID)
		if err != nil {
			return nil, err
		}
		stampToggles(task, lane)
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if task.ParentTaskID != "" {
		if err := m.linkSubtask(ctx, task.ParentTaskID, task.ID); err != nil {
			m.logger.Warn("failed to link subtask",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	m.publish(ctx, events.TaskUpdated, map[string]interface{}{"taskId": task.ID, "column": string(task.KanbanColumn)})

	if boolOf(task.Toggles.AutoStart) || m.laneDefault(ctx, task, func(d v1.DefaultToggles) bool { return d.AutoStart }) {
		if err := m.StartTask(ctx, task.ID); err != nil {
			m.logger.Warn("auto-start failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return m.store.GetTask(ctx, task.ID)
	}
	return task, nil
}

// stampToggles copies lane defaults onto toggles the caller left unset.
// An explicit false stays false.
func stampToggles(task *v1.Task, lane *v1.SwimLane) {
	d := lane.DefaultToggles
	if task.Toggles.AutoStart == nil {
		task.Toggles.AutoStart = boolPtr(d.AutoStart)
	}
	if task.Toggles.AutoPilot == nil {
		task.Toggles.AutoPilot = boolPtr(d.AutoPilot)
	}
	if task.Toggles.AutoClose == nil {
		task.Toggles.AutoClose = boolPtr(d.AutoClose)
	}
	if task.Toggles.UseWorktree == nil {
		task.Toggles.UseWorktree = boolPtr(d.UseWorktree)
	}
	if task.Toggles.UseMemory == nil {
		task.Toggles.UseMemory = boolPtr(d.UseMemory)
	}
}

func boolPtr(b bool) *bool { return &b }

func boolOf(p *bool) bool { return p != nil && *p }

// EffectiveToggles resolves the task's tri-state toggles: task value if set,
// else the current lane default, else false.
func (m *Model) EffectiveToggles(ctx context.Context, task *v1.Task) v1.DefaultToggles {
	var lane *v1.SwimLane
	if task.SwimLaneID != "" {
		lane, _ = m.store.GetLane(ctx, task.SwimLaneID)
	}
	resolve := func(p *bool, laneDefault func(v1.DefaultToggles) bool) bool {
		if p != nil {
			return *p
		}
		if lane != nil {
			return laneDefault(lane.DefaultToggles)
		}
		return false
	}
	return v1.DefaultToggles{
		AutoStart:   resolve(task.Toggles.AutoStart, func(d v1.DefaultToggles) bool { return d.AutoStart }),
		AutoPilot:   resolve(task.Toggles.AutoPilot, func(d v1.DefaultToggles) bool { return d.AutoPilot }),
		AutoClose:   resolve(task.Toggles.AutoClose, func(d v1.DefaultToggles) bool { return d.AutoClose }),
		UseWorktree: resolve(task.Toggles.UseWorktree, func(d v1.DefaultToggles) bool { return d.UseWorktree }),
		UseMemory:   resolve(task.Toggles.UseMemory, func(d v1.DefaultToggles) bool { return d.UseMemory }),
	}
}

func (m *Model) laneDefault(ctx context.Context, task *v1.Task, pick func(v1.DefaultToggles) bool) bool {
	if task.SwimLaneID == "" {
		return false
	}
	lane, err := m.store.GetLane(ctx, task.SwimLaneID)
	if err != nil {
		return false
	}
	return pick(lane.DefaultToggles)
}

// UpdateTask applies caller edits to mutable fields. Status and column move
// through MoveTask, not here.
func (m *Model) UpdateTask(ctx context.Context, task *v1.Task) (*v1.Task, error) {
	existing, err := m.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if err := m.checkAcyclic(ctx, task.ID, task.DependsOn); err != nil {
		return nil, err
	}

	existing.Description = task.Description
	existing.TargetRole = task.TargetRole
	existing.Priority = task.Priority
	existing.Input = task.Input
	existing.DependsOn = task.DependsOn
	existing.Toggles = task.Toggles
	existing.AIProvider = task.AIProvider
	existing.AIModel = task.AIModel
	existing.RuntimeOverride = task.RuntimeOverride
	existing.WorkdirOverride = task.WorkdirOverride
	existing.Tags = task.Tags
	existing.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveTask(ctx, existing); err != nil {
		return nil, err
	}
	m.publish(ctx, events.TaskUpdated, map[string]interface{}{"taskId": task.ID})
	return existing, nil
}

// DeleteTask removes a task, cancelling it first if it is still live.
func (m *Model) DeleteTask(ctx context.Context, id string) error {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := m.runner.CancelTask(ctx, id); err != nil {
			m.logger.Warn("cancel before delete failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	m.publish(ctx, events.TaskDeleted, map[string]interface{}{"taskId": id})
	return nil
}

// GetTask returns one task.
func (m *Model) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return m.store.GetTask(ctx, id)
}

// ListTasks returns every task, or one lane's tasks when laneID is set.
func (m *Model) ListTasks(ctx context.Context, laneID string) ([]*v1.Task, error) {
	if laneID != "" {
		return m.store.ListTasksByLane(ctx, laneID)
	}
	return m.store.ListTasks(ctx)
}

// AddComment appends a note to a task.
func (m *Model) AddComment(ctx context.Context, taskID, author, content string) (*v1.Comment, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	comment := v1.Comment{
		ID:        uuid.New().String(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	task.Comments = append(task.Comments, comment)
	task.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	m.publish(ctx, events.TaskUpdated, map[string]interface{}{"taskId": taskID})
	return &comment, nil
}

// GetBoard assembles the five-column snapshot, excluding archived tasks.
func (m *Model) GetBoard(ctx context.Context, laneID string) (*v1.Board, error) {
	tasks, err := m.ListTasks(ctx, laneID)
	if err != nil {
		return nil, err
	}
	board := &v1.Board{
		Backlog:    []*v1.Task{},
		Todo:       []*v1.Task{},
		InProgress: []*v1.Task{},
		InReview:   []*v1.Task{},
		Done:       []*v1.Task{},
	}
	for _, task := range tasks {
		if hasTag(task, archivedTag) {
			continue
		}
		switch task.KanbanColumn {
		case v1.ColumnBacklog:
			board.Backlog = append(board.Backlog, task)
		case v1.ColumnTodo:
			board.Todo = append(board.Todo, task)
		case v1.ColumnInProgress:
			board.InProgress = append(board.InProgress, task)
		case v1.ColumnInReview:
			board.InReview = append(board.InReview, task)
		case v1.ColumnDone:
			board.Done = append(board.Done, task)
		}
	}
	return board, nil
}

func hasTag(task *v1.Task, tag string) bool {
	for _, t := range task.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MoveTask moves a task to column, enforcing the column-status coupling.
// Moving to the current column is a no-op.
func (m *Model) MoveTask(ctx context.Context, id string, column v1.KanbanColumn) (*v1.Task, error) {
	if !column.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidColumn, column)
	}
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.KanbanColumn == column {
		return task, nil
	}

	from := task.KanbanColumn
	prevStatus := task.Status
	now := time.Now().UTC()

	switch {
	case column == v1.ColumnDone:
		// Entering done forces a terminal outcome, chosen from where the
		// task was.
		if prevStatus == v1.TaskStatusFailed || prevStatus == v1.TaskStatusCancelled {
			task.Status = v1.TaskStatusFailed
		} else {
			task.Status = v1.TaskStatusCompleted
		}
		task.DoneAt = &now
	case from == v1.ColumnDone:
		task.Status = v1.TaskStatusPending
		task.AssignedAgentID = ""
		task.DoneAt = nil
	}
	task.KanbanColumn = column
	task.UpdatedAt = now
	if task.Status != prevStatus {
		task.StatusHistory = append(task.StatusHistory, v1.StatusChange{
			From:      prevStatus,
			To:        task.Status,
			Timestamp: now,
			Reason:    "moved to " + string(column),
		})
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	m.publish(ctx, events.TaskMoved, map[string]interface{}{
		"taskId": id,
		"from":   string(from),
		"to":     string(column),
	})

	if column == v1.ColumnInProgress && task.Status == v1.TaskStatusPending {
		if err := m.runner.SubmitTask(ctx, task); err != nil {
			m.logger.Warn("handoff on move failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return task, nil
}

// StartTask moves a task to in_progress and hands it to the runner.
func (m *Model) StartTask(ctx context.Context, id string) error {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s already finished as %s", id, task.Status)
	}
	if task.KanbanColumn != v1.ColumnInProgress {
		if _, err := m.MoveTask(ctx, id, v1.ColumnInProgress); err != nil {
			return err
		}
		// MoveTask already handed the task over.
		return nil
	}
	return m.runner.SubmitTask(ctx, task)
}

// StopTask cancels the assignment and moves the task back to todo.
func (m *Model) StopTask(ctx context.Context, id string) error {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := m.runner.CancelTask(ctx, id); err != nil {
			return err
		}
	}

	task, err = m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.KanbanColumn = v1.ColumnTodo
	task.Status = v1.TaskStatusPending
	task.AssignedAgentID = ""
	task.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, task); err != nil {
		return err
	}
	m.publish(ctx, events.TaskMoved, map[string]interface{}{
		"taskId": id,
		"to":     string(v1.ColumnTodo),
	})
	return nil
}

// checkAcyclic rejects dependsOn edits that would close a cycle through
// taskID. Missing dependencies are tolerated; they gate assignment, not
// creation.
func (m *Model) checkAcyclic(ctx context.Context, taskID string, dependsOn []string) error {
	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == taskID {
			return fmt.Errorf("%w: via %s", ErrDependencyCycle, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		dep, err := m.store.GetTask(ctx, id)
		if err != nil {
			return nil
		}
		for _, next := range dep.DependsOn {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range dependsOn {
		if dep == taskID {
			return fmt.Errorf("%w: self-dependency", ErrDependencyCycle)
		}
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) linkSubtask(ctx context.Context, parentID, childID string) error {
	parent, err := m.store.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	for _, existing := range parent.SubtaskIDs {
		if existing == childID {
			return nil
		}
	}
	parent.SubtaskIDs = append(parent.SubtaskIDs, childID)
	parent.UpdatedAt = time.Now().UTC()
	return m.store.SaveTask(ctx, parent)
}
