package v1

import "time"

// TaskStatus represents the execution status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// KanbanColumn is the board column a task sits in.
type KanbanColumn string

const (
	ColumnBacklog    KanbanColumn = "backlog"
	ColumnTodo       KanbanColumn = "todo"
	ColumnInProgress KanbanColumn = "in_progress"
	ColumnInReview   KanbanColumn = "in_review"
	ColumnDone       KanbanColumn = "done"
)

// Valid reports whether c is a known column.
func (c KanbanColumn) Valid() bool {
	switch c {
	case ColumnBacklog, ColumnTodo, ColumnInProgress, ColumnInReview, ColumnDone:
		return true
	}
	return false
}

// Toggles holds the per-task tri-state flags. A nil field is "unset" and
// the lane default (or false) applies at resolution time.
type Toggles struct {
	AutoStart   *bool `json:"auto_start,omitempty"`
	AutoPilot   *bool `json:"auto_pilot,omitempty"`
	AutoClose   *bool `json:"auto_close,omitempty"`
	UseWorktree *bool `json:"use_worktree,omitempty"`
	UseMemory   *bool `json:"use_memory,omitempty"`
}

// DefaultToggles holds a lane's concrete default values.
type DefaultToggles struct {
	AutoStart   bool `json:"auto_start"`
	AutoPilot   bool `json:"auto_pilot"`
	AutoClose   bool `json:"auto_close"`
	UseWorktree bool `json:"use_worktree"`
	UseMemory   bool `json:"use_memory"`
}

// StatusChange records a historical status transition.
type StatusChange struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// Comment is a free-form note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work tracked on the board and dispatched to agents.
type Task struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	TargetRole      AgentRole      `json:"target_role,omitempty"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	Status          TaskStatus     `json:"status"`
	Priority        int            `json:"priority"`
	Input           string         `json:"input,omitempty"`
	Output          string         `json:"output,omitempty"`
	KanbanColumn    KanbanColumn   `json:"kanban_column"`
	SwimLaneID      string         `json:"swim_lane_id,omitempty"`
	ParentTaskID    string         `json:"parent_task_id,omitempty"`
	SubtaskIDs      []string       `json:"subtask_ids,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	Toggles         Toggles        `json:"toggles"`
	AIProvider      AgentProvider  `json:"ai_provider,omitempty"`
	AIModel         string         `json:"ai_model,omitempty"`
	RuntimeOverride string         `json:"runtime_override,omitempty"`
	WorkdirOverride string         `json:"workdir_override,omitempty"`
	PipelineRunID   string         `json:"pipeline_run_id,omitempty"`
	PipelineStageID string         `json:"pipeline_stage_id,omitempty"`
	StatusHistory   []StatusChange `json:"status_history,omitempty"`
	Comments        []Comment      `json:"comments,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DoneAt          *time.Time     `json:"done_at,omitempty"`
}

// SwimLane is a board partition grouping tasks that share a workspace,
// provider and default toggles.
type SwimLane struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	RuntimeID           string         `json:"runtime_id"`
	WorkingDirectory    string         `json:"working_directory"`
	SessionName         string         `json:"session_name"`
	Provider            AgentProvider  `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	DefaultToggles      DefaultToggles `json:"default_toggles"`
	ContextInstructions string         `json:"context_instructions,omitempty"`
	MemoryPath          string         `json:"memory_path,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Board is the five-column kanban snapshot returned by kanban.getBoard.
type Board struct {
	Backlog    []*Task `json:"backlog"`
	Todo       []*Task `json:"todo"`
	InProgress []*Task `json:"in_progress"`
	InReview   []*Task `json:"in_review"`
	Done       []*Task `json:"done"`
}
