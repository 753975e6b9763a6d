package v1

import "time"

// StageType controls how a pipeline stage materialises tasks.
type StageType string

const (
	StageTypeSequential  StageType = "sequential"
	StageTypeParallel    StageType = "parallel"
	StageTypeConditional StageType = "conditional"
	StageTypeFanOut      StageType = "fan_out"
)

// Stage is one node in a pipeline DAG.
type Stage struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            StageType     `json:"type"`
	AgentRole       AgentRole     `json:"agent_role"`
	TaskDescription string        `json:"task_description"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Condition       string        `json:"condition,omitempty"`
	FanOutCount     int           `json:"fan_out_count,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// Pipeline is an immutable DAG of stages. Editing a pipeline that has runs
// produces a new version.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusDraft     RunStatus = "draft"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StageStatus is the per-stage status within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// StageResult records the outcome of one stage within a run.
type StageResult struct {
	Status       StageStatus `json:"status"`
	AgentID      string      `json:"agent_id,omitempty"`
	Output       string      `json:"output,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID           string                  `json:"id"`
	PipelineID   string                  `json:"pipeline_id"`
	Status       RunStatus               `json:"status"`
	StageResults map[string]*StageResult `json:"stage_results"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}
