// Package events declares the event names published on the daemon event bus.
package events

// Agent events
const (
	AgentSpawned      = "agent.spawned"
	AgentStateChanged = "agent.state-changed"
	AgentTerminated   = "agent.terminated"
	AgentOutput       = "agent.output"
	AgentReconnected  = "agent.reconnected"
	AgentLost         = "agent.lost"
)

// Task events
const (
	TaskSubmitted = "task.submitted"
	TaskAssigned  = "task.assigned"
	TaskMoved     = "task.moved"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
	TaskUpdated   = "task.updated"
	TaskDeleted   = "task.deleted"
)

// Lane events
const (
	LaneCreated = "lane.created"
	LaneUpdated = "lane.updated"
	LaneDeleted = "lane.deleted"
)

// Pipeline events
const (
	PipelineCreated        = "pipeline.created"
	PipelineRunStarted     = "pipeline.run.started"
	PipelineRunPaused      = "pipeline.run.paused"
	PipelineRunResumed     = "pipeline.run.resumed"
	PipelineRunCompleted   = "pipeline.run.completed"
	PipelineRunFailed      = "pipeline.run.failed"
	PipelineRunCancelled   = "pipeline.run.cancelled"
	PipelineStageStarted   = "pipeline.stage.started"
	PipelineStageCompleted = "pipeline.stage.completed"
	PipelineStageFailed    = "pipeline.stage.failed"
	PipelineStageSkipped   = "pipeline.stage.skipped"
)

// Team events
const (
	TeamCreated = "team.created"
	TeamUpdated = "team.updated"
	TeamDeleted = "team.deleted"
)

// Runtime and daemon events
const (
	RuntimeHealthChanged = "runtime.health-changed"
	DaemonReady          = "daemon.ready"
	DaemonReloaded       = "daemon.reloaded"
	DaemonStopping       = "daemon.stopping"
)
