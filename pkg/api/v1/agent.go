package v1

import "time"

// AgentRole classifies what kind of work an agent is suited for.
type AgentRole string

const (
	AgentRoleCoder      AgentRole = "coder"
	AgentRoleReviewer   AgentRole = "reviewer"
	AgentRoleTester     AgentRole = "tester"
	AgentRoleDevops     AgentRole = "devops"
	AgentRoleResearcher AgentRole = "researcher"
	AgentRoleCustom     AgentRole = "custom"
)

// AgentProvider identifies the AI CLI tool an agent runs.
type AgentProvider string

const (
	AgentProviderClaude AgentProvider = "claude"
	AgentProviderGemini AgentProvider = "gemini"
	AgentProviderCodex  AgentProvider = "codex"
)

// AgentState represents the lifecycle state of an agent instance.
type AgentState string

const (
	AgentStateSpawning   AgentState = "spawning"
	AgentStateIdle       AgentState = "idle"
	AgentStateWorking    AgentState = "working"
	AgentStateError      AgentState = "error"
	AgentStateCompleted  AgentState = "completed"
	AgentStateTerminated AgentState = "terminated"
)

// Terminal reports whether the state is a terminal one. Terminal agents are
// skipped by reconciliation and can never hold a task.
func (s AgentState) Terminal() bool {
	return s == AgentStateTerminated || s == AgentStateCompleted
}

// AgentTemplate is pure configuration describing how to launch an agent.
// Templates are never runnable by themselves.
type AgentTemplate struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Role             AgentRole         `json:"role"`
	Provider         AgentProvider     `json:"provider"`
	SystemPrompt     string            `json:"system_prompt,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	PreferredRuntime string            `json:"preferred_runtime,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// Location identifies where an agent lives on its runtime backend. Exactly one
// of the variants is populated depending on the runtime type.
type Location struct {
	// Terminal multiplexer pane (local-tmux and ssh runtimes).
	SessionName string `json:"session_name,omitempty"`
	WindowIndex int    `json:"window_index,omitempty"`
	PaneIndex   int    `json:"pane_index,omitempty"`

	// Container runtime.
	ContainerID string `json:"container_id,omitempty"`

	// Pod runtime.
	PodName   string `json:"pod_name,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// IsZero reports whether no backend handle is set.
func (l Location) IsZero() bool {
	return l.SessionName == "" && l.ContainerID == "" && l.PodName == ""
}

// AgentInstance represents a live (or formerly live) agent bound to one
// location on one runtime.
type AgentInstance struct {
	ID             string        `json:"id"`
	TemplateID     string        `json:"template_id,omitempty"`
	Name           string        `json:"name"`
	Role           AgentRole     `json:"role"`
	Provider       AgentProvider `json:"provider"`
	State          AgentState    `json:"state"`
	RuntimeID      string        `json:"runtime_id"`
	Location       Location      `json:"location"`
	TeamID         string        `json:"team_id,omitempty"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// Team groups agents working together.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgentIDs  []string  `json:"agent_ids"`
	CreatedAt time.Time `json:"created_at"`
}
