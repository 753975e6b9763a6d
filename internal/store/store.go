// Package store persists the daemon's entities. The SQL implementation is the
// durable default; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// ErrNotFound is returned when a requested entity does not exist. Callers
// match it with errors.Is.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract. Save semantics are upsert; Get returns
// ErrNotFound for missing IDs.
type Store interface {
	// Agent templates.
	SaveTemplate(ctx context.Context, tpl *v1.AgentTemplate) error
	GetTemplate(ctx context.Context, id string) (*v1.AgentTemplate, error)
	ListTemplates(ctx context.Context) ([]*v1.AgentTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Agent instances.
	SaveAgent(ctx context.Context, agent *v1.AgentInstance) error
	GetAgent(ctx context.Context, id string) (*v1.AgentInstance, error)
	ListAgents(ctx context.Context) ([]*v1.AgentInstance, error)
	DeleteAgent(ctx context.Context, id string) error

	// Teams.
	SaveTeam(ctx context.Context, team *v1.Team) error
	GetTeam(ctx context.Context, id string) (*v1.Team, error)
	ListTeams(ctx context.Context) ([]*v1.Team, error)
	DeleteTeam(ctx context.Context, id string) error

	// Swim lanes.
	SaveLane(ctx context.Context, lane *v1.SwimLane) error
	GetLane(ctx context.Context, id string) (*v1.SwimLane, error)
	ListLanes(ctx context.Context) ([]*v1.SwimLane, error)
	DeleteLane(ctx context.Context, id string) error

	// Tasks.
	SaveTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	ListTasks(ctx context.Context) ([]*v1.Task, error)
	ListTasksByLane(ctx context.Context, laneID string) ([]*v1.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Pipelines and runs.
	SavePipeline(ctx context.Context, p *v1.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*v1.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*v1.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	SaveRun(ctx context.Context, run *v1.PipelineRun) error
	GetRun(ctx context.Context, id string) (*v1.PipelineRun, error)
	ListRuns(ctx context.Context) ([]*v1.PipelineRun, error)
	ListRunsByPipeline(ctx context.Context, pipelineID string) ([]*v1.PipelineRun, error)
	DeleteRun(ctx context.Context, id string) error

	Close() error
}
