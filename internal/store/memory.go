package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// MemoryStore is an in-memory Store used by tests and by ephemeral daemons.
// Entities are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*v1.AgentTemplate
	agents    map[string]*v1.AgentInstance
	teams     map[string]*v1.Team
	lanes     map[string]*v1.SwimLane
	tasks     map[string]*v1.Task
	pipelines map[string]*v1.Pipeline
	runs      map[string]*v1.PipelineRun
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*v1.AgentTemplate),
		agents:    make(map[string]*v1.AgentInstance),
		teams:     make(map[string]*v1.Team),
		lanes:     make(map[string]*v1.SwimLane),
		tasks:     make(map[string]*v1.Task),
		pipelines: make(map[string]*v1.Pipeline),
		runs:      make(map[string]*v1.PipelineRun),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func save[T any](m *MemoryStore, table map[string]*T, id string, v *T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table[id] = clone(v)
	return nil
}

func get[T any](m *MemoryStore, table map[string]*T, kind, id string) (*T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := table[id]
	if !ok {
		return nil, notFound(kind, id)
	}
	return clone(v), nil
}

func del[T any](m *MemoryStore, table map[string]*T, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := table[id]; !ok {
		return notFound(kind, id)
	}
	delete(table, id)
	return nil
}

func list[T any](m *MemoryStore, table map[string]*T) []*T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*T, 0, len(table))
	for _, v := range table {
		out = append(out, clone(v))
	}
	return out
}

func (m *MemoryStore) SaveTemplate(ctx context.Context, tpl *v1.AgentTemplate) error {
	return save(m, m.templates, tpl.ID, tpl)
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id string) (*v1.AgentTemplate, error) {
	return get(m, m.templates, "template", id)
}

func (m *MemoryStore) ListTemplates(ctx context.Context) ([]*v1.AgentTemplate, error) {
	out := list(m, m.templates)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteTemplate(ctx context.Context, id string) error {
	return del(m, m.templates, "template", id)
}

func (m *MemoryStore) SaveAgent(ctx context.Context, agent *v1.AgentInstance) error {
	return save(m, m.agents, agent.ID, agent)
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*v1.AgentInstance, error) {
	return get(m, m.agents, "agent", id)
}

func (m *MemoryStore) ListAgents(ctx context.Context) ([]*v1.AgentInstance, error) {
	out := list(m, m.agents)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	return del(m, m.agents, "agent", id)
}

func (m *MemoryStore) SaveTeam(ctx context.Context, team *v1.Team) error {
	return save(m, m.teams, team.ID, team)
}

func (m *MemoryStore) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	return get(m, m.teams, "team", id)
}

func (m *MemoryStore) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	out := list(m, m.teams)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteTeam(ctx context.Context, id string) error {
	return del(m, m.teams, "team", id)
}

func (m *MemoryStore) SaveLane(ctx context.Context, lane *v1.SwimLane) error {
	return save(m, m.lanes, lane.ID, lane)
}

func (m *MemoryStore) GetLane(ctx context.Context, id string) (*v1.SwimLane, error) {
	return get(m, m.lanes, "lane", id)
}

func (m *MemoryStore) ListLanes(ctx context.Context) ([]*v1.SwimLane, error) {
	out := list(m, m.lanes)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteLane(ctx context.Context, id string) error {
	return del(m, m.lanes, "lane", id)
}

func (m *MemoryStore) SaveTask(ctx context.Context, task *v1.Task) error {
	return save(m, m.tasks, task.ID, task)
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return get(m, m.tasks, "task", id)
}

func (m *MemoryStore) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	out := list(m, m.tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListTasksByLane(ctx context.Context, laneID string) ([]*v1.Task, error) {
	all, _ := m.ListTasks(ctx)
	out := make([]*v1.Task, 0, len(all))
	for _, t := range all {
		if t.SwimLaneID == laneID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	return del(m, m.tasks, "task", id)
}

func (m *MemoryStore) SavePipeline(ctx context.Context, p *v1.Pipeline) error {
	return save(m, m.pipelines, p.ID, p)
}

func (m *MemoryStore) GetPipeline(ctx context.Context, id string) (*v1.Pipeline, error) {
	return get(m, m.pipelines, "pipeline", id)
}

func (m *MemoryStore) ListPipelines(ctx context.Context) ([]*v1.Pipeline, error) {
	out := list(m, m.pipelines)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeletePipeline(ctx context.Context, id string) error {
	return del(m, m.pipelines, "pipeline", id)
}

func (m *MemoryStore) SaveRun(ctx context.Context, run *v1.PipelineRun) error {
	return save(m, m.runs, run.ID, run)
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*v1.PipelineRun, error) {
	return get(m, m.runs, "run", id)
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]*v1.PipelineRun, error) {
	out := list(m, m.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListRunsByPipeline(ctx context.Context, pipelineID string) ([]*v1.PipelineRun, error) {
	all, _ := m.ListRuns(ctx)
	out := make([]*v1.PipelineRun, 0, len(all))
	for _, r := range all {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	return del(m, m.runs, "run", id)
}
