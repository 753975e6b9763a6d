package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentmux/agentmux/internal/common/config"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// SQLStore implements Store over SQLite or PostgreSQL. SQLite gets separate
// writer and reader pools (single writer, WAL readers); Postgres shares one
// pool for both since pgx pools internally.
type SQLStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database selected by cfg and initializes the schema.
func NewSQLStore(cfg config.DatabaseConfig) (*SQLStore, error) {
	var writer, reader *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite3", "":
		writer, err = openSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		reader, err = openSQLiteReader(cfg.DSN)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
	case "pgx":
		writer, err = openPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		reader = writer
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	s := &SQLStore{writer: writer, reader: reader}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both pools.
func (s *SQLStore) Close() error {
	wErr := s.writer.Close()
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// initSchema creates tables if they don't exist. Column types are restricted
// to names both SQLite and Postgres accept.
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		provider TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		preferred_runtime TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		provider TEXT NOT NULL,
		state TEXT NOT NULL,
		runtime_id TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '{}',
		team_id TEXT NOT NULL DEFAULT '',
		current_task_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		agent_ids TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lanes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		runtime_id TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		session_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		default_toggles TEXT NOT NULL DEFAULT '{}',
		context_instructions TEXT NOT NULL DEFAULT '',
		memory_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		target_role TEXT NOT NULL DEFAULT '',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		kanban_column TEXT NOT NULL,
		swim_lane_id TEXT NOT NULL DEFAULT '',
		parent_task_id TEXT NOT NULL DEFAULT '',
		subtask_ids TEXT NOT NULL DEFAULT '[]',
		depends_on TEXT NOT NULL DEFAULT '[]',
		toggles TEXT NOT NULL DEFAULT '{}',
		ai_provider TEXT NOT NULL DEFAULT '',
		ai_model TEXT NOT NULL DEFAULT '',
		runtime_override TEXT NOT NULL DEFAULT '',
		workdir_override TEXT NOT NULL DEFAULT '',
		pipeline_run_id TEXT NOT NULL DEFAULT '',
		pipeline_stage_id TEXT NOT NULL DEFAULT '',
		status_history TEXT NOT NULL DEFAULT '[]',
		comments TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		done_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		stages TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		status TEXT NOT NULL,
		stage_results TEXT NOT NULL DEFAULT '{}',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_lane ON tasks(swim_lane_id);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON pipeline_runs(pipeline_id);
	`
	_, err := s.writer.Exec(schema)
	return err
}

func marshalColumn(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(data), nil
}

func unmarshalColumn(data string, v interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// notFound wraps ErrNotFound with the entity kind and ID.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Agent templates.

func (s *SQLStore) SaveTemplate(ctx context.Context, tpl *v1.AgentTemplate) error {
	env, err := marshalColumn(tpl.Env)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO agent_templates (id, name, role, provider, system_prompt, working_directory, preferred_runtime, env)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			provider = excluded.provider,
			system_prompt = excluded.system_prompt,
			working_directory = excluded.working_directory,
			preferred_runtime = excluded.preferred_runtime,
			env = excluded.env`)
	_, err = s.writer.ExecContext(ctx, query,
		tpl.ID, tpl.Name, tpl.Role, tpl.Provider, tpl.SystemPrompt,
		tpl.WorkingDirectory, tpl.PreferredRuntime, env)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

type templateRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Role             string `db:"role"`
	Provider         string `db:"provider"`
	SystemPrompt     string `db:"system_prompt"`
	WorkingDirectory string `db:"working_directory"`
	PreferredRuntime string `db:"preferred_runtime"`
	Env              string `db:"env"`
}

func (r *templateRow) toAPI() (*v1.AgentTemplate, error) {
	tpl := &v1.AgentTemplate{
		ID:               r.ID,
		Name:             r.Name,
		Role:             v1.AgentRole(r.Role),
		Provider:         v1.AgentProvider(r.Provider),
		SystemPrompt:     r.SystemPrompt,
		WorkingDirectory: r.WorkingDirectory,
		PreferredRuntime: r.PreferredRuntime,
	}
	if err := unmarshalColumn(r.Env, &tpl.Env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template env: %w", err)
	}
	return tpl, nil
}

func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*v1.AgentTemplate, error) {
	var row templateRow
	query := s.reader.Rebind(`SELECT * FROM agent_templates WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("template", id)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListTemplates(ctx context.Context) ([]*v1.AgentTemplate, error) {
	var rows []templateRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM agent_templates ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	out := make([]*v1.AgentTemplate, 0, len(rows))
	for i := range rows {
		tpl, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

func (s *SQLStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "agent_templates", "template", id)
}

// Agent instances.

func (s *SQLStore) SaveAgent(ctx context.Context, agent *v1.AgentInstance) error {
	location, err := marshalColumn(agent.Location)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO agents (id, template_id, name, role, provider, state, runtime_id, location,
			team_id, current_task_id, error_message, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template_id = excluded.template_id,
			name = excluded.name,
			role = excluded.role,
			provider = excluded.provider,
			state = excluded.state,
			runtime_id = excluded.runtime_id,
			location = excluded.location,
			team_id = excluded.team_id,
			current_task_id = excluded.current_task_id,
			error_message = excluded.error_message,
			last_activity_at = excluded.last_activity_at`)
	_, err = s.writer.ExecContext(ctx, query,
		agent.ID, agent.TemplateID, agent.Name, agent.Role, agent.Provider,
		agent.State, agent.RuntimeID, location, agent.TeamID, agent.CurrentTaskID,
		agent.ErrorMessage, agent.CreatedAt, agent.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

type agentRow struct {
	ID             string    `db:"id"`
	TemplateID     string    `db:"template_id"`
	Name           string    `db:"name"`
	Role           string    `db:"role"`
	Provider       string    `db:"provider"`
	State          string    `db:"state"`
	RuntimeID      string    `db:"runtime_id"`
	Location       string    `db:"location"`
	TeamID         string    `db:"team_id"`
	CurrentTaskID  string    `db:"current_task_id"`
	ErrorMessage   string    `db:"error_message"`
	CreatedAt      time.Time `db:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
}

func (r *agentRow) toAPI() (*v1.AgentInstance, error) {
	agent := &v1.AgentInstance{
		ID:             r.ID,
		TemplateID:     r.TemplateID,
		Name:           r.Name,
		Role:           v1.AgentRole(r.Role),
		Provider:       v1.AgentProvider(r.Provider),
		State:          v1.AgentState(r.State),
		RuntimeID:      r.RuntimeID,
		TeamID:         r.TeamID,
		CurrentTaskID:  r.CurrentTaskID,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
	if err := unmarshalColumn(r.Location, &agent.Location); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent location: %w", err)
	}
	return agent, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*v1.AgentInstance, error) {
	var row agentRow
	query := s.reader.Rebind(`SELECT * FROM agents WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("agent", id)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*v1.AgentInstance, error) {
	var rows []agentRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]*v1.AgentInstance, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "agents", "agent", id)
}

// Teams.

func (s *SQLStore) SaveTeam(ctx context.Context, team *v1.Team) error {
	agentIDs, err := marshalColumn(team.AgentIDs)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO teams (id, name, agent_ids, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_ids = excluded.agent_ids`)
	if _, err := s.writer.ExecContext(ctx, query, team.ID, team.Name, agentIDs, team.CreatedAt); err != nil {
		return fmt.Errorf("failed to save team: %w", err)
	}
	return nil
}

type teamRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	AgentIDs  string    `db:"agent_ids"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *teamRow) toAPI() (*v1.Team, error) {
	team := &v1.Team{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
	if err := unmarshalColumn(r.AgentIDs, &team.AgentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal team agents: %w", err)
	}
	return team, nil
}

func (s *SQLStore) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	var row teamRow
	query := s.reader.Rebind(`SELECT * FROM teams WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("team", id)
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	var rows []teamRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM teams ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	out := make([]*v1.Team, 0, len(rows))
	for i := range rows {
		team, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, team)
	}
	return out, nil
}

func (s *SQLStore) DeleteTeam(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "teams", "team", id)
}

// Swim lanes.

func (s *SQLStore) SaveLane(ctx context.Context, lane *v1.SwimLane) error {
	toggles, err := marshalColumn(lane.DefaultToggles)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO lanes (id, name, runtime_id, working_directory, session_name, provider,
			model, default_toggles, context_instructions, memory_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			runtime_id = excluded.runtime_id,
			working_directory = excluded.working_directory,
			session_name = excluded.session_name,
			provider = excluded.provider,
			model = excluded.model,
			default_toggles = excluded.default_toggles,
			context_instructions = excluded.context_instructions,
			memory_path = excluded.memory_path`)
	_, err = s.writer.ExecContext(ctx, query,
		lane.ID, lane.Name, lane.RuntimeID, lane.WorkingDirectory, lane.SessionName,
		lane.Provider, lane.Model, toggles, lane.ContextInstructions, lane.MemoryPath,
		lane.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save lane: %w", err)
	}
	return nil
}

type laneRow struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	RuntimeID           string    `db:"runtime_id"`
	WorkingDirectory    string    `db:"working_directory"`
	SessionName         string    `db:"session_name"`
	Provider            string    `db:"provider"`
	Model               string    `db:"model"`
	DefaultToggles      string    `db:"default_toggles"`
	ContextInstructions string    `db:"context_instructions"`
	MemoryPath          string    `db:"memory_path"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r *laneRow) toAPI() (*v1.SwimLane, error) {
	lane := &v1.SwimLane{
		ID:                  r.ID,
		Name:                r.Name,
		RuntimeID:           r.RuntimeID,
		WorkingDirectory:    r.WorkingDirectory,
		SessionName:         r.SessionName,
		Provider:            v1.AgentProvider(r.Provider),
		Model:               r.Model,
		ContextInstructions: r.ContextInstructions,
		MemoryPath:          r.MemoryPath,
		CreatedAt:           r.CreatedAt,
	}
	if err := unmarshalColumn(r.DefaultToggles, &lane.DefaultToggles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lane toggles: %w", err)
	}
	return lane, nil
}

func (s *SQLStore) GetLane(ctx context.Context, id string) (*v1.SwimLane, error) {
	var row laneRow
	query := s.reader.Rebind(`SELECT * FROM lanes WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("lane", id)
		}
		return nil, fmt.Errorf("failed to get lane: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListLanes(ctx context.Context) ([]*v1.SwimLane, error) {
	var rows []laneRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM lanes ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list lanes: %w", err)
	}
	out := make([]*v1.SwimLane, 0, len(rows))
	for i := range rows {
		lane, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, lane)
	}
	return out, nil
}

func (s *SQLStore) DeleteLane(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "lanes", "lane", id)
}

// Tasks.

func (s *SQLStore) SaveTask(ctx context.Context, task *v1.Task) error {
	subtasks, err := marshalColumn(task.SubtaskIDs)
	if err != nil {
		return err
	}
	dependsOn, err := marshalColumn(task.DependsOn)
	if err != nil {
		return err
	}
	toggles, err := marshalColumn(task.Toggles)
	if err != nil {
		return err
	}
	history, err := marshalColumn(task.StatusHistory)
	if err != nil {
		return err
	}
	comments, err := marshalColumn(task.Comments)
	if err != nil {
		return err
	}
	tags, err := marshalColumn(task.Tags)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO tasks (id, description, target_role, assigned_agent_id, status, priority,
			input, output, kanban_column, swim_lane_id, parent_task_id, subtask_ids, depends_on,
			toggles, ai_provider, ai_model, runtime_override, workdir_override, pipeline_run_id,
			pipeline_stage_id, status_history, comments, tags, created_at, updated_at, done_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			target_role = excluded.target_role,
			assigned_agent_id = excluded.assigned_agent_id,
			status = excluded.status,
			priority = excluded.priority,
			input = excluded.input,
			output = excluded.output,
			kanban_column = excluded.kanban_column,
			swim_lane_id = excluded.swim_lane_id,
			parent_task_id = excluded.parent_task_id,
			subtask_ids = excluded.subtask_ids,
			depends_on = excluded.depends_on,
			toggles = excluded.toggles,
			ai_provider = excluded.ai_provider,
			ai_model = excluded.ai_model,
			runtime_override = excluded.runtime_override,
			workdir_override = excluded.workdir_override,
			pipeline_run_id = excluded.pipeline_run_id,
			pipeline_stage_id = excluded.pipeline_stage_id,
			status_history = excluded.status_history,
			comments = excluded.comments,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			done_at = excluded.done_at`)
	_, err = s.writer.ExecContext(ctx, query,
		task.ID, task.Description, task.TargetRole, task.AssignedAgentID, task.Status,
		task.Priority, task.Input, task.Output, task.KanbanColumn, task.SwimLaneID,
		task.ParentTaskID, subtasks, dependsOn, toggles, task.AIProvider, task.AIModel,
		task.RuntimeOverride, task.WorkdirOverride, task.PipelineRunID, task.PipelineStageID,
		history, comments, tags, task.CreatedAt, task.UpdatedAt, nullTime(task.DoneAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

type taskRow struct {
	ID              string       `db:"id"`
	Description     string       `db:"description"`
	TargetRole      string       `db:"target_role"`
	AssignedAgentID string       `db:"assigned_agent_id"`
	Status          string       `db:"status"`
	Priority        int          `db:"priority"`
	Input           string       `db:"input"`
	Output          string       `db:"output"`
	KanbanColumn    string       `db:"kanban_column"`
	SwimLaneID      string       `db:"swim_lane_id"`
	ParentTaskID    string       `db:"parent_task_id"`
	SubtaskIDs      string       `db:"subtask_ids"`
	DependsOn       string       `db:"depends_on"`
	Toggles         string       `db:"toggles"`
	AIProvider      string       `db:"ai_provider"`
	AIModel         string       `db:"ai_model"`
	RuntimeOverride string       `db:"runtime_override"`
	WorkdirOverride string       `db:"workdir_override"`
	PipelineRunID   string       `db:"pipeline_run_id"`
	PipelineStageID string       `db:"pipeline_stage_id"`
	StatusHistory   string       `db:"status_history"`
	Comments        string       `db:"comments"`
	Tags            string       `db:"tags"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	DoneAt          sql.NullTime `db:"done_at"`
}

func (r *taskRow) toAPI() (*v1.Task, error) {
	task := &v1.Task{
		ID:              r.ID,
		Description:     r.Description,
		TargetRole:      v1.AgentRole(r.TargetRole),
		AssignedAgentID: r.AssignedAgentID,
		Status:          v1.TaskStatus(r.Status),
		Priority:        r.Priority,
		Input:           r.Input,
		Output:          r.Output,
		KanbanColumn:    v1.KanbanColumn(r.KanbanColumn),
		SwimLaneID:      r.SwimLaneID,
		ParentTaskID:    r.ParentTaskID,
		AIProvider:      v1.AgentProvider(r.AIProvider),
		AIModel:         r.AIModel,
		RuntimeOverride: r.RuntimeOverride,
		WorkdirOverride: r.WorkdirOverride,
		PipelineRunID:   r.PipelineRunID,
		PipelineStageID: r.PipelineStageID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DoneAt:          timePtr(r.DoneAt),
	}
	for _, col := range []struct {
		data string
		dst  interface{}
	}{
		{r.SubtaskIDs, &task.SubtaskIDs},
		{r.DependsOn, &task.DependsOn},
		{r.Toggles, &task.Toggles},
		{r.StatusHistory, &task.StatusHistory},
		{r.Comments, &task.Comments},
		{r.Tags, &task.Tags},
	} {
		if err := unmarshalColumn(col.data, col.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task column: %w", err)
		}
	}
	return task, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	query := s.reader.Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("task", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	return s.selectTasks(ctx, `SELECT * FROM tasks ORDER BY created_at`)
}

func (s *SQLStore) ListTasksByLane(ctx context.Context, laneID string) ([]*v1.Task, error) {
	query := s.reader.Rebind(`SELECT * FROM tasks WHERE swim_lane_id = ? ORDER BY created_at`)
	return s.selectTasks(ctx, query, laneID)
}

func (s *SQLStore) selectTasks(ctx context.Context, query string, args ...interface{}) ([]*v1.Task, error) {
	var rows []taskRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "tasks", "task", id)
}

// Pipelines and runs.

func (s *SQLStore) SavePipeline(ctx context.Context, p *v1.Pipeline) error {
	stages, err := marshalColumn(p.Stages)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO pipelines (id, name, version, stages, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			stages = excluded.stages`)
	if _, err := s.writer.ExecContext(ctx, query, p.ID, p.Name, p.Version, stages, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

type pipelineRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Version   int       `db:"version"`
	Stages    string    `db:"stages"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *pipelineRow) toAPI() (*v1.Pipeline, error) {
	p := &v1.Pipeline{ID: r.ID, Name: r.Name, Version: r.Version, CreatedAt: r.CreatedAt}
	if err := unmarshalColumn(r.Stages, &p.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline stages: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*v1.Pipeline, error) {
	var row pipelineRow
	query := s.reader.Rebind(`SELECT * FROM pipelines WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("pipeline", id)
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListPipelines(ctx context.Context) ([]*v1.Pipeline, error) {
	var rows []pipelineRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM pipelines ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	out := make([]*v1.Pipeline, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLStore) DeletePipeline(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "pipelines", "pipeline", id)
}

func (s *SQLStore) SaveRun(ctx context.Context, run *v1.PipelineRun) error {
	results, err := marshalColumn(run.StageResults)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO pipeline_runs (id, pipeline_id, status, stage_results, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stage_results = excluded.stage_results,
			completed_at = excluded.completed_at`)
	_, err = s.writer.ExecContext(ctx, query,
		run.ID, run.PipelineID, run.Status, results, run.StartedAt, nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

type runRow struct {
	ID           string       `db:"id"`
	PipelineID   string       `db:"pipeline_id"`
	Status       string       `db:"status"`
	StageResults string       `db:"stage_results"`
	StartedAt    time.Time    `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r *runRow) toAPI() (*v1.PipelineRun, error) {
	run := &v1.PipelineRun{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Status:      v1.RunStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: timePtr(r.CompletedAt),
	}
	if err := unmarshalColumn(r.StageResults, &run.StageResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run results: %w", err)
	}
	return run, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*v1.PipelineRun, error) {
	var row runRow
	query := s.reader.Rebind(`SELECT * FROM pipeline_runs WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("run", id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toAPI()
}

func (s *SQLStore) ListRuns(ctx context.Context) ([]*v1.PipelineRun, error) {
	return s.selectRuns(ctx, `SELECT * FROM pipeline_runs ORDER BY started_at`)
}

func (s *SQLStore) ListRunsByPipeline(ctx context.Context, pipelineID string) ([]*v1.PipelineRun, error) {
	query := s.reader.Rebind(`SELECT * FROM pipeline_runs WHERE pipeline_id = ? ORDER BY started_at`)
	return s.selectRuns(ctx, query, pipelineID)
}

func (s *SQLStore) selectRuns(ctx context.Context, query string, args ...interface{}) ([]*v1.PipelineRun, error) {
	var rows []runRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*v1.PipelineRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *SQLStore) DeleteRun(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "pipeline_runs", "run", id)
}

func (s *SQLStore) deleteByID(ctx context.Context, table, kind, id string) error {
	query := s.writer.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table))
	res, err := s.writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound(kind, id)
	}
	return nil
}
