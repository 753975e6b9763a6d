// Package integration exercises the daemon components wired together the
// way the worker composition root wires them: kanban hands tasks to the
// orchestrator, the pipeline engine materialises tasks through kanban and
// advances on orchestrator completion events.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/kanban"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/pipeline"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/rpc/handlers"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// stubAdapter is an always-alive runtime backend that records prompts.
type stubAdapter struct {
	mu      sync.Mutex
	spawned int
	sent    []string
}

func (a *stubAdapter) Type() v1.RuntimeType { return v1.RuntimeTypeTmux }

func (a *stubAdapter) Probe(ctx context.Context) v1.ProbeResult {
	return v1.ProbeResult{Health: v1.RuntimeHealthy, CheckedAt: time.Now()}
}

func (a *stubAdapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spawned++
	return v1.Location{SessionName: fmt.Sprintf("it-%04d", a.spawned)}, nil
}

func (a *stubAdapter) SendKeys(ctx context.Context, loc v1.Location, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return nil
}

func (a *stubAdapter) Paste(ctx context.Context, loc v1.Location, text string) error {
	return a.SendKeys(ctx, loc, text)
}

func (a *stubAdapter) Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error) {
	return "", nil
}

func (a *stubAdapter) IsAlive(ctx context.Context, loc v1.Location) bool { return true }

func (a *stubAdapter) Kill(ctx context.Context, loc v1.Location) error { return nil }

func (a *stubAdapter) AttachCommand(loc v1.Location) string {
	return "tmux attach-session -t " + loc.SessionName
}

func (a *stubAdapter) promptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

// daemon bundles every component over the in-memory store and bus.
type daemon struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	board     *kanban.Model
	pipelines *pipeline.Engine
	adapter   *stubAdapter
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", ToStdout: true})
	require.NoError(t, err)

	adapter := &stubAdapter{}
	factory := func(cfg v1.RuntimeConfig, l *logger.Logger) (runtime.Adapter, error) {
		return adapter, nil
	}
	eventBus := bus.NewMemoryEventBus(log)
	manager := runtime.NewManager("local", time.Minute, factory, eventBus, log)
	require.NoError(t, manager.Add(context.Background(), v1.RuntimeConfig{ID: "local", Type: v1.RuntimeTypeTmux}))

	st := store.NewMemoryStore()
	orch := orchestrator.New(st, eventBus, manager, log)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	board := kanban.New(st, eventBus, orch, log)
	pipelines := pipeline.New(st, eventBus, board, orch, log)
	require.NoError(t, pipelines.Start(context.Background()))
	t.Cleanup(pipelines.Stop)

	return &daemon{store: st, orch: orch, board: board, pipelines: pipelines, adapter: adapter}
}

func (d *daemon) spawnIdleAgent(t *testing.T, role v1.AgentRole) *v1.AgentInstance {
	t.Helper()
	agent, err := d.orch.Spawn(context.Background(), orchestrator.SpawnRequest{Role: role})
	require.NoError(t, err)
	return agent
}

func TestBoardHandsTasksToAgents(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()
	d.spawnIdleAgent(t, v1.AgentRoleCoder)

	lane, err := d.board.CreateLane(ctx, &v1.SwimLane{
		Name:           "backend",
		DefaultToggles: v1.DefaultToggles{AutoStart: true},
	})
	require.NoError(t, err)

	task, err := d.board.CreateTask(ctx, &v1.Task{
		Description: "implement the retry layer",
		TargetRole:  v1.AgentRoleCoder,
		SwimLaneID:  lane.ID,
	})
	require.NoError(t, err)

	// The lane's auto-start default pushes the task through the
	// orchestrator onto the idle coder.
	require.Eventually(t, func() bool {
		got, err := d.board.GetTask(ctx, task.ID)
		return err == nil && got.Status == v1.TaskStatusInProgress && got.AssignedAgentID != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, d.adapter.promptCount(), 0)

	require.NoError(t, d.orch.CompleteTask(ctx, task.ID, true, "retry layer done"))

	got, err := d.board.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Equal(t, v1.ColumnDone, got.KanbanColumn)

	// The agent is idle again and shows up that way in stats.
	stats := d.orch.Stats()
	assert.Equal(t, int64(1), stats.TasksProcessed)
	assert.Equal(t, 1, stats.Agents[string(v1.AgentStateIdle)])
}

func TestPipelineRunDrivesBoardAndAgents(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()
	d.spawnIdleAgent(t, v1.AgentRoleCoder)
	d.spawnIdleAgent(t, v1.AgentRoleReviewer)

	p, err := d.pipelines.Create(ctx, &v1.Pipeline{
		Name: "build and review",
		Stages: []v1.Stage{
			{ID: "build", Name: "build", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleCoder, TaskDescription: "build the feature"},
			{ID: "review", Name: "review", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleReviewer, TaskDescription: "review the feature", DependsOn: []string{"build"}},
		},
	})
	require.NoError(t, err)

	run, err := d.pipelines.StartRun(ctx, p.ID)
	require.NoError(t, err)

	// Stage 1 materialises a board task and the coder picks it up.
	buildTask := d.waitForStageTask(t, run.ID, "build")
	require.NoError(t, d.orch.CompleteTask(ctx, buildTask.ID, true, "built"))

	// Completion advances the run to stage 2 through the event bus.
	reviewTask := d.waitForStageTask(t, run.ID, "review")
	require.NoError(t, d.orch.CompleteTask(ctx, reviewTask.ID, true, "looks good"))

	require.Eventually(t, func() bool {
		got, err := d.pipelines.GetRun(ctx, run.ID)
		return err == nil && got.Status == v1.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := d.pipelines.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusCompleted, got.StageResults["build"].Status)
	assert.Equal(t, "built", got.StageResults["build"].Output)
	assert.Equal(t, v1.StageStatusCompleted, got.StageResults["review"].Status)
}

// waitForStageTask blocks until the run's stage task exists and is being
// worked on, then returns it.
func (d *daemon) waitForStageTask(t *testing.T, runID, stageID string) *v1.Task {
	t.Helper()
	var found *v1.Task
	require.Eventually(t, func() bool {
		tasks, err := d.store.ListTasks(context.Background())
		if err != nil {
			return false
		}
		for _, task := range tasks {
			if task.PipelineRunID == runID && task.PipelineStageID == stageID &&
				task.Status == v1.TaskStatusInProgress {
				found = task
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestRPCSurfaceOverRealComponents(t *testing.T) {
	d := newDaemon(t)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", ToStdout: true})
	require.NoError(t, err)
	router := rpc.NewRouter(5*time.Second, log)
	handlers.RegisterAll(router, handlers.Deps{
		Orchestrator: d.orch,
		Kanban:       d.board,
		Pipelines:    d.pipelines,
		Health: func(ctx context.Context) *v1.HealthReport {
			return &v1.HealthReport{Status: v1.HealthOK}
		},
		Reload:   func(ctx context.Context) error { return nil },
		Shutdown: func() {},
	})

	dispatch := func(method string, params interface{}) json.RawMessage {
		t.Helper()
		raw, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0", "method": method, "params": params, "id": 1,
		})
		require.NoError(t, err)
		resp := router.DispatchRaw(context.Background(), raw)
		require.NotNil(t, resp)
		require.Nil(t, resp.Error, "method %s failed: %+v", method, resp.Error)
		data, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		return data
	}

	var spawned struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(dispatch("agent.spawn", map[string]string{"role": "coder"}), &spawned))
	assert.NotEmpty(t, spawned.ID)

	var agents []*v1.AgentInstance
	require.NoError(t, json.Unmarshal(dispatch("agent.list", nil), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, spawned.ID, agents[0].ID)

	var task v1.Task
	require.NoError(t, json.Unmarshal(dispatch("task.submit", map[string]interface{}{
		"description": "wire the rpc surface",
		"target_role": "coder",
	}), &task))
	assert.NotEmpty(t, task.ID)

	var report v1.HealthReport
	require.NoError(t, json.Unmarshal(dispatch("daemon.health", nil), &report))
	assert.Equal(t, v1.HealthOK, report.Status)

	var stats v1.Stats
	require.NoError(t, json.Unmarshal(dispatch("daemon.stats", nil), &stats))
	assert.Equal(t, 1, stats.Agents[string(v1.AgentStateIdle)]+stats.Agents[string(v1.AgentStateWorking)])
}
