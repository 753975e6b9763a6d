package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// boardStub stands in for the kanban model: it persists materialised tasks
// and lets the test finish them by hand.
type boardStub struct {
	store     store.Store
	cancelled []string
	seq       int
}

func (b *boardStub) CreateTask(ctx context.Context, task *v1.Task) (*v1.Task, error) {
	b.seq++
	task.ID = fmt.Sprintf("%s-task-%d", task.PipelineStageID, b.seq)
	task.Status = v1.TaskStatusInProgress
	task.CreatedAt = time.Now().UTC()
	if err := b.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (b *boardStub) CancelTask(ctx context.Context, taskID string) error {
	b.cancelled = append(b.cancelled, taskID)
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = v1.TaskStatusCancelled
	return b.store.SaveTask(ctx, task)
}

func (b *boardStub) finish(t *testing.T, e *Engine, runID, stageID string, success bool, output string) {
	t.Helper()
	ctx := context.Background()
	tasks, err := b.store.ListTasks(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.PipelineRunID != runID || task.PipelineStageID != stageID || task.Status.Terminal() {
			continue
		}
		if success {
			task.Status = v1.TaskStatusCompleted
		} else {
			task.Status = v1.TaskStatusFailed
		}
		task.Output = output
		require.NoError(t, b.store.SaveTask(ctx, task))
		require.NoError(t, e.OnTaskFinished(ctx, task))
		return
	}
	t.Fatalf("no live task for stage %s", stageID)
}

func newTestEngine(t *testing.T) (*Engine, *boardStub, store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", ToStdout: true})
	require.NoError(t, err)
	st := store.NewMemoryStore()
	board := &boardStub{store: st}
	return New(st, bus.NewMemoryEventBus(log), board, board, log), board, st
}

func twoStagePipeline() *v1.Pipeline {
	return &v1.Pipeline{
		Name: "build-then-review",
		Stages: []v1.Stage{
			{ID: "build", Name: "build", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleCoder, TaskDescription: "build it"},
			{ID: "review", Name: "review", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleReviewer, TaskDescription: "review it", DependsOn: []string{"build"}},
		},
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Create(context.Background(), &v1.Pipeline{
		Name: "cyclic",
		Stages: []v1.Stage{
			{ID: "a", Type: v1.StageTypeSequential, DependsOn: []string{"b"}},
			{ID: "b", Type: v1.StageTypeSequential, DependsOn: []string{"a"}},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidPipeline)
}

func TestValidateRejectsBadStages(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, &v1.Pipeline{
		Name:   "no-condition",
		Stages: []v1.Stage{{ID: "c", Type: v1.StageTypeConditional}},
	})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = e.Create(ctx, &v1.Pipeline{
		Name:   "no-count",
		Stages: []v1.Stage{{ID: "f", Type: v1.StageTypeFanOut}},
	})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = e.Create(ctx, &v1.Pipeline{
		Name:   "bad-dep",
		Stages: []v1.Stage{{ID: "a", Type: v1.StageTypeSequential, DependsOn: []string{"ghost"}}},
	})
	assert.ErrorIs(t, err, ErrInvalidPipeline)
}

func TestRunSequentialStages(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)

	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusRunning, run.Status)

	// Only the root stage is materialised.
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["build"].Status)
	assert.Equal(t, v1.StageStatusPending, got.StageResults["review"].Status)

	board.finish(t, e, run.ID, "build", true, "built fine")

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusCompleted, got.StageResults["build"].Status)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["review"].Status)
	require.NotNil(t, got.StageResults["build"].CompletedAt)
	require.NotNil(t, got.StageResults["review"].StartedAt)
	assert.False(t, got.StageResults["review"].StartedAt.Before(*got.StageResults["build"].CompletedAt))

	board.finish(t, e, run.ID, "review", true, "lgtm")

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestStageFailureFailsRun(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	board.finish(t, e, run.ID, "build", false, "compile error")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, got.Status)
	assert.Equal(t, v1.StageStatusFailed, got.StageResults["build"].Status)
	assert.Equal(t, v1.StageStatusPending, got.StageResults["review"].Status)
}

func TestFanOutWaitsForAllSiblings(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, &v1.Pipeline{
		Name: "research",
		Stages: []v1.Stage{
			{ID: "explore", Type: v1.StageTypeFanOut, FanOutCount: 3, AgentRole: v1.AgentRoleResearcher, TaskDescription: "explore"},
			{ID: "summarise", Type: v1.StageTypeSequential, TaskDescription: "summarise", DependsOn: []string{"explore"}},
		},
	})
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	board.finish(t, e, run.ID, "explore", true, "one")
	board.finish(t, e, run.ID, "explore", true, "two")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["explore"].Status)

	board.finish(t, e, run.ID, "explore", true, "three")

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusCompleted, got.StageResults["explore"].Status)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["summarise"].Status)
	assert.Contains(t, got.StageResults["explore"].Output, "one")
	assert.Contains(t, got.StageResults["explore"].Output, "three")
}

func TestConditionalStageSkipsAndUnblocksDownstream(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, &v1.Pipeline{
		Name: "guarded",
		Stages: []v1.Stage{
			{ID: "test", Type: v1.StageTypeSequential, TaskDescription: "run tests"},
			{ID: "fix", Type: v1.StageTypeConditional, Condition: "FAILED", TaskDescription: "fix failures", DependsOn: []string{"test"}},
			{ID: "ship", Type: v1.StageTypeSequential, TaskDescription: "ship it", DependsOn: []string{"fix"}},
		},
	})
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	board.finish(t, e, run.ID, "test", true, "all tests passed")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	// Condition did not match, so the stage is skipped and ship runs anyway.
	assert.Equal(t, v1.StageStatusSkipped, got.StageResults["fix"].Status)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["ship"].Status)

	board.finish(t, e, run.ID, "ship", true, "shipped")
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCompleted, got.Status)
}

func TestConditionalStageRunsWhenConditionMatches(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, &v1.Pipeline{
		Name: "guarded",
		Stages: []v1.Stage{
			{ID: "test", Type: v1.StageTypeSequential, TaskDescription: "run tests"},
			{ID: "fix", Type: v1.StageTypeConditional, Condition: "FAILED", TaskDescription: "fix failures", DependsOn: []string{"test"}},
		},
	})
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	board.finish(t, e, run.ID, "test", true, "3 tests FAILED")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["fix"].Status)
}

func TestPauseSuppressesMaterialisation(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.PauseRun(ctx, run.ID))

	// In-flight build finishes while paused; review must not start.
	board.finish(t, e, run.ID, "build", true, "built")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusPaused, got.Status)
	assert.Equal(t, v1.StageStatusPending, got.StageResults["review"].Status)

	require.NoError(t, e.ResumeRun(ctx, run.ID))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StageStatusRunning, got.StageResults["review"].Status)
}

func TestCancelRunCancelsInFlightTasks(t *testing.T) {
	e, board, st := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.CancelRun(ctx, run.ID))
	assert.Len(t, board.cancelled, 1)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCancelled, got.Status)
	assert.Equal(t, v1.StageStatusCancelled, got.StageResults["build"].Status)

	// Cancelling again is rejected, not repeated.
	err = e.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)
	assert.Len(t, board.cancelled, 1)
}

func TestUpdateBumpsVersionOnlyWithRuns(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)

	p.Name = "renamed"
	updated, err := e.Update(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)

	_, err = e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	updated.Name = "renamed again"
	updated, err = e.Update(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
}

func TestPauseOnlyFromRunning(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, twoStagePipeline())
	require.NoError(t, err)
	run, err := e.StartRun(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.PauseRun(ctx, run.ID))
	err = e.PauseRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)
	err = e.ResumeRun(ctx, run.ID)
	require.NoError(t, err)
	err = e.ResumeRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)
}
