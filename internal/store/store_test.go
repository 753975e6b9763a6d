package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/config"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// The same CRUD suite runs against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLStore(config.DatabaseConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(t.TempDir(), "agentmux.db"),
		})
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_AgentCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		agent := &v1.AgentInstance{
			ID:        "agent-1",
			Name:      "coder-1",
			Role:      v1.AgentRoleCoder,
			Provider:  v1.AgentProviderClaude,
			State:     v1.AgentStateSpawning,
			RuntimeID: "local",
			Location: v1.Location{
				SessionName: "agentmux",
				WindowIndex: 1,
				PaneIndex:   0,
			},
			CreatedAt:      now,
			LastActivityAt: now,
		}
		require.NoError(t, s.SaveAgent(ctx, agent))

		got, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, "coder-1", got.Name)
		require.Equal(t, v1.AgentStateSpawning, got.State)
		require.Equal(t, "agentmux", got.Location.SessionName)
		require.Equal(t, 1, got.Location.WindowIndex)

		// Upsert updates in place.
		agent.State = v1.AgentStateIdle
		require.NoError(t, s.SaveAgent(ctx, agent))
		got, err = s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, v1.AgentStateIdle, got.State)

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)

		require.NoError(t, s.DeleteAgent(ctx, "agent-1"))
		_, err = s.GetAgent(ctx, "agent-1")
		require.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetTask(ctx, "nope")
		require.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetLane(ctx, "nope")
		require.True(t, errors.Is(err, ErrNotFound))
		require.True(t, errors.Is(s.DeleteAgent(ctx, "nope"), ErrNotFound))
	})
}

func TestStore_TaskRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		yes := true

		task := &v1.Task{
			ID:           "task-1",
			Description:  "implement parser",
			TargetRole:   v1.AgentRoleCoder,
			Status:       v1.TaskStatusPending,
			Priority:     7,
			KanbanColumn: v1.ColumnTodo,
			SwimLaneID:   "lane-1",
			DependsOn:    []string{"task-0"},
			Toggles:      v1.Toggles{AutoStart: &yes},
			StatusHistory: []v1.StatusChange{
				{From: v1.TaskStatusPending, To: v1.TaskStatusPending, Timestamp: now},
			},
			Comments: []v1.Comment{
				{ID: "c-1", Author: "human", Content: "check edge cases", CreatedAt: now},
			},
			Tags:      []string{"parser"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.SaveTask(ctx, task))

		got, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		require.Equal(t, []string{"task-0"}, got.DependsOn)
		require.NotNil(t, got.Toggles.AutoStart)
		require.True(t, *got.Toggles.AutoStart)
		require.Nil(t, got.Toggles.AutoClose)
		require.Len(t, got.StatusHistory, 1)
		require.Len(t, got.Comments, 1)
		require.Nil(t, got.DoneAt)

		done := now.Add(time.Minute)
		task.Status = v1.TaskStatusCompleted
		task.KanbanColumn = v1.ColumnDone
		task.DoneAt = &done
		require.NoError(t, s.SaveTask(ctx, task))

		got, err = s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		require.Equal(t, v1.TaskStatusCompleted, got.Status)
		require.NotNil(t, got.DoneAt)
		require.Equal(t, done.Unix(), got.DoneAt.Unix())
	})
}

func TestStore_ListTasksByLane(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		for i, laneID := range []string{"lane-a", "lane-a", "lane-b"} {
			task := &v1.Task{
				ID:           string(rune('a' + i)),
				Description:  "t",
				Status:       v1.TaskStatusPending,
				KanbanColumn: v1.ColumnBacklog,
				SwimLaneID:   laneID,
				CreatedAt:    now.Add(time.Duration(i) * time.Second),
				UpdatedAt:    now,
			}
			require.NoError(t, s.SaveTask(ctx, task))
		}

		tasks, err := s.ListTasksByLane(ctx, "lane-a")
		require.NoError(t, err)
		require.Len(t, tasks, 2)

		tasks, err = s.ListTasksByLane(ctx, "lane-b")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
	})
}

func TestStore_PipelineAndRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		p := &v1.Pipeline{
			ID:      "pipe-1",
			Name:    "review-flow",
			Version: 1,
			Stages: []v1.Stage{
				{ID: "s1", Name: "code", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleCoder, TaskDescription: "write it"},
				{ID: "s2", Name: "review", Type: v1.StageTypeSequential, AgentRole: v1.AgentRoleReviewer, TaskDescription: "review it", DependsOn: []string{"s1"}},
			},
			CreatedAt: now,
		}
		require.NoError(t, s.SavePipeline(ctx, p))

		got, err := s.GetPipeline(ctx, "pipe-1")
		require.NoError(t, err)
		require.Len(t, got.Stages, 2)
		require.Equal(t, []string{"s1"}, got.Stages[1].DependsOn)

		run := &v1.PipelineRun{
			ID:         "run-1",
			PipelineID: "pipe-1",
			Status:     v1.RunStatusRunning,
			StageResults: map[string]*v1.StageResult{
				"s1": {Status: v1.StageStatusRunning},
				"s2": {Status: v1.StageStatusPending},
			},
			StartedAt: now,
		}
		require.NoError(t, s.SaveRun(ctx, run))

		runs, err := s.ListRunsByPipeline(ctx, "pipe-1")
		require.NoError(t, err)
		require.Len(t, runs, 1)
		require.Equal(t, v1.StageStatusRunning, runs[0].StageResults["s1"].Status)

		other, err := s.ListRunsByPipeline(ctx, "pipe-2")
		require.NoError(t, err)
		require.Empty(t, other)
	})
}

func TestStore_LaneToggleDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		lane := &v1.SwimLane{
			ID:               "lane-1",
			Name:             "backend",
			RuntimeID:        "local",
			WorkingDirectory: "/srv/app",
			SessionName:      "backend",
			DefaultToggles: v1.DefaultToggles{
				AutoStart: true,
				AutoClose: true,
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SaveLane(ctx, lane))

		got, err := s.GetLane(ctx, "lane-1")
		require.NoError(t, err)
		require.True(t, got.DefaultToggles.AutoStart)
		require.False(t, got.DefaultToggles.AutoPilot)
		require.True(t, got.DefaultToggles.AutoClose)
	})
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	team := &v1.Team{ID: "team-1", Name: "pair", AgentIDs: []string{"a"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.SaveTeam(ctx, team))

	// Mutating the caller's copy must not leak into the store.
	team.AgentIDs[0] = "mutated"
	got, err := s.GetTeam(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, got.AgentIDs)

	// Mutating a read copy must not leak either.
	got.AgentIDs[0] = "mutated"
	again, err := s.GetTeam(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, again.AgentIDs)
}
