package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/events"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// CreateTeam registers an empty named team.
func (o *Orchestrator) CreateTeam(ctx context.Context, name string) (*v1.Team, error) {
	if name == "" {
		return nil, errors.New("team name is required")
	}
	team := &v1.Team{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	err := o.do(ctx, func() error {
		if err := o.store.SaveTeam(ctx, team); err != nil {
			return err
		}
		o.mu.Lock()
		o.teams[team.ID] = team
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.TeamCreated, map[string]interface{}{"teamId": team.ID, "name": name})
	copied := *team
	return &copied, nil
}

// ListTeams returns copies of all teams.
func (o *Orchestrator) ListTeams() []*v1.Team {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*v1.Team, 0, len(o.teams))
	for _, team := range o.teams {
		copied := *team
		copied.AgentIDs = append([]string(nil), team.AgentIDs...)
		out = append(out, &copied)
	}
	return out
}

// DeleteTeam disbands a team. kill controls whether its agents are
// terminated or merely detached.
func (o *Orchestrator) DeleteTeam(ctx context.Context, id string, kill bool) error {
	o.mu.RLock()
	team, ok := o.teams[id]
	var agentIDs []string
	if ok {
		agentIDs = append(agentIDs, team.AgentIDs...)
	}
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("team %s: %w", id, ErrTeamNotFound)
	}

	if kill {
		for _, agentID := range agentIDs {
			if err := o.Kill(ctx, agentID); err != nil && !errors.Is(err, ErrAgentNotFound) {
				o.logger.Warn("failed to kill team agent",
					zap.String("team_id", id),
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		}
	}

	err := o.do(ctx, func() error {
		if err := o.store.DeleteTeam(ctx, id); err != nil {
			return err
		}
		o.mu.Lock()
		delete(o.teams, id)
		for _, agentID := range agentIDs {
			if agent, ok := o.agents[agentID]; ok && agent.TeamID == id {
				agent.TeamID = ""
				_ = o.store.SaveAgent(ctx, agent)
			}
		}
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	o.publish(ctx, events.TeamDeleted, map[string]interface{}{"teamId": id})
	return nil
}

// AddAgent attaches an existing agent to a team.
func (o *Orchestrator) AddAgent(ctx context.Context, teamID, agentID string) error {
	err := o.do(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		team, ok := o.teams[teamID]
		if !ok {
			return fmt.Errorf("team %s: %w", teamID, ErrTeamNotFound)
		}
		agent, ok := o.agents[agentID]
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		for _, existing := range team.AgentIDs {
			if existing == agentID {
				return nil
			}
		}
		team.AgentIDs = append(team.AgentIDs, agentID)
		agent.TeamID = teamID
		if err := o.store.SaveTeam(ctx, team); err != nil {
			return err
		}
		return o.store.SaveAgent(ctx, agent)
	})
	if err != nil {
		return err
	}
	o.publish(ctx, events.TeamUpdated, map[string]interface{}{"teamId": teamID, "agentId": agentID})
	return nil
}

// RemoveAgent detaches an agent from a team without terminating it.
func (o *Orchestrator) RemoveAgent(ctx context.Context, teamID, agentID string) error {
	err := o.do(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		team, ok := o.teams[teamID]
		if !ok {
			return fmt.Errorf("team %s: %w", teamID, ErrTeamNotFound)
		}
		kept := team.AgentIDs[:0]
		for _, existing := range team.AgentIDs {
			if existing != agentID {
				kept = append(kept, existing)
			}
		}
		team.AgentIDs = kept
		if agent, ok := o.agents[agentID]; ok && agent.TeamID == teamID {
			agent.TeamID = ""
			_ = o.store.SaveAgent(ctx, agent)
		}
		return o.store.SaveTeam(ctx, team)
	})
	if err != nil {
		return err
	}
	o.publish(ctx, events.TeamUpdated, map[string]interface{}{"teamId": teamID, "agentId": agentID})
	return nil
}

// QuickCode creates a team with one coder and one reviewer working in the
// given directory.
func (o *Orchestrator) QuickCode(ctx context.Context, name, workdir string) (*v1.Team, error) {
	if name == "" {
		name = "code-" + uuid.New().String()[:8]
	}
	team, err := o.CreateTeam(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, role := range []v1.AgentRole{v1.AgentRoleCoder, v1.AgentRoleReviewer} {
		if _, err := o.Spawn(ctx, SpawnRequest{
			Role:    role,
			Workdir: workdir,
			TeamID:  team.ID,
		}); err != nil {
			return nil, fmt.Errorf("quick code spawn %s: %w", role, err)
		}
	}
	return o.teamCopy(team.ID)
}

// QuickResearch creates a team of n researchers.
func (o *Orchestrator) QuickResearch(ctx context.Context, name string, n int) (*v1.Team, error) {
	if n <= 0 {
		n = 1
	}
	if name == "" {
		name = "research-" + uuid.New().String()[:8]
	}
	team, err := o.CreateTeam(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if _, err := o.Spawn(ctx, SpawnRequest{
			Role:   v1.AgentRoleResearcher,
			TeamID: team.ID,
		}); err != nil {
			return nil, fmt.Errorf("quick research spawn %d: %w", i, err)
		}
	}
	return o.teamCopy(team.ID)
}

func (o *Orchestrator) teamCopy(id string) (*v1.Team, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	team, ok := o.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, ErrTeamNotFound)
	}
	copied := *team
	copied.AgentIDs = append([]string(nil), team.AgentIDs...)
	return &copied, nil
}

// Fanout spawns count researchers and hands each the same prompt.
func (o *Orchestrator) Fanout(ctx context.Context, prompt string, count int, provider v1.AgentProvider, runtimeID string) ([]string, error) {
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if count <= 0 {
		count = 3
	}

	ids := make([]string, count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			agent, err := o.Spawn(gctx, SpawnRequest{
				Role:      v1.AgentRoleResearcher,
				Provider:  provider,
				RuntimeID: runtimeID,
			})
			if err != nil {
				return fmt.Errorf("fanout spawn %d: %w", i, err)
			}
			ids[i] = agent.ID
			if _, err := o.SendPrompt(gctx, agent.ID, prompt, false); err != nil {
				o.logger.Warn("fanout prompt delivery failed",
					zap.String("agent_id", agent.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		spawned := make([]string, 0, count)
		for _, id := range ids {
			if id != "" {
				spawned = append(spawned, id)
			}
		}
		return spawned, err
	}
	return ids, nil
}
