package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
)

type teamCreateParams struct {
	Name string `json:"name"`
}

type teamDeleteParams struct {
	ID   string `json:"id"`
	Kill bool   `json:"kill,omitempty"`
}

type teamMemberParams struct {
	TeamID  string `json:"team_id"`
	AgentID string `json:"agent_id"`
}

func (p *teamMemberParams) validate() error {
	if p.TeamID == "" {
		return rpc.InvalidParams("team_id is required")
	}
	if p.AgentID == "" {
		return rpc.InvalidParams("agent_id is required")
	}
	return nil
}

type quickCodeParams struct {
	Name    string `json:"name,omitempty"`
	Workdir string `json:"workdir,omitempty"`
}

type quickResearchParams struct {
	Name  string `json:"name,omitempty"`
	Count int    `json:"count,omitempty"`
}

func registerTeam(router *rpc.Router, deps Deps) {
	o := deps.Orchestrator

	router.Register("team.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return o.ListTeams(), nil
	})

	router.Register("team.create", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p teamCreateParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, rpc.InvalidParams("name is required")
		}
		return o.CreateTeam(ctx, p.Name)
	})

	router.Register("team.delete", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p teamDeleteParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, rpc.InvalidParams("id is required")
		}
		return nil, o.DeleteTeam(ctx, p.ID, p.Kill)
	})

	router.Register("team.addAgent", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p teamMemberParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, o.AddAgent(ctx, p.TeamID, p.AgentID)
	})

	router.Register("team.removeAgent", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p teamMemberParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, o.RemoveAgent(ctx, p.TeamID, p.AgentID)
	})

	router.Register("team.quickCode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p quickCodeParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return o.QuickCode(ctx, p.Name, p.Workdir)
	})

	router.Register("team.quickResearch", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p quickResearchParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return o.QuickResearch(ctx, p.Name, p.Count)
	})
}
