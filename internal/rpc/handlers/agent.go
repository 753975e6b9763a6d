package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type agentListParams struct {
	State   string `json:"state,omitempty"`
	Role    string `json:"role,omitempty"`
	Team    string `json:"team,omitempty"`
	Runtime string `json:"runtime,omitempty"`
}

type agentIDParams struct {
	ID string `json:"id"`
}

func (p *agentIDParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	return nil
}

type agentSpawnParams struct {
	Role     string `json:"role"`
	Task     string `json:"task,omitempty"`
	Provider string `json:"provider,omitempty"`
	Template string `json:"template,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
	Team     string `json:"team,omitempty"`
}

func (p *agentSpawnParams) validate() error {
	if p.Role == "" {
		return rpc.InvalidParams("role is required")
	}
	return nil
}

type agentSendPromptParams struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Wait   bool   `json:"wait,omitempty"`
}

func (p *agentSendPromptParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	if p.Prompt == "" {
		return rpc.InvalidParams("prompt is required")
	}
	return nil
}

type agentGetOutputParams struct {
	ID    string `json:"id"`
	Lines int    `json:"lines,omitempty"`
}

func registerAgent(router *rpc.Router, deps Deps) {
	o := deps.Orchestrator

	router.Register("agent.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentListParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return o.List(orchestrator.Filter{
			State:   v1.AgentState(p.State),
			Role:    v1.AgentRole(p.Role),
			TeamID:  p.Team,
			Runtime: p.Runtime,
		}), nil
	})

	router.Register("agent.get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return o.Get(p.ID)
	})

	router.Register("agent.spawn", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentSpawnParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		agent, err := o.Spawn(ctx, orchestrator.SpawnRequest{
			Role:       v1.AgentRole(p.Role),
			Provider:   v1.AgentProvider(p.Provider),
			TemplateID: p.Template,
			Workdir:    p.Workdir,
			RuntimeID:  p.Runtime,
			TeamID:     p.Team,
			Task:       p.Task,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": agent.ID, "state": string(agent.State)}, nil
	})

	router.Register("agent.kill", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, o.Kill(ctx, p.ID)
	})

	router.Register("agent.sendPrompt", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentSendPromptParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		output, err := o.SendPrompt(ctx, p.ID, p.Prompt, p.Wait)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"output": output}, nil
	})

	router.Register("agent.getOutput", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentGetOutputParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, rpc.InvalidParams("id is required")
		}
		return o.GetOutput(ctx, p.ID, p.Lines)
	})

	router.Register("agent.getAttachCommand", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p agentIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return o.AttachCommand(p.ID)
	})
}
