package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type fanoutParams struct {
	Prompt   string `json:"prompt"`
	Count    int    `json:"count,omitempty"`
	Provider string `json:"provider,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
}

func registerFanout(router *rpc.Router, deps Deps) {
	router.Register("fanout.run", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p fanoutParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.Prompt == "" {
			return nil, rpc.InvalidParams("prompt is required")
		}
		ids, err := deps.Orchestrator.Fanout(ctx, p.Prompt, p.Count, v1.AgentProvider(p.Provider), p.Runtime)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"agentIds": ids}, nil
	})
}
