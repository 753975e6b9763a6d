package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type runtimeIDParams struct {
	ID string `json:"id"`
}

func (p *runtimeIDParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	return nil
}

func registerRuntime(router *rpc.Router, deps Deps) {
	manager := deps.Runtimes

	router.Register("runtime.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		configs := manager.List()
		health := manager.HealthSnapshot()
		type entry struct {
			v1.RuntimeConfig
			Health v1.RuntimeHealth `json:"health,omitempty"`
		}
		out := make([]entry, 0, len(configs))
		for _, cfg := range configs {
			e := entry{RuntimeConfig: cfg}
			if res, ok := health[cfg.ID]; ok {
				e.Health = res.Health
			}
			out = append(out, e)
		}
		return out, nil
	})

	router.Register("runtime.add", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var cfg v1.RuntimeConfig
		if err := decode(params, &cfg); err != nil {
			return nil, err
		}
		if cfg.ID == "" {
			return nil, rpc.InvalidParams("id is required")
		}
		if cfg.Type == "" {
			return nil, rpc.InvalidParams("type is required")
		}
		if err := manager.Add(ctx, cfg); err != nil {
			return nil, err
		}
		return nil, nil
	})

	router.Register("runtime.remove", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runtimeIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, manager.Remove(p.ID)
	})

	router.Register("runtime.ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runtimeIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		result, err := manager.Ping(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"ok":      result.Health != v1.RuntimeUnhealthy,
			"health":  string(result.Health),
			"latency": result.Latency.String(),
		}, nil
	})
}
