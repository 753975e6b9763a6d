package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/pipeline"
	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type pipelineIDParams struct {
	ID string `json:"id"`
}

func (p *pipelineIDParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	return nil
}

type runIDParams struct {
	RunID string `json:"run_id"`
}

func (p *runIDParams) validate() error {
	if p.RunID == "" {
		return rpc.InvalidParams("run_id is required")
	}
	return nil
}

func registerPipeline(router *rpc.Router, deps Deps) {
	engine := deps.Pipelines

	router.Register("pipeline.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return engine.List(ctx)
	})

	// pipeline.create accepts either an inline stage list or a yaml
	// definition document under the "yaml" key.
	router.Register("pipeline.create", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var probe struct {
			YAML string `json:"yaml"`
		}
		if err := decode(params, &probe); err != nil {
			return nil, err
		}
		if probe.YAML != "" {
			p, err := pipeline.ParseYAML([]byte(probe.YAML))
			if err != nil {
				return nil, rpc.InvalidParams("%v", err)
			}
			return engine.Create(ctx, p)
		}

		var p v1.Pipeline
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, rpc.InvalidParams("name is required")
		}
		return engine.Create(ctx, &p)
	})

	router.Register("pipeline.run", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p pipelineIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return engine.StartRun(ctx, p.ID)
	})

	router.Register("pipeline.getStatus", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return engine.GetRun(ctx, p.RunID)
	})

	router.Register("pipeline.getActive", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return engine.ListActive(ctx)
	})

	router.Register("pipeline.pause", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, engine.PauseRun(ctx, p.RunID)
	})

	router.Register("pipeline.resume", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, engine.ResumeRun(ctx, p.RunID)
	})

	router.Register("pipeline.cancel", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p runIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, engine.CancelRun(ctx, p.RunID)
	})
}
