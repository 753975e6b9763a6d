package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
)

func registerDaemon(router *rpc.Router, deps Deps) {
	router.Register("daemon.health", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return deps.Health(ctx), nil
	})

	router.Register("daemon.config", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return deps.Config, nil
	})

	router.Register("daemon.reload", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, deps.Reload(ctx)
	})

	router.Register("daemon.stats", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		stats := deps.Orchestrator.Stats()
		if runs, err := deps.Pipelines.ListActive(ctx); err == nil {
			stats.ActiveRuns = len(runs)
		}
		if deps.Subscribers != nil {
			stats.Subscribers = deps.Subscribers()
		}
		return stats, nil
	})

	router.Register("daemon.shutdown", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		deps.Shutdown()
		return map[string]interface{}{"stopping": true}, nil
	})
}
