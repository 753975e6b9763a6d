// Package handlers binds the daemon components to the JSON-RPC method
// table. Each method decodes a typed parameter record, validates it and
// delegates to the owning component.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/kanban"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/pipeline"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/runtime"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Deps carries everything the handlers reach. The composition root fills it
// once; handlers hold no other state.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Kanban       *kanban.Model
	Pipelines    *pipeline.Engine
	Runtimes     *runtime.Manager
	Config       *config.Config

	// Health assembles the component health report for daemon.health.
	Health func(ctx context.Context) *v1.HealthReport
	// Reload re-reads the config file on daemon.reload.
	Reload func(ctx context.Context) error
	// Shutdown asks the worker to stop; the reply is sent before it fires.
	Shutdown func()
	// Subscribers reports live WebSocket and SSE subscriber counts for
	// daemon.stats. Nil when no push transport is enabled.
	Subscribers func() int
}

// RegisterAll installs every method namespace on the router.
func RegisterAll(router *rpc.Router, deps Deps) {
	registerAgent(router, deps)
	registerTask(router, deps)
	registerTeam(router, deps)
	registerPipeline(router, deps)
	registerKanban(router, deps)
	registerRuntime(router, deps)
	registerDaemon(router, deps)
	registerFanout(router, deps)
}

// decode unmarshals params into dst. Absent params leave dst zeroed so
// required-field checks catch the gap.
func decode(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return rpc.InvalidParams("malformed params: %v", err)
	}
	return nil
}
