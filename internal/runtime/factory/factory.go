// Package factory builds runtime adapters from their wire configs.
package factory

import (
	"fmt"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/runtime/dockerrt"
	"github.com/agentmux/agentmux/internal/runtime/k8srt"
	"github.com/agentmux/agentmux/internal/runtime/sshrt"
	"github.com/agentmux/agentmux/internal/runtime/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// New builds the adapter for cfg.Type. It satisfies runtime.Factory.
func New(cfg v1.RuntimeConfig, log *logger.Logger) (runtime.Adapter, error) {
	switch cfg.Type {
	case v1.RuntimeTypeTmux:
		return tmux.New(log), nil
	case v1.RuntimeTypeDocker:
		return dockerrt.New(cfg, log)
	case v1.RuntimeTypeK8s:
		return k8srt.New(cfg, log)
	case v1.RuntimeTypeSSH:
		return sshrt.New(cfg, log)
	default:
		return nil, fmt.Errorf("unknown runtime type: %s", cfg.Type)
	}
}
