package main

import (
	"context"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/supervisor"
)

// runSupervisor runs the supervise loop in the foreground. The start verb
// launches this same verb detached.
func runSupervisor(cfg *config.Config, cfgPath string) error {
	log, err := newDaemonLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	return supervisor.New(cfg, cfgPath, log).Run(context.Background())
}
