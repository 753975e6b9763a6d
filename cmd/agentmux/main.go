// Package main is the agentmux entry point. One binary carries every verb:
// the CLI control verbs (start, stop, status), the foreground supervisor
// (run) and the daemon worker process itself (worker).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/supervisor"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agentmux <command> [flags]

Commands:
  start    launch the daemon in the background
  run      run the supervisor in the foreground
  stop     stop a running daemon
  status   report daemon status
  worker   run the worker process (used internally by the supervisor)

Flags:
  --config PATH   config file or directory (default: ./config.yaml, /etc/agentmux/)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	verb := os.Args[1]

	flags := flag.NewFlagSet(verb, flag.ExitOnError)
	cfgPath := flags.String("config", "", "config file or directory")
	flags.Parse(os.Args[2:])

	cfg, err := config.LoadWithPath(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	switch verb {
	case "start":
		exitOn(supervisor.Start(cfg, *cfgPath))
	case "run":
		exitOn(runSupervisor(cfg, *cfgPath))
	case "stop":
		exitOn(supervisor.Stop(cfg))
	case "status":
		exitOn(supervisor.Status(cfg))
	case "worker":
		exitOn(runWorker(cfg, *cfgPath))
	default:
		usage()
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newDaemonLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.NewLogger(logger.LoggingConfig{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		OutputPath:    cfg.Daemon.LogFile,
		ToStdout:      cfg.Logging.ToStdout,
		MaxFileSizeMB: cfg.Logging.MaxFileSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
	})
}
