// Package supervisor keeps the worker process alive. The supervisor
// re-execs its own binary with the worker verb, forwards signals, and
// restarts the worker on crashes under a sliding-window circuit breaker.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const killGrace = 5 * time.Second

// Supervisor runs the supervise loop in the foreground. Start/Stop/Status
// in control.go manage the detached form.
type Supervisor struct {
	cfg     *config.Config
	cfgPath string
	logger  *logger.Logger
	breaker *breaker
}

func New(cfg *config.Config, cfgPath string, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  log.WithFields(zap.String("component", "supervisor")),
		breaker: newBreaker(
			cfg.Supervisor.MaxRestarts,
			cfg.Supervisor.RestartWindowDuration(),
			cfg.Supervisor.RestartBackoffDuration(),
		),
	}
}

// Run supervises worker processes until ctx is cancelled or a shutdown
// signal arrives. It owns the pid file for its lifetime.
func (s *Supervisor) Run(ctx context.Context) error {
	pidPath := s.cfg.Daemon.PIDFile
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer removePIDFile(pidPath)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		cmd, err := s.spawnWorker()
		if err != nil {
			return err
		}
		s.logger.Info("worker started", zap.Int("pid", cmd.Process.Pid))

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		stopping, werr := s.superviseOne(ctx, cmd, sigCh, exitCh)
		if stopping {
			return nil
		}

		if !crashed(werr) {
			// Graceful worker exit, for example daemon.shutdown over RPC.
			s.logger.Info("worker exited cleanly, supervisor stopping")
			return nil
		}

		s.logger.Warn("worker crashed", zap.Error(werr))
		if s.breaker.record(time.Now()) {
			s.logger.Error("restart limit reached, backing off",
				zap.Duration("backoff", s.breaker.backoff))
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigCh:
				if sig != syscall.SIGHUP {
					return nil
				}
			case <-time.After(s.breaker.backoff):
			}
			s.breaker.reset()
		}
	}
}

// superviseOne watches one worker until it exits or a signal arrives.
// It returns stopping=true when the supervisor itself should exit.
func (s *Supervisor) superviseOne(ctx context.Context, cmd *exec.Cmd, sigCh chan os.Signal, exitCh chan error) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			s.terminate(cmd, exitCh)
			return true, nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				// Reload request: forward it and keep supervising.
				s.logger.Info("forwarding reload signal")
				if err := cmd.Process.Signal(syscall.SIGHUP); err != nil {
					s.logger.Warn("signal forward failed", zap.Error(err))
				}
			default:
				s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
				s.terminate(cmd, exitCh)
				return true, nil
			}
		case err := <-exitCh:
			return false, err
		}
	}
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd, exitCh chan error) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-exitCh:
	case <-time.After(killGrace):
		s.logger.Warn("worker did not stop in time, killing",
			zap.Int("pid", cmd.Process.Pid))
		cmd.Process.Kill()
		<-exitCh
	}
}

// spawnWorker re-execs this binary with the worker verb.
func (s *Supervisor) spawnWorker() (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"worker"}
	if s.cfgPath != "" {
		args = append(args, "--config", s.cfgPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// crashed reports whether a Wait error represents an abnormal exit.
func crashed(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() != 0
	}
	return true
}
