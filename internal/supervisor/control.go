package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentmux/agentmux/internal/common/config"
)

const stopWait = 10 * time.Second

// Start launches a detached supervisor running the "run" verb in a new
// session, with stdio going to the daemon log file.
func Start(cfg *config.Config, cfgPath string) error {
	if pid, err := readPIDFile(cfg.Daemon.PIDFile); err == nil && processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logPath := cfg.Daemon.LogFile
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"run"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("daemon started, pid %d, logs at %s\n", cmd.Process.Pid, logPath)
	return cmd.Process.Release()
}

// Stop signals the running supervisor with SIGTERM and waits for the pid
// file to clear.
func Stop(cfg *config.Config) error {
	pid, err := readPIDFile(cfg.Daemon.PIDFile)
	if err != nil {
		return fmt.Errorf("daemon is not running")
	}
	if !processAlive(pid) {
		removePIDFile(cfg.Daemon.PIDFile)
		return fmt.Errorf("daemon is not running (stale pid file removed)")
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d did not stop within %s", pid, stopWait)
}

// Status reports whether a supervisor is running.
func Status(cfg *config.Config) error {
	pid, err := readPIDFile(cfg.Daemon.PIDFile)
	if err != nil || !processAlive(pid) {
		return fmt.Errorf("daemon is not running")
	}
	fmt.Printf("daemon running, pid %d, socket %s\n", pid, cfg.Daemon.SocketPath)
	return nil
}
