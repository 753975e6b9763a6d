// Package tmux implements the local-terminal runtime adapter by shelling out
// to the tmux CLI. Each agent gets its own detached session.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/runtime"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

const sessionPrefix = "agentmux-"

// Adapter drives a local tmux server.
type Adapter struct {
	logger *logger.Logger
}

var _ runtime.Adapter = (*Adapter)(nil)

// New creates a tmux adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{logger: log}
}

// Type returns the backend kind.
func (a *Adapter) Type() v1.RuntimeType { return v1.RuntimeTypeTmux }

// run executes a tmux command and returns its stdout.
func (a *Adapter) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// Probe checks that the tmux binary is present and the server answers.
func (a *Adapter) Probe(ctx context.Context) v1.ProbeResult {
	start := time.Now()
	result := v1.ProbeResult{CheckedAt: start}

	if _, err := exec.LookPath("tmux"); err != nil {
		result.Health = v1.RuntimeUnhealthy
		result.Details = "tmux binary not found in PATH"
		result.Latency = time.Since(start)
		return result
	}

	// tmux starts its server on demand, so a failing list-sessions with no
	// server running still means the backend is usable.
	out, err := a.run(ctx, "", "-V")
	if err != nil {
		result.Health = v1.RuntimeUnhealthy
		result.Details = err.Error()
	} else {
		result.Health = v1.RuntimeHealthy
		result.Details = strings.TrimSpace(out)
	}
	result.Latency = time.Since(start)
	return result
}

// SpawnAgent creates a detached session running the template's provider CLI
// in workdir.
func (a *Adapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	session := sessionPrefix + uuid.New().String()[:8]

	args := []string{"new-session", "-d", "-s", session}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	for k, v := range tpl.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, providerCommand(tpl))

	if _, err := a.run(ctx, "", args...); err != nil {
		return v1.Location{}, fmt.Errorf("failed to spawn agent session: %w", err)
	}

	a.logger.Debug("spawned tmux session",
		zap.String("session", session),
		zap.String("provider", string(tpl.Provider)))

	return v1.Location{SessionName: session, WindowIndex: 0, PaneIndex: 0}, nil
}

// providerCommand maps the template's provider to the CLI invocation.
func providerCommand(tpl *v1.AgentTemplate) string {
	switch tpl.Provider {
	case v1.AgentProviderGemini:
		return "gemini"
	case v1.AgentProviderCodex:
		return "codex"
	default:
		return "claude"
	}
}

func target(loc v1.Location) string {
	return fmt.Sprintf("%s:%d.%d", loc.SessionName, loc.WindowIndex, loc.PaneIndex)
}

// SendKeys types text literally into the pane and presses Enter.
func (a *Adapter) SendKeys(ctx context.Context, loc v1.Location, text string) error {
	if !a.IsAlive(ctx, loc) {
		return fmt.Errorf("session %s: %w", loc.SessionName, runtime.ErrLocationGone)
	}
	if _, err := a.run(ctx, "", "send-keys", "-t", target(loc), "-l", "--", text); err != nil {
		return err
	}
	_, err := a.run(ctx, "", "send-keys", "-t", target(loc), "Enter")
	return err
}

// Paste loads the text into a tmux buffer and pastes it, which survives
// newlines and characters send-keys would interpret.
func (a *Adapter) Paste(ctx context.Context, loc v1.Location, text string) error {
	if !a.IsAlive(ctx, loc) {
		return fmt.Errorf("session %s: %w", loc.SessionName, runtime.ErrLocationGone)
	}
	bufName := "agentmux-" + uuid.New().String()[:8]
	if _, err := a.run(ctx, text, "load-buffer", "-b", bufName, "-"); err != nil {
		return err
	}
	if _, err := a.run(ctx, "", "paste-buffer", "-d", "-b", bufName, "-t", target(loc)); err != nil {
		return err
	}
	_, err := a.run(ctx, "", "send-keys", "-t", target(loc), "Enter")
	return err
}

// Capture returns the last lineCount lines of the pane.
func (a *Adapter) Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error) {
	out, err := a.run(ctx, "", "capture-pane", "-p", "-t", target(loc),
		"-S", fmt.Sprintf("-%d", lineCount))
	if err != nil {
		a.logger.Warn("tmux capture failed",
			zap.String("session", loc.SessionName),
			zap.Error(err))
		return "", nil
	}
	return out, nil
}

// IsAlive reports whether the agent's session still exists.
func (a *Adapter) IsAlive(ctx context.Context, loc v1.Location) bool {
	if loc.SessionName == "" {
		return false
	}
	_, err := a.run(ctx, "", "has-session", "-t", loc.SessionName)
	return err == nil
}

// Kill tears the session down. A missing session is success.
func (a *Adapter) Kill(ctx context.Context, loc v1.Location) error {
	if loc.SessionName == "" {
		return nil
	}
	if _, err := a.run(ctx, "", "kill-session", "-t", loc.SessionName); err != nil {
		if strings.Contains(err.Error(), "can't find session") ||
			strings.Contains(err.Error(), "no server running") {
			return nil
		}
		return err
	}
	return nil
}

// AttachCommand renders the command a human runs to watch the agent.
func (a *Adapter) AttachCommand(loc v1.Location) string {
	return fmt.Sprintf("tmux attach-session -t %s", loc.SessionName)
}
