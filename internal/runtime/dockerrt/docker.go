// Package dockerrt implements the container runtime adapter over the Docker
// SDK. Each agent is one container running its provider CLI under a TTY.
package dockerrt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/runtime"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

const defaultImage = "agentmux/agent:latest"

// Adapter drives a Docker engine.
type Adapter struct {
	cli    *client.Client
	cfg    v1.RuntimeConfig
	logger *logger.Logger
}

var _ runtime.Adapter = (*Adapter)(nil)

// New creates a docker adapter from the runtime config.
func New(cfg v1.RuntimeConfig, log *logger.Logger) (*Adapter, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Adapter{cli: cli, cfg: cfg, logger: log}, nil
}

// Type returns the backend kind.
func (a *Adapter) Type() v1.RuntimeType { return v1.RuntimeTypeDocker }

// Close closes the underlying SDK client.
func (a *Adapter) Close() error { return a.cli.Close() }

// Probe pings the Docker engine.
func (a *Adapter) Probe(ctx context.Context) v1.ProbeResult {
	start := time.Now()
	result := v1.ProbeResult{CheckedAt: start}

	if _, err := a.cli.Ping(ctx); err != nil {
		result.Health = v1.RuntimeUnhealthy
		result.Details = err.Error()
	} else {
		result.Health = v1.RuntimeHealthy
	}
	result.Latency = time.Since(start)
	return result
}

// SpawnAgent creates and starts a container running the template's provider
// CLI with a TTY so prompts can be typed in through attach.
func (a *Adapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	img := a.cfg.DefaultImage
	if img == "" {
		img = defaultImage
	}

	// Best effort: a locally built image may not be pullable.
	if reader, err := a.cli.ImagePull(ctx, img, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	env := make([]string, 0, len(tpl.Env))
	for k, v := range tpl.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{providerCommand(tpl)},
		Env:        env,
		WorkingDir: workdir,
		OpenStdin:  true,
		StdinOnce:  false,
		Tty:        true,
		Labels: map[string]string{
			"agentmux.role":     string(tpl.Role),
			"agentmux.provider": string(tpl.Provider),
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, containerCfg, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return v1.Location{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return v1.Location{}, fmt.Errorf("failed to start container: %w", err)
	}

	a.logger.Debug("spawned agent container",
		zap.String("container_id", resp.ID),
		zap.String("image", img))

	return v1.Location{ContainerID: resp.ID}, nil
}

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

// SendKeys writes the text plus a newline to the container's stdin through a
// one-shot attach.
func (a *Adapter) SendKeys(ctx context.Context, loc v1.Location, text string) error {
	resp, err := a.cli.ContainerAttach(ctx, loc.ContainerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("container %s: %w", loc.ContainerID, runtime.ErrLocationGone)
		}
		return fmt.Errorf("failed to attach to container: %w", err)
	}
	defer resp.Close()

	if _, err := resp.Conn.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("failed to write to container stdin: %w", err)
	}
	return nil
}

// Paste is identical to SendKeys: container stdin is a byte stream, so
// newlines need no special treatment.
func (a *Adapter) Paste(ctx context.Context, loc v1.Location, text string) error {
	return a.SendKeys(ctx, loc, text)
}

// Capture tails the container's combined output.
func (a *Adapter) Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error) {
	reader, err := a.cli.ContainerLogs(ctx, loc.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lineCount),
	})
	if err != nil {
		a.logger.Warn("container log capture failed",
			zap.String("container_id", loc.ContainerID),
			zap.Error(err))
		return "", nil
	}
	defer reader.Close()

	// Tty containers write a single unmultiplexed stream.
	data, err := io.ReadAll(reader)
	if err != nil {
		a.logger.Warn("container log read failed",
			zap.String("container_id", loc.ContainerID),
			zap.Error(err))
		return "", nil
	}
	return string(data), nil
}

// IsAlive reports whether the container exists and is running.
func (a *Adapter) IsAlive(ctx context.Context, loc v1.Location) bool {
	if loc.ContainerID == "" {
		return false
	}
	inspect, err := a.cli.ContainerInspect(ctx, loc.ContainerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Kill stops and removes the container. A missing container is success.
func (a *Adapter) Kill(ctx context.Context, loc v1.Location) error {
	if loc.ContainerID == "" {
		return nil
	}

	timeout := 5
	if err := a.cli.ContainerStop(ctx, loc.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			a.logger.Warn("container stop failed, forcing removal",
				zap.String("container_id", loc.ContainerID),
				zap.Error(err))
		}
	}
	if err := a.cli.ContainerRemove(ctx, loc.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// AttachCommand renders the docker attach invocation.
func (a *Adapter) AttachCommand(loc v1.Location) string {
	return fmt.Sprintf("docker attach %s", loc.ContainerID)
}
