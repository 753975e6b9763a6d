// Package sshrt implements the remote-shell runtime adapter: the same tmux
// verbs as the local adapter, executed on a remote host over SSH.
package sshrt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/runtime"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

const sessionPrefix = "agentmux-"

// Adapter runs tmux on a remote host through SSH sessions, one per call.
type Adapter struct {
	cfg       v1.RuntimeConfig
	sshConfig *ssh.ClientConfig
	addr      string
	logger    *logger.Logger

	mu     sync.Mutex
	client *ssh.Client
}

var _ runtime.Adapter = (*Adapter)(nil)

// New creates an ssh adapter. The private key is read at construction so a
// bad path fails fast.
func New(cfg v1.RuntimeConfig, log *logger.Logger) (*Adapter, error) {
	if cfg.SSHHost == "" {
		return nil, fmt.Errorf("ssh runtime %s: host is required", cfg.ID)
	}

	key, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	port := cfg.SSHPort
	if port == 0 {
		port = 22
	}

	return &Adapter{
		cfg: cfg,
		sshConfig: &ssh.ClientConfig{
			User:            cfg.SSHUser,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
		addr:   fmt.Sprintf("%s:%d", cfg.SSHHost, port),
		logger: log,
	}, nil
}

// Type returns the backend kind.
func (a *Adapter) Type() v1.RuntimeType { return v1.RuntimeTypeSSH }

// conn returns the cached SSH client, dialing if needed.
func (a *Adapter) conn() (*ssh.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	client, err := ssh.Dial("tcp", a.addr, a.sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", a.addr, err)
	}
	a.client = client
	return client, nil
}

// dropConn discards the cached client after a transport failure so the next
// call redials.
func (a *Adapter) dropConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}
}

// run executes a remote command in a fresh SSH session. The context deadline
// is honored by closing the session.
func (a *Adapter) run(ctx context.Context, stdin, command string) (string, error) {
	client, err := a.conn()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		a.dropConn()
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return "", ctx.Err()
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("remote command failed: %s", msg)
	}
	return stdout.String(), nil
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Probe checks connectivity and remote tmux availability.
func (a *Adapter) Probe(ctx context.Context) v1.ProbeResult {
	start := time.Now()
	result := v1.ProbeResult{CheckedAt: start}

	out, err := a.run(ctx, "", "tmux -V")
	switch {
	case err != nil && strings.Contains(err.Error(), "failed to dial"):
		result.Health = v1.RuntimeUnhealthy
		result.Details = err.Error()
	case err != nil:
		// Host reachable but tmux missing or broken.
		result.Health = v1.RuntimeDegraded
		result.Details = err.Error()
	default:
		result.Health = v1.RuntimeHealthy
		result.Details = strings.TrimSpace(out)
	}
	result.Latency = time.Since(start)
	return result
}

// SpawnAgent creates a detached tmux session on the remote host.
func (a *Adapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	session := sessionPrefix + uuid.New().String()[:8]

	var sb strings.Builder
	sb.WriteString("tmux new-session -d -s " + shellQuote(session))
	if workdir != "" {
		sb.WriteString(" -c " + shellQuote(workdir))
	}
	for k, v := range tpl.Env {
		sb.WriteString(" -e " + shellQuote(fmt.Sprintf("%s=%s", k, v)))
	}
	sb.WriteString(" " + shellQuote(providerCommand(tpl)))

	if _, err := a.run(ctx, "", sb.String()); err != nil {
		return v1.Location{}, fmt.Errorf("failed to spawn remote session: %w", err)
	}

	a.logger.Debug("spawned remote tmux session",
		zap.String("session", session),
		zap.String("host", a.cfg.SSHHost))

	return v1.Location{SessionName: session, WindowIndex: 0, PaneIndex: 0}, nil
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

func target(loc v1.Location) string {
	return fmt.Sprintf("%s:%d.%d", loc.SessionName, loc.WindowIndex, loc.PaneIndex)
}

// SendKeys types text into the remote pane and presses Enter.
func (a *Adapter) SendKeys(ctx context.Context, loc v1.Location, text string) error {
	if !a.IsAlive(ctx, loc) {
		return fmt.Errorf("session %s: %w", loc.SessionName, runtime.ErrLocationGone)
	}
	cmd := fmt.Sprintf("tmux send-keys -t %s -l -- %s && tmux send-keys -t %s Enter",
		shellQuote(target(loc)), shellQuote(text), shellQuote(target(loc)))
	_, err := a.run(ctx, "", cmd)
	return err
}

// Paste ships the text over stdin into a remote tmux buffer and pastes it.
func (a *Adapter) Paste(ctx context.Context, loc v1.Location, text string) error {
	if !a.IsAlive(ctx, loc) {
		return fmt.Errorf("session %s: %w", loc.SessionName, runtime.ErrLocationGone)
	}
	cmd := fmt.Sprintf("tmux load-buffer - && tmux paste-buffer -d -t %s && tmux send-keys -t %s Enter",
		shellQuote(target(loc)), shellQuote(target(loc)))
	_, err := a.run(ctx, text, cmd)
	return err
}

// Capture returns the last lineCount lines of the remote pane.
func (a *Adapter) Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error) {
	cmd := fmt.Sprintf("tmux capture-pane -p -t %s -S -%d", shellQuote(target(loc)), lineCount)
	out, err := a.run(ctx, "", cmd)
	if err != nil {
		a.logger.Warn("remote capture failed",
			zap.String("session", loc.SessionName),
			zap.Error(err))
		return "", nil
	}
	return out, nil
}

// IsAlive reports whether the remote session still exists.
func (a *Adapter) IsAlive(ctx context.Context, loc v1.Location) bool {
	if loc.SessionName == "" {
		return false
	}
	_, err := a.run(ctx, "", "tmux has-session -t "+shellQuote(loc.SessionName))
	return err == nil
}

// Kill tears the remote session down. A missing session is success.
func (a *Adapter) Kill(ctx context.Context, loc v1.Location) error {
	if loc.SessionName == "" {
		return nil
	}
	_, err := a.run(ctx, "", "tmux kill-session -t "+shellQuote(loc.SessionName))
	if err != nil && (strings.Contains(err.Error(), "can't find session") ||
		strings.Contains(err.Error(), "no server running")) {
		return nil
	}
	return err
}

// AttachCommand renders the ssh + tmux attach invocation.
func (a *Adapter) AttachCommand(loc v1.Location) string {
	return fmt.Sprintf("ssh -t %s@%s tmux attach-session -t %s",
		a.cfg.SSHUser, a.cfg.SSHHost, loc.SessionName)
}
