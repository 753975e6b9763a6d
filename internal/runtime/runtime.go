// Package runtime abstracts the execution backends agents live on: local tmux
// panes, docker containers, kubernetes pods and remote shells.
package runtime

import (
	"context"
	"errors"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var (
	// ErrRuntimeNotFound is returned when no adapter is registered for an ID.
	ErrRuntimeNotFound = errors.New("runtime not found")
	// ErrNoHealthyRuntime is returned when adapter selection finds nothing usable.
	ErrNoHealthyRuntime = errors.New("no healthy runtime available")
	// ErrLocationGone is returned when a send targets a location that no
	// longer exists on the backend.
	ErrLocationGone = errors.New("location no longer exists")
)

// Adapter is the contract every execution backend implements. All calls honor
// the context deadline; long operations must be cancellable.
type Adapter interface {
	// Type returns the backend kind.
	Type() v1.RuntimeType

	// Probe checks backend availability. It never returns an error; failures
	// are reported through the result.
	Probe(ctx context.Context) v1.ProbeResult

	// SpawnAgent launches the template's command in a fresh location and
	// returns the backend handle for it.
	SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error)

	// SendKeys types text into the location, followed by Enter.
	SendKeys(ctx context.Context, loc v1.Location, text string) error

	// Paste delivers multi-line or special-character text through the
	// backend's paste primitive instead of keystroke emulation.
	Paste(ctx context.Context, loc v1.Location, text string) error

	// Capture returns the last lineCount lines of visible output.
	Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error)

	// IsAlive reports whether the location still exists. Any error counts
	// as not alive.
	IsAlive(ctx context.Context, loc v1.Location) bool

	// Kill tears the location down. Killing an already-dead location is not
	// an error.
	Kill(ctx context.Context, loc v1.Location) error

	// AttachCommand renders the shell command a human runs to attach to the
	// location (tmux attach, docker exec, kubectl exec, ssh).
	AttachCommand(loc v1.Location) string
}
