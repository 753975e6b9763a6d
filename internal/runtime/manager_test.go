package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/common/logger"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type stubAdapter struct {
	health  v1.RuntimeHealth
	spawned int
}

func (s *stubAdapter) Type() v1.RuntimeType { return v1.RuntimeTypeTmux }

func (s *stubAdapter) Probe(ctx context.Context) v1.ProbeResult {
	return v1.ProbeResult{Health: s.health, CheckedAt: time.Now()}
}

func (s *stubAdapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	s.spawned++
	return v1.Location{SessionName: "stub"}, nil
}

func (s *stubAdapter) SendKeys(ctx context.Context, loc v1.Location, text string) error { return nil }
func (s *stubAdapter) Paste(ctx context.Context, loc v1.Location, text string) error    { return nil }
func (s *stubAdapter) Capture(ctx context.Context, loc v1.Location, n int) (string, error) {
	return "", nil
}
func (s *stubAdapter) IsAlive(ctx context.Context, loc v1.Location) bool { return true }
func (s *stubAdapter) Kill(ctx context.Context, loc v1.Location) error   { return nil }
func (s *stubAdapter) AttachCommand(loc v1.Location) string              { return "stub" }

func stubFactory(adapters map[string]*stubAdapter) Factory {
	return func(cfg v1.RuntimeConfig, log *logger.Logger) (Adapter, error) {
		a, ok := adapters[cfg.ID]
		if !ok {
			return nil, errors.New("unknown stub")
		}
		return a, nil
	}
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", ToStdout: true})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestManager(t *testing.T, adapters map[string]*stubAdapter, defaultID string) *Manager {
	m := NewManager(defaultID, time.Minute, stubFactory(adapters), nil, testLogger(t))
	ctx := context.Background()
	for id := range adapters {
		if err := m.Add(ctx, v1.RuntimeConfig{ID: id, Type: v1.RuntimeTypeTmux}); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}
	return m
}

func TestManager_GetAndRemove(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"local": {health: v1.RuntimeHealthy},
	}, "local")

	if _, err := m.Get("local"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("expected ErrRuntimeNotFound, got %v", err)
	}

	if err := m.Remove("local"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Get("local"); !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("expected ErrRuntimeNotFound after remove, got %v", err)
	}
	if err := m.Remove("local"); !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("expected ErrRuntimeNotFound on double remove, got %v", err)
	}
}

func TestManager_SelectExplicitWinsEvenWhenUnhealthy(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"local":  {health: v1.RuntimeHealthy},
		"remote": {health: v1.RuntimeUnhealthy},
	}, "local")

	// An explicit runtime ID is honored without a health check; the spawn
	// itself will surface the failure.
	id, _, err := m.Select("remote", "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "remote" {
		t.Errorf("expected remote, got %s", id)
	}

	if _, _, err := m.Select("missing", ""); !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("expected ErrRuntimeNotFound, got %v", err)
	}
}

func TestManager_SelectPreferredThenDefault(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"local": {health: v1.RuntimeHealthy},
		"gpu":   {health: v1.RuntimeHealthy},
	}, "local")

	id, _, err := m.Select("", "gpu")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "gpu" {
		t.Errorf("expected preferred gpu, got %s", id)
	}

	id, _, err = m.Select("", "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "local" {
		t.Errorf("expected default local, got %s", id)
	}
}

func TestManager_SelectSkipsUnhealthyPreferred(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"local": {health: v1.RuntimeHealthy},
		"gpu":   {health: v1.RuntimeUnhealthy},
	}, "local")

	id, _, err := m.Select("", "gpu")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "local" {
		t.Errorf("expected fallback to default, got %s", id)
	}
}

func TestManager_SelectFirstHealthyFallback(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"a": {health: v1.RuntimeUnhealthy},
		"b": {health: v1.RuntimeHealthy},
	}, "a")

	id, _, err := m.Select("", "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "b" {
		t.Errorf("expected first healthy b, got %s", id)
	}
}

func TestManager_SelectNoneHealthy(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"a": {health: v1.RuntimeUnhealthy},
	}, "a")

	if _, _, err := m.Select("", ""); !errors.Is(err, ErrNoHealthyRuntime) {
		t.Errorf("expected ErrNoHealthyRuntime, got %v", err)
	}
}

func TestManager_DegradedIsUsable(t *testing.T) {
	m := newTestManager(t, map[string]*stubAdapter{
		"local": {health: v1.RuntimeDegraded},
	}, "local")

	id, _, err := m.Select("", "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "local" {
		t.Errorf("expected degraded local to be selected, got %s", id)
	}
}

func TestManager_PingRefreshesCache(t *testing.T) {
	stub := &stubAdapter{health: v1.RuntimeHealthy}
	m := newTestManager(t, map[string]*stubAdapter{"local": stub}, "local")

	stub.health = v1.RuntimeUnhealthy
	res, err := m.Ping(context.Background(), "local")
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if res.Health != v1.RuntimeUnhealthy {
		t.Errorf("expected unhealthy, got %s", res.Health)
	}

	cached, ok := m.Health("local")
	if !ok || cached.Health != v1.RuntimeUnhealthy {
		t.Errorf("expected cache to hold unhealthy, got %+v ok=%v", cached, ok)
	}
}
