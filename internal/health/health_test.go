package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func testChecker(t *testing.T) (*Checker, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", ToStdout: true})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	factory := func(cfg v1.RuntimeConfig, l *logger.Logger) (runtime.Adapter, error) {
		return nil, nil
	}
	manager := runtime.NewManager("local", time.Minute, factory, eventBus, log)
	checker := NewChecker(store.NewMemoryStore(), eventBus, manager, time.Now().Add(-90*time.Second))
	return checker, eventBus
}

func TestReportHealthy(t *testing.T) {
	checker, _ := testChecker(t)

	report := checker.Report(context.Background())
	assert.Equal(t, v1.HealthOK, report.Status)
	assert.Equal(t, v1.HealthOK, report.Components["store"].Status)
	assert.Equal(t, v1.HealthOK, report.Components["event_bus"].Status)
	assert.GreaterOrEqual(t, report.UptimeSecs, int64(90))
	assert.False(t, report.Timestamp.IsZero())
}

func TestReportDegradedWhenBusDisconnected(t *testing.T) {
	checker, eventBus := testChecker(t)
	eventBus.Close()

	report := checker.Report(context.Background())
	assert.Equal(t, v1.HealthDegraded, report.Status)
	assert.Equal(t, v1.HealthDegraded, report.Components["event_bus"].Status)
	assert.Equal(t, v1.HealthOK, report.Components["store"].Status)
}
