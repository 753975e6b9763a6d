package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsPastLimit(t *testing.T) {
	b := newBreaker(3, time.Minute, 30*time.Second)
	now := time.Now()

	// maxRestarts crashes are tolerated, one more opens the breaker.
	assert.False(t, b.record(now))
	assert.False(t, b.record(now.Add(time.Second)))
	assert.False(t, b.record(now.Add(2*time.Second)))
	assert.False(t, b.tripped(now.Add(2*time.Second)))
	assert.True(t, b.record(now.Add(3*time.Second)))
	assert.True(t, b.tripped(now.Add(3*time.Second)))
}

func TestBreakerAllowsMaxRestartsBeforeBackoff(t *testing.T) {
	b := newBreaker(5, 30*time.Second, time.Minute)
	now := time.Now()

	restarts := 0
	for i := 0; i < 10; i++ {
		if !b.record(now.Add(time.Duration(i) * time.Second)) {
			restarts++
			continue
		}
		break
	}
	assert.Equal(t, 5, restarts)
}

func TestBreakerWindowSlides(t *testing.T) {
	b := newBreaker(3, time.Minute, 30*time.Second)
	now := time.Now()

	b.record(now)
	b.record(now.Add(time.Second))

	// The first two crashes age out; a third inside a fresh window does
	// not trip.
	later := now.Add(2 * time.Minute)
	assert.False(t, b.record(later))
	assert.False(t, b.tripped(later))
}

func TestBreakerBoundaryExactlyAtWindowEdge(t *testing.T) {
	b := newBreaker(2, time.Minute, 30*time.Second)
	now := time.Now()

	b.record(now)
	// A crash exactly window-length later: the first has aged out.
	assert.False(t, b.record(now.Add(time.Minute)))
	// Two more inside the window push the count past the limit.
	assert.False(t, b.record(now.Add(time.Minute+time.Second)))
	assert.True(t, b.record(now.Add(time.Minute+2*time.Second)))
}

func TestBreakerResetClears(t *testing.T) {
	b := newBreaker(2, time.Minute, 30*time.Second)
	now := time.Now()
	b.record(now)
	b.record(now)
	b.record(now)
	require.True(t, b.tripped(now))

	b.reset()
	assert.False(t, b.tripped(now))
}

func TestBreakerDefaults(t *testing.T) {
	b := newBreaker(0, 0, 0)
	assert.Equal(t, 5, b.maxRestarts)
	assert.Equal(t, 30*time.Second, b.window)
	assert.Equal(t, time.Minute, b.backoff)
}

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.pid")

	require.NoError(t, writePIDFile(path))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own pid is alive, so a second writer is refused.
	err = writePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	removePIDFile(path)
	_, err = readPIDFile(path)
	assert.Error(t, err)
}

func TestPIDFileReplacesStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.pid")
	// Pid 0 is never a live process for signal probing.
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))
	require.NoError(t, writePIDFile(path))

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	_, err := readPIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestCrashedClassification(t *testing.T) {
	assert.False(t, crashed(nil))
	assert.True(t, crashed(os.ErrClosed))
}
