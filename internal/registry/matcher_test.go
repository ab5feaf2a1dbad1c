package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

func TestMatcher_ArchitectureMustMatchExactly(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	require.NoError(t, r.Add(testEnv("arm", "arm64", 8192, models.BackendQEMU)))

	req := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 1024}
	assert.Nil(t, m.FindMatch(req, 0))

	req.Architecture = "arm64"
	got := m.FindMatch(req, 0)
	require.NotNil(t, got)
	assert.Equal(t, "arm", got.Name)
}

func TestMatcher_MemoryMustCoverRequest(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	require.NoError(t, r.Add(testEnv("small", "x86_64", 2048, models.BackendQEMU)))

	req := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 4096}
	assert.Nil(t, m.FindMatch(req, 0))

	req.MinMemoryMB = 2048
	assert.NotNil(t, m.FindMatch(req, 0))
}

func TestMatcher_LightweightJobPrefersContainer(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	require.NoError(t, r.Add(testEnv("qemu", "x86_64", 8192, models.BackendQEMU)))
	require.NoError(t, r.Add(testEnv("docker", "x86_64", 8192, models.BackendContainer)))

	// Small footprint, short estimate: container wins.
	light := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 512}
	got := m.FindMatch(light, 30*time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "docker", got.Name)

	// Heavy footprint: the full-machine backend wins.
	heavy := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 6144}
	got = m.FindMatch(heavy, 30*time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "qemu", got.Name)

	// CPU-intensive jobs are never considered lightweight.
	cpuBound := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 512, CPUIntensive: true}
	got = m.FindMatch(cpuBound, 30*time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "qemu", got.Name)

	// A long estimate disqualifies the lightweight preference too.
	got = m.FindMatch(light, 30*time.Minute)
	require.NotNil(t, got)
	assert.Equal(t, "qemu", got.Name)
}

func TestMatcher_LeastRecentlyUsedBreaksTies(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	older := testEnv("older", "x86_64", 4096, models.BackendQEMU)
	newer := testEnv("newer", "x86_64", 4096, models.BackendQEMU)
	older.LastUsedAt = time.Now().UTC().Add(-time.Hour)
	newer.LastUsedAt = time.Now().UTC()
	require.NoError(t, r.Add(older))
	require.NoError(t, r.Add(newer))

	req := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 1024}
	got := m.FindMatch(req, 0)
	require.NotNil(t, got)
	assert.Equal(t, "older", got.Name)
}

func TestMatcher_ClaimAllocatesAtomically(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	env := testEnv("only", "x86_64", 4096, models.BackendQEMU)
	require.NoError(t, r.Add(env))

	req := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 1024}

	got, ok := m.Claim(req, 0, uuid.New())
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)

	// Pool exhausted: the next claim fails without error.
	_, ok = m.Claim(req, 0, uuid.New())
	assert.False(t, ok)

	require.NoError(t, r.Release(env.ID))
	_, ok = m.Claim(req, 0, uuid.New())
	assert.True(t, ok)
}

func TestMatcher_ClaimFallsThroughToNextCandidate(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	m := NewMatcher(r, zap.NewNop())
	first := testEnv("first", "x86_64", 4096, models.BackendQEMU)
	second := testEnv("second", "x86_64", 4096, models.BackendQEMU)
	first.LastUsedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, r.Add(first))
	require.NoError(t, r.Add(second))

	// Steal the preferred candidate out from under the matcher; Claim must
	// fall through to the second one instead of failing.
	require.NoError(t, r.Allocate(first.ID, uuid.New()))

	req := models.HardwareRequirement{Architecture: "x86_64", MinMemoryMB: 1024}
	got, ok := m.Claim(req, 0, uuid.New())
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}
