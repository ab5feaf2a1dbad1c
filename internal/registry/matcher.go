package registry

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// Workload-weight thresholds. Jobs at or below both are considered
// lightweight and steered towards container-style backends; everything
// else prefers full-machine environments.
const (
	lightweightMemoryMB = 2048
	lightweightDuration = 2 * time.Minute
)

// Matcher selects a compatible, available environment for a job's hardware
// requirement. Matching rule: architecture must match exactly and memory
// must cover the request; among qualifying environments the backend kind
// implied by the workload weight wins, with least-recently-used breaking
// ties to spread wear evenly.
type Matcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewMatcher creates a matcher over the given registry.
func NewMatcher(registry *Registry, logger *zap.Logger) *Matcher {
	return &Matcher{registry: registry, logger: logger}
}

// lightweight classifies the workload by its footprint and estimate.
func lightweight(req models.HardwareRequirement, estimate time.Duration) bool {
	if req.CPUIntensive {
		return false
	}
	return req.MinMemoryMB <= lightweightMemoryMB && estimate <= lightweightDuration
}

func compatible(env *models.Environment, req models.HardwareRequirement) bool {
	if env.Profile.Architecture != req.Architecture {
		return false
	}
	if env.Profile.MemoryMB < req.MinMemoryMB {
		return false
	}
	if req.StorageType != "" && env.Profile.StorageType != "" && env.Profile.StorageType != req.StorageType {
		return false
	}
	return true
}

// candidates returns idle compatible environments in preference order.
func (m *Matcher) candidates(req models.HardwareRequirement, estimate time.Duration) []*models.Environment {
	var out []*models.Environment
	for _, env := range m.registry.Idle() {
		if compatible(env, req) {
			out = append(out, env)
		}
	}
	preferLight := lightweight(req, estimate)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].Profile.Backend.Lightweight(), out[j].Profile.Backend.Lightweight()
		if li != lj {
			if preferLight {
				return li
			}
			return lj
		}
		return out[i].LastUsedAt.Before(out[j].LastUsedAt)
	})
	return out
}

// FindMatch returns the environment the matcher would pick for the given
// requirement, or nil when none is currently available. It does not
// allocate.
func (m *Matcher) FindMatch(req models.HardwareRequirement, estimate time.Duration) *models.Environment {
	cands := m.candidates(req, estimate)
	if len(cands) == 0 {
		return nil
	}
	return cands[0]
}

// Claim atomically matches and allocates an environment for the given job.
// It walks the preference order so that losing a race for one candidate
// falls through to the next instead of failing the admission.
func (m *Matcher) Claim(req models.HardwareRequirement, estimate time.Duration, jobID uuid.UUID) (*models.Environment, bool) {
	for _, env := range m.candidates(req, estimate) {
		if err := m.registry.Allocate(env.ID, jobID); err != nil {
			m.logger.Debug("Candidate environment no longer allocatable, trying next",
				zap.String("env_id", env.ID.String()),
				zap.Error(err),
			)
			continue
		}
		env.Status = models.EnvStatusAllocated
		return env, true
	}
	return nil, false
}
