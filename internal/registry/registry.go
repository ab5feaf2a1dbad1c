package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// entry is the allocation-table record for one environment. All mutation of
// allocation state funnels through Registry methods so the
// allocated+available==registered invariant holds outside the brief locked
// transition.
type entry struct {
	env         *models.Environment
	allocatedTo uuid.UUID // zero UUID when idle
	removed     bool      // removal requested while allocated; dropped on release
}

// Counts is a point-in-time read of pool occupancy.
type Counts struct {
	Registered int `json:"registered"`
	Available  int `json:"available"`
	Allocated  int `json:"allocated"`
}

// Registry tracks the pool of execution environments and their allocation
// state. It is safe for concurrent use; allocate, release and remove are
// each atomic with respect to one another.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger
	envs   map[uuid.UUID]*entry

	// notify, when set, is invoked after any change that can unblock a
	// pending job (registration or release). The dispatcher uses it to wake
	// its admission loop instead of waiting for the next poll tick.
	notify func()
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		envs:   make(map[uuid.UUID]*entry),
	}
}

// SetChangeListener registers a callback fired after pool changes that may
// make an admission possible. Must be set before concurrent use.
func (r *Registry) SetChangeListener(fn func()) {
	r.notify = fn
}

func (r *Registry) signal() {
	if r.notify != nil {
		r.notify()
	}
}

// Add registers a new environment with the pool.
func (r *Registry) Add(env *models.Environment) error {
	r.mu.Lock()
	if _, exists := r.envs[env.ID]; exists {
		r.mu.Unlock()
		return models.ErrEnvironmentExists
	}
	env.Status = models.EnvStatusIdle
	if env.RegisteredAt.IsZero() {
		env.RegisteredAt = time.Now().UTC()
	}
	if env.LastUsedAt.IsZero() {
		env.LastUsedAt = env.RegisteredAt
	}
	r.envs[env.ID] = &entry{env: env}
	r.mu.Unlock()

	r.logger.Info("Environment registered",
		zap.String("env_id", env.ID.String()),
		zap.String("name", env.Name),
		zap.String("architecture", env.Profile.Architecture),
		zap.String("backend", string(env.Profile.Backend)),
	)
	r.signal()
	return nil
}

// Remove takes an environment out of the pool. Removing an allocated
// environment does not abort the running job: the entry is only marked so
// it cannot be allocated again, and it leaves the table when released.
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	e, exists := r.envs[id]
	if !exists {
		r.mu.Unlock()
		return models.ErrEnvironmentNotFound
	}
	if e.allocatedTo != uuid.Nil {
		e.removed = true
		r.mu.Unlock()
		r.logger.Warn("Environment removal deferred until its running job releases it",
			zap.String("env_id", id.String()),
			zap.String("job_id", e.allocatedTo.String()),
		)
		return nil
	}
	delete(r.envs, id)
	r.mu.Unlock()

	r.logger.Info("Environment removed from pool", zap.String("env_id", id.String()))
	return nil
}

// Allocate marks an idle environment as held by the given job.
func (r *Registry) Allocate(id, jobID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.envs[id]
	if !exists {
		return models.ErrEnvironmentNotFound
	}
	if e.removed {
		return models.ErrEnvironmentRemoved
	}
	if e.allocatedTo != uuid.Nil {
		return models.ErrEnvironmentBusy
	}
	e.allocatedTo = jobID
	e.env.Status = models.EnvStatusAllocated
	e.env.LastUsedAt = time.Now().UTC()
	return nil
}

// Release returns an allocated environment to the pool, or drops it
// entirely if removal was requested while it was in use. A release of an
// unallocated environment is a correctness bug and is reported as an error.
func (r *Registry) Release(id uuid.UUID) error {
	r.mu.Lock()
	e, exists := r.envs[id]
	if !exists {
		r.mu.Unlock()
		return models.ErrEnvironmentNotFound
	}
	if e.allocatedTo == uuid.Nil {
		r.mu.Unlock()
		return models.ErrEnvironmentNotAllocated
	}
	e.allocatedTo = uuid.Nil
	e.env.Status = models.EnvStatusIdle
	e.env.LastUsedAt = time.Now().UTC()
	dropped := e.removed
	if dropped {
		delete(r.envs, id)
	}
	r.mu.Unlock()

	if dropped {
		r.logger.Info("Environment released and dropped after deferred removal",
			zap.String("env_id", id.String()))
		return nil
	}
	r.logger.Debug("Environment released", zap.String("env_id", id.String()))
	r.signal()
	return nil
}

// Get returns a copy of the environment with the given ID.
func (r *Registry) Get(id uuid.UUID) (*models.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.envs[id]
	if !exists {
		return nil, models.ErrEnvironmentNotFound
	}
	cp := *e.env
	return &cp, nil
}

// List returns copies of all registered environments, including ones with
// deferred removal pending.
func (r *Registry) List() []*models.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Environment, 0, len(r.envs))
	for _, e := range r.envs {
		cp := *e.env
		out = append(out, &cp)
	}
	return out
}

// Idle returns copies of environments currently eligible for allocation.
func (r *Registry) Idle() []*models.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Environment
	for _, e := range r.envs {
		if e.allocatedTo == uuid.Nil && !e.removed {
			cp := *e.env
			out = append(out, &cp)
		}
	}
	return out
}

// Counts reports pool occupancy under a single lock acquisition, so
// Available+Allocated always equals Registered.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := Counts{Registered: len(r.envs)}
	for _, e := range r.envs {
		if e.allocatedTo == uuid.Nil {
			c.Available++
		} else {
			c.Allocated++
		}
	}
	return c
}
