package models

import (
	"time"

	"github.com/google/uuid"
)

// EnvironmentStatus represents the allocation state of an environment.
type EnvironmentStatus string

const (
	EnvStatusIdle      EnvironmentStatus = "idle"
	EnvStatusAllocated EnvironmentStatus = "allocated"
)

// BackendKind identifies the execution technology backing an environment.
type BackendKind string

const (
	BackendContainer BackendKind = "container" // lightweight container (e.g. Docker)
	BackendQEMU      BackendKind = "qemu"      // full-machine emulator
	BackendPhysical  BackendKind = "physical"  // real hardware
)

// Lightweight reports whether the backend is a cheap container-style
// environment, preferred for small short-running jobs.
func (b BackendKind) Lightweight() bool {
	return b == BackendContainer
}

// HardwareProfile describes the hardware an environment presents to tests.
type HardwareProfile struct {
	Architecture string      `json:"architecture" yaml:"architecture"`
	CPUModel     string      `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	MemoryMB     uint64      `json:"memory_mb" yaml:"memory_mb"`
	StorageType  string      `json:"storage_type,omitempty" yaml:"storage_type,omitempty"`
	Virtual      bool        `json:"virtual" yaml:"virtual"`
	Backend      BackendKind `json:"backend" yaml:"backend"`

	// Image is the container image used for container-backed environments.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Environment is an allocatable execution resource with a hardware profile.
// Exactly one job may hold an allocated environment at a time; the
// dispatcher is the sole writer of allocation state.
type Environment struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Profile      HardwareProfile   `json:"profile"`
	Status       EnvironmentStatus `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastUsedAt   time.Time         `json:"last_used_at"`
}

// NewEnvironment creates an idle environment with a generated ID.
func NewEnvironment(name string, profile HardwareProfile) *Environment {
	now := time.Now().UTC()
	return &Environment{
		ID:           uuid.New(),
		Name:         name,
		Profile:      profile,
		Status:       EnvStatusIdle,
		RegisteredAt: now,
		LastUsedAt:   now,
	}
}
