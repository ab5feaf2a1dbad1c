package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobPriority orders jobs for admission. Higher values are admitted first;
// within a tier, jobs start in submission order.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p JobPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a JobPriority.
// Unknown names default to medium so a malformed submission still runs.
func ParsePriority(s string) JobPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateTimeout   JobState = "timeout"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. A terminal job never holds
// an environment and its Result is immutable.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimeout, JobStateCancelled:
		return true
	}
	return false
}

// HardwareRequirement describes what a test case needs from an environment.
type HardwareRequirement struct {
	Architecture string `json:"architecture" yaml:"architecture"`
	MinMemoryMB  uint64 `json:"min_memory_mb" yaml:"min_memory_mb"`
	StorageType  string `json:"storage_type,omitempty" yaml:"storage_type,omitempty"`
	CPUIntensive bool   `json:"cpu_intensive,omitempty" yaml:"cpu_intensive,omitempty"`
}

// TestCase is the submitted test specification. The orchestrator treats the
// script as opaque; the runner decides how to execute it.
type TestCase struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Script            string              `json:"script"`
	ScriptInterpreter string              `json:"script_interpreter,omitempty"`
	Subsystem         string              `json:"subsystem,omitempty"`
	EstimatedDuration time.Duration       `json:"estimated_duration"`
	Requirement       HardwareRequirement `json:"requirement"`
}

// Result captures the outcome of a finished job. Immutable once attached.
type Result struct {
	JobID         uuid.UUID     `json:"job_id"`
	Status        JobState      `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	EnvironmentID uuid.UUID     `json:"environment_id"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// Job is an in-flight or completed execution request derived from a test
// case. The dispatcher owns the job exclusively until it reaches a terminal
// state; afterwards callers read it via status lookups.
type Job struct {
	ID          uuid.UUID   `json:"id"`
	TestCase    TestCase    `json:"test_case"`
	Priority    JobPriority `json:"priority"`
	ImpactScore float64     `json:"impact_score"`
	State       JobState    `json:"state"`

	// Seq is a monotonically increasing submission counter. It fixes FIFO
	// order within a priority tier deterministically, independent of the
	// wall clock.
	Seq uint64 `json:"seq"`

	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EnvironmentID *uuid.UUID `json:"environment_id,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// NewJob creates a pending job for a submitted test case.
func NewJob(tc TestCase, priority JobPriority, impactScore float64) *Job {
	return &Job{
		ID:          uuid.New(),
		TestCase:    tc,
		Priority:    priority,
		ImpactScore: impactScore,
		State:       JobStatePending,
		SubmittedAt: time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy for handing to callers outside the
// dispatcher lock.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.EnvironmentID != nil {
		id := *j.EnvironmentID
		cp.EnvironmentID = &id
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	return &cp
}
