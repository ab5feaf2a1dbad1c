package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of an execution plan in the external
// submission store.
type PlanStatus string

const (
	PlanStatusCreated    PlanStatus = "created"
	PlanStatusQueued     PlanStatus = "queued"
	PlanStatusDispatched PlanStatus = "dispatched"
)

// ExecutionPlan is a batch of test cases created by an external submission
// front end. The queue monitor polls for plans it has not seen yet and
// converts each test case into a job.
type ExecutionPlan struct {
	PlanID      uuid.UUID   `json:"plan_id"`
	TestCases   []TestCase  `json:"test_cases"`
	Priority    JobPriority `json:"priority"`
	ImpactScore float64     `json:"impact_score,omitempty"`
	Status      PlanStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}
