package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
	"github.com/kerntest/orchestrator/internal/service"
)

// SubmitJobRequest is the POST /jobs payload.
type SubmitJobRequest struct {
	TestCase    models.TestCase `json:"test_case"`
	Priority    string          `json:"priority"`
	ImpactScore float64         `json:"impact_score"`
}

// RegisterEnvironmentRequest is the POST /environments payload.
type RegisterEnvironmentRequest struct {
	Name     string                 `json:"name"`
	Hardware models.HardwareProfile `json:"hardware"`
}

// SubmitJob handles test job submission requests.
func SubmitJob(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode job submission request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		if req.TestCase.Script == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Test case script is required", models.ErrInvalidTestCase)
			return
		}

		jobID, err := orch.SubmitJob(req.TestCase, models.ParsePriority(req.Priority), req.ImpactScore)
		if err != nil {
			logger.Error("Failed to submit job", zap.Error(err))
			if errors.Is(err, models.ErrNotRunning) {
				writeErrorResponse(w, http.StatusServiceUnavailable, "Orchestrator is not running", err)
				return
			}
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to submit job", err)
			return
		}

		logger.Info("Job submitted via API",
			zap.String("job_id", jobID.String()),
			zap.String("test_case", req.TestCase.ID),
			zap.String("priority", req.Priority),
		)

		writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
			"job_id": jobID,
			"state":  models.JobStatePending,
		})
	}
}

// GetJobStatus handles job status queries.
func GetJobStatus(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseIDParam(w, r, "jobID", logger)
		if !ok {
			return
		}

		job, err := orch.GetJobStatus(jobID)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				writeErrorResponse(w, http.StatusNotFound, "Job not found", err)
				return
			}
			logger.Error("Failed to get job status", zap.String("job_id", jobID.String()), zap.Error(err))
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to get job status", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, job)
	}
}

// GetJobHistory returns the recorded state transitions for a job.
func GetJobHistory(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseIDParam(w, r, "jobID", logger)
		if !ok {
			return
		}

		if _, err := orch.GetJobStatus(jobID); err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				writeErrorResponse(w, http.StatusNotFound, "Job not found", err)
				return
			}
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to look up job", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"job_id":      jobID,
			"transitions": orch.JobHistory(jobID),
		})
	}
}

// CancelJob handles job cancellation requests.
func CancelJob(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseIDParam(w, r, "jobID", logger)
		if !ok {
			return
		}

		if err := orch.CancelJob(jobID); err != nil {
			switch {
			case errors.Is(err, models.ErrJobNotFound):
				writeErrorResponse(w, http.StatusNotFound, "Job not found", err)
			case errors.Is(err, models.ErrJobTerminal):
				writeErrorResponse(w, http.StatusConflict, "Job already finished", err)
			default:
				logger.Error("Failed to cancel job", zap.String("job_id", jobID.String()), zap.Error(err))
				writeErrorResponse(w, http.StatusInternalServerError, "Failed to cancel job", err)
			}
			return
		}

		logger.Info("Job cancellation requested via API", zap.String("job_id", jobID.String()))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"status": "cancellation_requested",
		})
	}
}

// GetQueueStatus reports current queue depth and environment counts.
func GetQueueStatus(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, orch.GetQueueStatus())
	}
}

// GetMetrics reports service-wide execution metrics.
func GetMetrics(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, orch.SystemMetrics())
	}
}

// RegisterEnvironment adds an execution environment to the pool.
func RegisterEnvironment(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterEnvironmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode environment registration request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if req.Name == "" || req.Hardware.Architecture == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Environment name and architecture are required", nil)
			return
		}

		env := models.NewEnvironment(req.Name, req.Hardware)
		if err := orch.AddEnvironment(env); err != nil {
			logger.Error("Failed to register environment", zap.String("name", req.Name), zap.Error(err))
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to register environment", err)
			return
		}

		logger.Info("Environment registered via API",
			zap.String("environment_id", env.ID.String()),
			zap.String("name", env.Name),
			zap.String("architecture", env.Profile.Architecture),
		)
		writeJSONResponse(w, http.StatusCreated, env)
	}
}

// DeregisterEnvironment removes an environment from the pool. If the
// environment is running a job the removal takes effect when the job
// releases it.
func DeregisterEnvironment(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		envID, ok := parseIDParam(w, r, "envID", logger)
		if !ok {
			return
		}

		if err := orch.RemoveEnvironment(envID); err != nil {
			if errors.Is(err, models.ErrEnvironmentNotFound) {
				writeErrorResponse(w, http.StatusNotFound, "Environment not found", err)
				return
			}
			logger.Error("Failed to deregister environment", zap.String("environment_id", envID.String()), zap.Error(err))
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to deregister environment", err)
			return
		}

		logger.Info("Environment deregistration requested via API", zap.String("environment_id", envID.String()))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"environment_id": envID,
			"status":         "removed",
		})
	}
}

// ListEnvironments returns all registered environments.
func ListEnvironments(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		envs := orch.ListEnvironments()
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"environments": envs,
			"count":        len(envs),
		})
	}
}

// Health reports aggregate service health. A degraded service still
// answers 200 so the load balancer does not evict an impaired-but-working
// instance; only a stopped service returns 503.
func Health(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := orch.HealthStatus()
		status := http.StatusOK
		if report.Status == service.HealthStopped {
			status = http.StatusServiceUnavailable
		}
		writeJSONResponse(w, status, map[string]interface{}{
			"status":     report.Status,
			"components": report.Components,
			"timestamp":  time.Now().UTC(),
		})
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.Warn("Invalid UUID in request path", zap.String("param", name), zap.String("value", raw))
		writeErrorResponse(w, http.StatusBadRequest, "Invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent at this point, so only log.
		zap.L().Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}
	if err != nil {
		errorResponse["details"] = err.Error()
	}

	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
	}
}
