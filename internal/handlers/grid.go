package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/dispatch"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
	"github.com/Orius-AI/Orius-Node/internal/trust"
	"github.com/Orius-AI/Orius-Node/internal/verify"
)

// RequestTask handles work requests from nodes. A node that passes admission
// receives either a real task envelope or a disguised canary; clients cannot
// tell which.
func RequestTask(dispatcher *dispatch.Dispatcher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode task request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if req.NodeID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "node_id is required", nil)
			return
		}

		envelope, err := dispatcher.NextTask(r.Context(), req.NodeID, req.Capabilities)
		if err != nil {
			if errors.Is(err, models.ErrNoTaskAvailable) {
				// Not an error condition for the node; just nothing to do.
				writeJSONResponse(w, http.StatusOK, map[string]interface{}{
					"task":    nil,
					"message": "no task available",
				})
				return
			}
			logger.Warn("Task request rejected",
				zap.String("node_id", req.NodeID),
				zap.Error(err),
			)
			writeGridError(w, err, "Failed to assign task")
			return
		}

		logger.Info("Task assigned",
			zap.String("node_id", req.NodeID),
			zap.String("task_id", envelope.TaskID),
			zap.String("task_type", string(envelope.Type)),
		)
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"task": envelope})
	}
}

// SubmitResult handles result submissions for a task or canary ID.
func SubmitResult(verifier *verify.Verifier, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		var req models.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode submit request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if req.NodeID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "node_id is required", nil)
			return
		}

		outcome, err := verifier.SubmitResult(r.Context(), req.NodeID, taskID, &req)
		if err != nil {
			logger.Warn("Submission rejected",
				zap.String("node_id", req.NodeID),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			writeGridError(w, err, "Failed to process submission")
			return
		}

		logger.Info("Submission processed",
			zap.String("node_id", req.NodeID),
			zap.String("task_id", taskID),
			zap.Bool("verified", outcome.Verified),
			zap.Bool("finalized", outcome.Finalized),
		)
		writeJSONResponse(w, http.StatusOK, outcome)
	}
}

// RegisterCapabilities upserts a node's declared capability set.
func RegisterCapabilities(st store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "nodeID")
		if nodeID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "node ID is required", nil)
			return
		}

		var req models.RegisterCapabilitiesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode capabilities request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		record, err := st.UpsertNodeCapabilities(r.Context(), nodeID, req.Capabilities)
		if err != nil {
			logger.Error("Failed to register capabilities", zap.String("node_id", nodeID), zap.Error(err))
			writeGridError(w, err, "Failed to register capabilities")
			return
		}

		logger.Info("Node capabilities registered",
			zap.String("node_id", nodeID),
			zap.Bool("has_gpu", record.HasGPU),
		)
		writeJSONResponse(w, http.StatusOK, record)
	}
}

// GetTrust returns the read-model of a node's trust state.
func GetTrust(trustService *trust.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "nodeID")
		if nodeID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "node ID is required", nil)
			return
		}

		record, err := trustService.Record(r.Context(), nodeID)
		if err != nil {
			logger.Error("Failed to load trust record", zap.String("node_id", nodeID), zap.Error(err))
			writeGridError(w, err, "Failed to load trust record")
			return
		}

		writeJSONResponse(w, http.StatusOK, models.TrustInfo{
			NodeID:          record.NodeID,
			Score:           record.EffectiveScore(),
			TotalTasks:      record.TotalTasks,
			SuccessfulTasks: record.SuccessfulTasks,
			FailedTasks:     record.FailedTasks,
			CanaryFailures:  record.CanaryFailures,
			Banned:          record.Banned,
		})
	}
}

// GetTaskResult returns the immutable consensus record of a finalized task.
func GetTaskResult(st store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskIDStr := chi.URLParam(r, "taskID")
		taskID, err := uuid.Parse(taskIDStr)
		if err != nil {
			logger.Error("Invalid task ID", zap.String("task_id", taskIDStr), zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
			return
		}

		result, err := st.GetTaskResult(r.Context(), taskID)
		if err != nil {
			writeGridError(w, err, "Failed to load task result")
			return
		}

		writeJSONResponse(w, http.StatusOK, result)
	}
}
