package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"uploadfinalizer/internal/database"
	"uploadfinalizer/internal/ports"
	"uploadfinalizer/internal/uploads"
)

// Handlers wires the orchestrator, job store and worker into gin
// endpoints. It holds no business logic of its own beyond request
// parsing and the orchestrator-result-to-status-code mapping
// documented in the base spec's EXTERNAL INTERFACES section.
type Handlers struct {
	orchestrator *uploads.UploadOrchestrator
	jobs         *uploads.JobStore
	worker       *uploads.UploadFinalizationWorker
	clock        ports.Clock
	db           *database.DB
}

func NewHandlers(orchestrator *uploads.UploadOrchestrator, jobs *uploads.JobStore, worker *uploads.UploadFinalizationWorker, clock ports.Clock, db *database.DB) *Handlers {
	return &Handlers{orchestrator: orchestrator, jobs: jobs, worker: worker, clock: clock, db: db}
}

type createUploadRequest struct {
	Filename          string `json:"filename" binding:"required"`
	ContentType       string `json:"content_type" binding:"required"`
	ExpectedSizeBytes int64  `json:"expected_size_bytes"`
}

type presignedUploadResponse struct {
	URL       string `json:"url"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	ExpiresAt string `json:"expires_at"`
}

type createUploadResponse struct {
	UploadID  string                  `json:"upload_id"`
	Presigned presignedUploadResponse `json:"presigned"`
}

func (h *Handlers) CreateUpload(c *gin.Context) {
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendValidationError(c, err)
		return
	}

	result, err := h.orchestrator.CreateUpload(c.Request.Context(), uploads.CreateUploadInput{
		Filename:          req.Filename,
		ContentType:       req.ContentType,
		ExpectedSizeBytes: req.ExpectedSizeBytes,
	})
	if err != nil {
		sendInternalError(c, err)
		return
	}

	sendSuccess(c, http.StatusCreated, "upload created", createUploadResponse{
		UploadID: result.UploadID.String(),
		Presigned: presignedUploadResponse{
			URL:       result.Presigned.URL,
			Bucket:    result.Presigned.Ref.Bucket,
			Key:       result.Presigned.Ref.Key,
			ExpiresAt: result.Presigned.ExpiresAt.Format(time.RFC3339),
		},
	})
}

type uploadRecordResponse struct {
	UploadID        string `json:"upload_id"`
	Status          string `json:"status"`
	Filename        string `json:"filename,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	FinalBucket     string `json:"final_bucket,omitempty"`
	FinalKey        string `json:"final_key,omitempty"`
	ActualSizeBytes int64  `json:"actual_size_bytes,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toUploadRecordResponse(record uploads.UploadRecord) uploadRecordResponse {
	resp := uploadRecordResponse{
		UploadID:    record.ID.String(),
		Status:      string(record.Status),
		Filename:    record.Filename,
		ContentType: record.ContentType,
		CreatedAt:   record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   record.UpdatedAt.Format(time.RFC3339),
	}
	if record.Status == uploads.StatusFinalized {
		resp.FinalBucket = record.Final.Bucket
		resp.FinalKey = record.Final.Key
		resp.ActualSizeBytes = record.ActualSizeBytes
	}
	if record.Status == uploads.StatusFailed {
		resp.FailureReason = record.FailureReason
	}
	return resp
}

func (h *Handlers) GetUpload(c *gin.Context) {
	id := uploads.UploadID(c.Param("id"))
	record, found, err := h.orchestrator.GetUpload(c.Request.Context(), id)
	if err != nil {
		sendInternalError(c, err)
		return
	}
	if !found {
		sendError(c, http.StatusNotFound, "upload not found", nil)
		return
	}
	sendSuccess(c, http.StatusOK, "upload retrieved", toUploadRecordResponse(record))
}

func (h *Handlers) CompleteUpload(c *gin.Context) {
	id := uploads.UploadID(c.Param("id"))
	result, err := h.orchestrator.CompleteUpload(c.Request.Context(), id)
	if err != nil {
		sendInternalError(c, err)
		return
	}

	body := gin.H{"upload_id": id.String(), "status": string(result.Kind)}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}

	switch result.Kind {
	case uploads.CompleteQueued:
		sendSuccess(c, http.StatusAccepted, "upload queued for finalization", body)
	case uploads.CompleteAlreadyQueued, uploads.CompleteFinalized:
		sendSuccess(c, http.StatusOK, "upload already in progress or finalized", body)
	case uploads.CompleteFailed:
		sendError(c, http.StatusConflict, "upload finalization failed", nil)
	case uploads.CompleteNotFound:
		sendError(c, http.StatusNotFound, "upload not found", nil)
	}
}

// RequeueJob is additive sugar over JobStore.Reschedule, not part of
// the core's own invariants: it lets an operator force a stuck
// running job back to pending without waiting for its lease to
// expire.
func (h *Handlers) RequeueJob(c *gin.Context) {
	id := uploads.JobID(c.Param("id"))
	job, found, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		sendInternalError(c, err)
		return
	}
	if !found {
		sendError(c, http.StatusNotFound, "job not found", nil)
		return
	}

	now := h.clock.Now()
	if err := h.jobs.Reschedule(c.Request.Context(), id, now, now, "operator_requeue"); err != nil {
		sendInternalError(c, err)
		return
	}

	sendSuccess(c, http.StatusOK, "job requeued", gin.H{"job_id": id.String(), "previous_status": string(job.Status)})
}

func (h *Handlers) Health(c *gin.Context) {
	if err := h.db.Health(c.Request.Context()); err != nil {
		sendError(c, http.StatusServiceUnavailable, "database unhealthy", err)
		return
	}
	stats := h.worker.Stats()
	sendSuccess(c, http.StatusOK, "healthy", gin.H{
		"database": "postgresql",
		"worker": gin.H{
			"running":                stats.Running,
			"in_flight":              stats.InFlight,
			"consecutive_idle_polls": stats.ConsecutiveIdlePolls,
		},
	})
}
