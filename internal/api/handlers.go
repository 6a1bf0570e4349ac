package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cardmint/scan-core/internal/inference"
	"github.com/cardmint/scan-core/internal/statemachine"
	"github.com/cardmint/scan-core/pkg/models"
)

// handleHealth reports the server's own liveness, distinct from the
// kiosk watcher's /health (spool depth, camera).
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// handleShadowDrift implements GET /api/v1/admin/shadow-drift: the
// aggregate rate at which the fallback path has disagreed with the
// primary path on shadow-sampled jobs, for the operator's model
// promotion decision.
func (h *Handler) handleShadowDrift(c *gin.Context) {
	report, err := inference.GenerateDriftReport(c.Request.Context(), h.shadowStore)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate shadow drift report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleListJobs implements GET /api/v1/jobs?status=&limit=.
func (h *Handler) handleListJobs(c *gin.Context) {
	var status *models.Status
	if raw := c.Query("status"); raw != "" {
		s := models.Status(raw)
		status = &s
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	jobs, err := h.store.ListScans(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// handleGetJob implements GET /api/v1/jobs/:id.
func (h *Handler) handleGetJob(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

type decisionRequest struct {
	OperatorID string `json:"operatorId" binding:"required"`
}

// handleAccept implements POST /api/v1/jobs/:id/accept: OPERATOR_PENDING
// -> ACCEPTED, locking in the job's current extracted fields as its
// TruthCore.
func (h *Handler) handleAccept(c *gin.Context) {
	h.decide(c, models.StatusAccepted, func(job *models.ScanJob, req decisionRequest) {
		job.OperatorID = req.OperatorID
		job.TruthCore = truthCoreFromExtracted(job.Extracted)
		if h.hub != nil {
			h.hub.BroadcastEvent("job.accepted", job)
		}
		h.notifyWebhook(c, job)
	})
}

// notifyWebhook posts the accepted job downstream. A rejection is logged
// and broadcast to the dashboard as a non-fatal event; it never reverses
// the local ACCEPTED state (spec §7).
func (h *Handler) notifyWebhook(c *gin.Context, job *models.ScanJob) {
	if h.webhookDisp == nil || job.TruthCore == nil {
		return
	}
	event := models.WebhookEvent{
		UUID:       job.ID,
		SKU:        job.ID,
		Status:     "active",
		Visibility: "public",
		UpdatedAt:  job.UpdatedAt,
		Name:       job.TruthCore.AcceptedName,
		Qty:        1,
		CategoryName: job.TruthCore.AcceptedSetName,
		VariantTags:  job.TruthCore.AcceptedVariantTags,
	}
	if err := h.webhookDisp.Send(c.Request.Context(), event); err != nil {
		log.Printf("[API] webhook dispatch failed for job %s: %v", job.ID, err)
		if h.hub != nil {
			h.hub.BroadcastEvent("job.webhook_rejected", gin.H{"jobId": job.ID, "error": err.Error()})
		}
	}
}

// handleFlag implements POST /api/v1/jobs/:id/flag: marks the job
// FLAGGED for later audit without committing a TruthCore.
func (h *Handler) handleFlag(c *gin.Context) {
	h.decide(c, models.StatusFlagged, func(job *models.ScanJob, req decisionRequest) {
		job.OperatorID = req.OperatorID
		if h.hub != nil {
			h.hub.BroadcastEvent("job.flagged", job)
		}
	})
}

// handleNeedsReview implements POST /api/v1/jobs/:id/needs-review.
func (h *Handler) handleNeedsReview(c *gin.Context) {
	h.decide(c, models.StatusNeedsReview, func(job *models.ScanJob, req decisionRequest) {
		job.OperatorID = req.OperatorID
		if h.hub != nil {
			h.hub.BroadcastEvent("job.needs_review", job)
		}
	})
}

// decide is the shared lease-acquire-then-transition path every operator
// decision endpoint follows.
func (h *Handler) decide(c *gin.Context, to models.Status, mutate func(*models.ScanJob, decisionRequest)) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operatorId is required"})
		return
	}

	jobID := c.Param("id")
	job, err := h.machine.AcquireLease(c.Request.Context(), jobID, req.OperatorID)
	if err != nil {
		if isAlreadyTerminal(err) && job != nil {
			if job.Status == to {
				// Re-issuing the same decision against a job already in
				// that terminal status is a no-op (spec §7 idempotent
				// accept), not an error.
				c.JSON(http.StatusOK, job)
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if isLeaseLost(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is held by another operator"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	if err := h.machine.Transition(c.Request.Context(), job, to, func(j *models.ScanJob) {
		mutate(j, req)
	}); err != nil {
		if isInvalidTransition(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist transition"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func isLeaseLost(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), statemachine.ErrLeaseLost)
}

func isInvalidTransition(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), statemachine.ErrInvalidTransition)
}

func isAlreadyTerminal(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), statemachine.ErrAlreadyTerminal)
}

type overrideRequest struct {
	OperatorID  string  `json:"operatorId" binding:"required"`
	CardName    *string `json:"cardName"`
	SetName     *string `json:"setName"`
	SetNumber   *string `json:"setNumber"`
	HPValue     *int    `json:"hpValue"`
	VariantHint *string `json:"variantHint"`
}

// handleOverride implements POST /api/v1/jobs/:id/override: the spec §7
// constrained operator edit surface, applied while the job still holds
// OPERATOR_PENDING (no state transition, just a field-level correction).
func (h *Handler) handleOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operatorId is required"})
		return
	}

	jobID := c.Param("id")
	job, err := h.machine.AcquireLease(c.Request.Context(), jobID, req.OperatorID)
	if err != nil {
		if isLeaseLost(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is held by another operator"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	prevUpdated := job.UpdatedAt
	diffs, err := statemachine.ApplyOverride(job, statemachine.OverrideInput{
		CardName:    req.CardName,
		SetName:     req.SetName,
		SetNumber:   req.SetNumber,
		HPValue:     req.HPValue,
		VariantHint: req.VariantHint,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// An override corrects extracted fields in place; it never changes
	// job.Status, so it is persisted directly rather than through
	// Machine.Transition (which rejects same-state edges).
	job.UpdatedAt = time.Now()
	if err := h.store.Save(c.Request.Context(), job, prevUpdated); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist override"})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastEvent("job.overridden", gin.H{"jobId": job.ID, "diffs": diffs})
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "diffs": diffs})
}

type startSessionRequest struct {
	Baseline bool   `json:"baseline"`
	Notes    string `json:"notes"`
}

// handleStartSession implements POST /api/v1/sessions: rejects the
// request if another session is already RUNNING/VALIDATING, per the
// at-most-one-active invariant.
func (h *Handler) handleStartSession(c *gin.Context) {
	active, err := h.store.ActiveSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check active session"})
		return
	}
	if active != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "a session is already active", "sessionId": active.ID})
		return
	}

	var req startSessionRequest
	_ = c.ShouldBindJSON(&req)

	now := time.Now()
	sess := &models.OperatorSession{
		ID:        uuid.NewString(),
		StartedAt: now,
		Phase:     models.SessionPhaseRunning,
		Heartbeat: now,
		Baseline:  req.Baseline,
		Notes:     req.Notes,
	}
	if err := h.store.SaveSession(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// handleSessionHeartbeat implements POST /api/v1/sessions/:id/heartbeat.
func (h *Handler) handleSessionHeartbeat(c *gin.Context) {
	active, err := h.store.ActiveSession(c.Request.Context())
	if err != nil || active == nil || active.ID != c.Param("id") {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching active session"})
		return
	}
	active.Heartbeat = time.Now()
	if err := h.store.SaveSession(c.Request.Context(), active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}
	c.JSON(http.StatusOK, active)
}

// handleActiveSession implements GET /api/v1/sessions/active.
func (h *Handler) handleActiveSession(c *gin.Context) {
	active, err := h.store.ActiveSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up active session"})
		return
	}
	if active == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, active)
}

func truthCoreFromExtracted(e *models.ExtractedFields) *models.TruthCore {
	if e == nil {
		return &models.TruthCore{}
	}
	return &models.TruthCore{
		AcceptedName:        e.Name,
		AcceptedHP:          e.HP,
		AcceptedCollectorNo: e.SetNumber,
		AcceptedSetName:     e.SetName,
	}
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidInt
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errInvalidInt
	}
	return n, nil
}

var errInvalidInt = errors.New("api: invalid integer query parameter")
