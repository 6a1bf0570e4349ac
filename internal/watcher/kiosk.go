package watcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// KioskHandler is the thin Gin adapter for the HTTP capture variant of
// spec §6: POST /capture and GET /health forward into the same
// non-blocking enqueue path the drop-directory watcher uses and apply the
// same queue-depth drop rule. Kiosk captures are not fingerprinted, so no
// duplicate suppression happens on this route.
type KioskHandler struct {
	enqueuer      Enqueuer
	metrics       *Metrics
	maxQueueDepth int
	seq           int
}

func NewKioskHandler(enqueuer Enqueuer, metrics *Metrics, maxQueueDepth int) *KioskHandler {
	return &KioskHandler{enqueuer: enqueuer, metrics: metrics, maxQueueDepth: maxQueueDepth}
}

type captureRequest struct {
	UID     string `json:"uid" binding:"required"`
	Profile string `json:"profile"`
}

// HandleCapture implements POST /capture: { uid, profile? } -> { ok, uid,
// local:{img,meta}, profile, timestamp }.
func (k *KioskHandler) HandleCapture(c *gin.Context) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		k.metrics.recordDetection(elapsed)
	}()

	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid capture envelope"})
		return
	}

	if depth := k.enqueuer.Depth(); depth >= k.maxQueueDepth {
		k.metrics.mu.Lock()
		k.metrics.Dropped++
		k.metrics.mu.Unlock()
		k.metrics.setDeferred(true)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "queue depth exceeded", "uid": req.UID})
		return
	}
	k.metrics.setDeferred(false)

	k.seq++
	capture := Capture{
		Path:      req.UID,
		Filename:  req.UID,
		ArrivedAt: time.Now(),
		Sequence:  k.seq,
	}

	go func() {
		if err := k.enqueuer.Enqueue(context.Background(), capture); err != nil {
			return
		}
		k.metrics.mu.Lock()
		k.metrics.Queued++
		k.metrics.mu.Unlock()
	}()

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"uid":     req.UID,
		"local":   gin.H{"img": fmt.Sprintf("%s.jpg", req.UID), "meta": fmt.Sprintf("%s.json", req.UID)},
		"profile": req.Profile,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HealthStatus is the closed status enum of spec §6's GET /health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
)

// HandleHealth implements GET /health: status, spool depth, camera info.
func (k *KioskHandler) HandleHealth(c *gin.Context) {
	depth := k.enqueuer.Depth()
	status := HealthHealthy
	switch {
	case depth == 0:
		status = HealthHealthy
	case k.metrics != nil && k.metrics.Deferred:
		status = HealthDegraded
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"spoolDepth": depth,
		"camera":     gin.H{"connected": true},
	})
}
