// Package api implements the Gin HTTP surface and websocket Hub of
// spec.md §6/§9: job and session read endpoints, operator decision
// endpoints, CORS, bearer auth, and per-IP rate limiting, adapted
// directly from the teacher's internal/api package.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/internal/inference"
	"github.com/cardmint/scan-core/internal/statemachine"
	"github.com/cardmint/scan-core/internal/store"
	"github.com/cardmint/scan-core/internal/watcher"
	"github.com/cardmint/scan-core/internal/webhook"
)

// Handler bundles the dependencies every CardMint HTTP route needs.
type Handler struct {
	store       *store.Store
	machine     *statemachine.Machine
	hub         *Hub
	cfg         *config.Config
	webhookDisp *webhook.Dispatcher
	shadowStore inference.ShadowStore
}

func NewHandler(cfg *config.Config, st *store.Store, machine *statemachine.Machine, hub *Hub, webhookDisp *webhook.Dispatcher) *Handler {
	return &Handler{store: st, machine: machine, hub: hub, cfg: cfg, webhookDisp: webhookDisp, shadowStore: st}
}

// SetupRouter builds the Gin engine with CORS, auth, and rate limiting
// wired exactly as the teacher's SetupRouter does, generalized to
// CardMint's job/session/operator routes. kiosk serves the unauthenticated
// capture ingress of spec §6 (POST /capture, GET /health).
func SetupRouter(h *Handler, kiosk *watcher.KioskHandler) *gin.Engine {
	r := gin.Default()

	allowedOrigins := h.cfg.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = os.Getenv("CARDMINT_ALLOWED_ORIGINS")
	}
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	pub := r.Group("/")
	{
		pub.GET("/health", kiosk.HandleHealth)
		pub.POST("/capture", kiosk.HandleCapture)
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/stream", h.hub.Subscribe)
		v1.GET("/ping", h.handleHealth)
	}

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(h.cfg.APIAuthToken))
	protected.Use(NewRateLimiter(120, 20).Middleware())
	{
		protected.GET("/jobs", h.handleListJobs)
		protected.GET("/jobs/:id", h.handleGetJob)
		protected.POST("/jobs/:id/accept", h.handleAccept)
		protected.POST("/jobs/:id/flag", h.handleFlag)
		protected.POST("/jobs/:id/needs-review", h.handleNeedsReview)
		protected.POST("/jobs/:id/override", h.handleOverride)
		protected.POST("/sessions", h.handleStartSession)
		protected.POST("/sessions/:id/heartbeat", h.handleSessionHeartbeat)
		protected.GET("/sessions/active", h.handleActiveSession)
		protected.GET("/admin/shadow-drift", h.handleShadowDrift)
	}

	return r
}
