package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"speedcam-service/internal/config"
	"speedcam-service/internal/service"
)

// Preview is the slice of the pipeline the HTTP layer reads from: the
// latest decoded frame and per-stage lifecycle states. Nil when the
// server runs without an attached pipeline.
type Preview interface {
	PreviewJPEG() ([]byte, bool)
	StageStates() map[string]string
}

type Handler struct {
	violations *service.ViolationService
	preview    Preview
	config     *config.Config
	log        zerolog.Logger
}

func NewHandler(
	violations *service.ViolationService,
	preview Preview,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		violations: violations,
		preview:    preview,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	r.GET("/video_feed", h.videoFeed)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/auth/login", h.login)
		public.GET("/violations", h.listViolations)
		public.GET("/plates", h.listPlates)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.PUT("/owners", h.registerOwner)
		protected.GET("/owners/:plate", h.getOwner)
		protected.GET("/pipeline/status", h.pipelineStatus)
		protected.POST("/violations/cleanup", h.cleanupViolations)
		protected.POST("/violations/:id/resend", h.resendNotification)
		protected.DELETE("/violations/:id", h.deleteViolation)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listViolations(c *gin.Context) {
	var plateQuery *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}

	var from, to *string
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	violations, err := h.violations.FindViolations(c.Request.Context(), plateQuery, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) listPlates(c *gin.Context) {
	plateQuery := strings.TrimSpace(c.Query("plate"))
	if plateQuery == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	plates, err := h.violations.FindPlates(c.Request.Context(), plateQuery)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(plates))
}

type ownerPayload struct {
	Plate         string `json:"plate" binding:"required"`
	Name          string `json:"name" binding:"required"`
	Phone         string `json:"phone"`
	NotifyChannel string `json:"notify_channel"`
	Notes         string `json:"notes"`
}

func (h *Handler) registerOwner(c *gin.Context) {
	var payload ownerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	err := h.violations.RegisterOwner(c.Request.Context(),
		payload.Plate, payload.Name, payload.Phone, payload.NotifyChannel, payload.Notes)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getOwner(c *gin.Context) {
	owner, err := h.violations.GetOwner(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(owner))
}

func (h *Handler) pipelineStatus(c *gin.Context) {
	if h.preview == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running": true,
		"stages":  h.preview.StageStates(),
	})
}

func (h *Handler) cleanupViolations(c *gin.Context) {
	days := 90
	if d := c.Query("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("days must be a positive integer"))
			return
		}
		days = parsed
	}

	deleted, err := h.violations.CleanupOldViolations(c.Request.Context(), days)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) resendNotification(c *gin.Context) {
	if err := h.violations.ResendNotification(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) deleteViolation(c *gin.Context) {
	if err := h.violations.DeleteViolation(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// videoFeed streams the latest decoded frame as multipart MJPEG until the
// client disconnects.
func (h *Handler) videoFeed(c *gin.Context) {
	if h.preview == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("no active pipeline"))
		return
	}
	streamMJPEG(c, h.preview)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
