package controller

import (
	"context"
	"time"

	"ojexec/internal/executor/ratelimit"
	"ojexec/internal/executor/service"
	"ojexec/pkg/utils/response"

	"github.com/araddon/dateparse"
	"github.com/gin-gonic/gin"
)

// AdminService is the operational side of the service.
type AdminService interface {
	Health(ctx context.Context) service.HealthReport
	Stats(ctx context.Context) (*service.StatsReport, error)
	RateLimitStats(ctx context.Context, userID string) (map[string]ratelimit.ActionStats, error)
	ResetRateLimit(ctx context.Context, userID string) error
	PauseQueue(name string) error
	ResumeQueue(name string) error
	CleanQueue(ctx context.Context, name string, grace time.Duration) (int, error)
	Languages() []service.LanguageInfo
}

// AdminController handles health, statistics and queue management.
type AdminController struct {
	svc AdminService
}

// NewAdminController creates a new controller.
func NewAdminController(svc AdminService) *AdminController {
	return &AdminController{svc: svc}
}

// Health reports sandbox and queue availability.
func (h *AdminController) Health(c *gin.Context) {
	response.Success(c, h.svc.Health(c.Request.Context()))
}

// Stats reports queue counts and execution counters.
func (h *AdminController) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// Languages lists the supported languages.
func (h *AdminController) Languages(c *gin.Context) {
	response.Success(c, h.svc.Languages())
}

// RateLimitResponse is the usage of one user.
type RateLimitResponse struct {
	UserID     string                           `json:"user_id"`
	RateLimits map[string]ratelimit.ActionStats `json:"rate_limits"`
}

// GetRateLimit reports a user's usage per action.
func (h *AdminController) GetRateLimit(c *gin.Context) {
	userID := c.Param("userId")
	stats, err := h.svc.RateLimitStats(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RateLimitResponse{UserID: userID, RateLimits: stats})
}

// ResetRateLimit clears a user's windows.
func (h *AdminController) ResetRateLimit(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.svc.ResetRateLimit(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Rate limits reset", gin.H{"user_id": userID})
}

// PauseQueue stops a queue from taking new jobs.
func (h *AdminController) PauseQueue(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.PauseQueue(name); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Queue "+name+" pause completed", gin.H{"queue": name})
}

// ResumeQueue lets a paused queue take jobs again.
func (h *AdminController) ResumeQueue(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.ResumeQueue(name); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Queue "+name+" resume completed", gin.H{"queue": name})
}

// CleanRequest optionally bounds what a clean removes. OlderThan accepts any
// date format and wins over GraceMs.
type CleanRequest struct {
	GraceMs   int64  `json:"grace_ms"`
	OlderThan string `json:"older_than"`
}

// CleanQueue removes finished jobs past the grace period.
func (h *AdminController) CleanQueue(c *gin.Context) {
	name := c.Param("name")
	var req CleanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}
	grace := time.Duration(req.GraceMs) * time.Millisecond
	if req.OlderThan != "" {
		cutoff, err := dateparse.ParseAny(req.OlderThan)
		if err != nil {
			response.BadRequest(c, "Invalid older_than")
			return
		}
		grace = time.Since(cutoff)
		if grace <= 0 {
			response.BadRequest(c, "older_than must be in the past")
			return
		}
	}
	removed, err := h.svc.CleanQueue(c.Request.Context(), name, grace)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Queue "+name+" clean completed", gin.H{"queue": name, "removed": removed})
}
