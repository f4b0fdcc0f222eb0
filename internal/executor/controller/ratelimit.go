package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/ratelimit"
	"ojexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	userIDHeader      = "X-User-Id"
	userIDContextKey  = "user_id"
	anonymousUser     = "anonymous"
	maxInspectedBytes = 10 << 20
)

// Admitter decides whether a user may perform an action now.
type Admitter interface {
	Admit(ctx context.Context, userID, action string) ratelimit.Decision
}

type admissionFields struct {
	UserID   string         `json:"user_id"`
	Priority model.Priority `json:"priority"`
}

// RateLimitMiddleware admits submission requests against the user's budget.
// The action is batch for batch routes, priority when the body asks for it
// and execute otherwise.
func RateLimitMiddleware(admitter Admitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if admitter == nil {
			c.Next()
			return
		}
		fields := peekAdmissionFields(c)
		userID := fields.UserID
		if userID == "" {
			userID = strings.TrimSpace(c.GetString(userIDContextKey))
		}
		if userID == "" {
			userID = strings.TrimSpace(c.GetHeader(userIDHeader))
		}
		if userID == "" {
			userID = anonymousUser
		}
		action := ratelimit.ActionExecute
		switch {
		case strings.Contains(c.Request.URL.Path, "batch"):
			action = ratelimit.ActionBatch
		case fields.Priority.Urgent():
			action = ratelimit.ActionPriority
		}

		d := admitter.Admit(c.Request.Context(), userID, action)
		if !d.Allowed {
			response.TooManyRequests(c, d.RetryAfter, RateLimitDetails{
				Action:     action,
				Limit:      d.Limit,
				Current:    d.Current,
				ResetTime:  d.ResetTime,
				RetryAfter: d.RetryAfter,
			})
			c.Abort()
			return
		}

		remaining := d.Limit - d.Current
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", d.ResetTime.UTC().Format(time.RFC3339Nano))
		c.Next()
	}
}

// RateLimitDetails is returned with a 429.
type RateLimitDetails struct {
	Action     string    `json:"action"`
	Limit      int       `json:"limit"`
	Current    int       `json:"current"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int64     `json:"retry_after"`
}

// peekAdmissionFields reads user_id and priority from a JSON body and
// restores the body for the handler.
func peekAdmissionFields(c *gin.Context) admissionFields {
	var fields admissionFields
	if c.Request.Body == nil {
		return fields
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInspectedBytes))
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil || len(body) == 0 {
		return fields
	}
	_ = json.Unmarshal(body, &fields)
	fields.UserID = strings.TrimSpace(fields.UserID)
	return fields
}
