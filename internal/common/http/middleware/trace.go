package middleware

import (
	"context"
	"strings"

	"ojexec/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
	userIDContextKey    = "user_id"
	jobIDContextKey     = "job_id"
)

// TraceContextConfig controls which ids are taken from the request.
type TraceContextConfig struct {
	AllowUserIDHeader bool
	WriteUserIDHeader bool

	// JobIDParam names a route parameter copied into the log context, so
	// polling and streaming requests for a job share its job_id field.
	JobIDParam string
}

// TraceContextMiddlewareWithConfig puts trace, request and user ids into the
// gin context, the request context and the response headers.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		traceID := headerOrNew(c, traceIDHeader)
		ctx = bind(c, ctx, traceIDContextKey, contextkey.TraceID, traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)

		requestID := headerOrNew(c, requestIDHeader)
		ctx = bind(c, ctx, requestIDContextKey, contextkey.RequestID, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		if cfg.AllowUserIDHeader {
			if userID := strings.TrimSpace(c.GetHeader(userIDHeader)); userID != "" {
				ctx = bind(c, ctx, userIDContextKey, contextkey.UserID, userID)
				if cfg.WriteUserIDHeader {
					c.Writer.Header().Set(userIDHeader, userID)
				}
			}
		}

		if cfg.JobIDParam != "" {
			if jobID := c.Param(cfg.JobIDParam); jobID != "" {
				ctx = bind(c, ctx, jobIDContextKey, contextkey.JobID, jobID)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}

func bind(c *gin.Context, ctx context.Context, ginKey string, key interface{}, value string) context.Context {
	c.Set(ginKey, value)
	return context.WithValue(ctx, key, value)
}
