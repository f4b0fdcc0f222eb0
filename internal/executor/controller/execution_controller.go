package controller

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/service"
	appErr "ojexec/pkg/errors"
	"ojexec/pkg/utils/logger"
	"ojexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultStreamInterval = 500 * time.Millisecond

// ExecutionService is the submission side of the service.
type ExecutionService interface {
	Submit(ctx context.Context, job model.ExecutionJob) (*service.SubmitResult, error)
	SubmitBatch(ctx context.Context, userID string, submissions []model.ExecutionJob) (*service.BatchSubmitResult, error)
	GetResult(ctx context.Context, jobID, queueName string) (*service.JobResult, error)
	GetVerdict(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error)
}

// ExecutionController handles submission and result endpoints.
type ExecutionController struct {
	svc            ExecutionService
	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

// NewExecutionController creates a new controller. streamInterval is how often
// the result stream polls the job; zero uses 500ms.
func NewExecutionController(svc ExecutionService, streamInterval time.Duration) *ExecutionController {
	if streamInterval <= 0 {
		streamInterval = defaultStreamInterval
	}
	return &ExecutionController{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streamInterval: streamInterval,
	}
}

// ExecuteRequest is the body of a single submission.
type ExecuteRequest struct {
	SubmissionID  string           `json:"submission_id"`
	UserID        string           `json:"user_id"`
	Code          string           `json:"code"`
	Language      string           `json:"language"`
	TestCases     []model.TestCase `json:"test_cases"`
	TimeLimitMs   int64            `json:"time_limit_ms"`
	MemoryLimitMb int64            `json:"memory_limit_mb"`
	Priority      model.Priority   `json:"priority"`
}

func (r ExecuteRequest) job(defaultUser string) model.ExecutionJob {
	userID := strings.TrimSpace(r.UserID)
	if userID == "" {
		userID = defaultUser
	}
	return model.ExecutionJob{
		UserID:   userID,
		Priority: r.Priority,
		Submission: model.Submission{
			SubmissionID:  r.SubmissionID,
			Code:          r.Code,
			Language:      r.Language,
			TestCases:     r.TestCases,
			TimeLimitMs:   r.TimeLimitMs,
			MemoryLimitMb: r.MemoryLimitMb,
		},
	}
}

// BatchRequest is the body of a batch submission.
type BatchRequest struct {
	UserID      string           `json:"user_id"`
	Submissions []ExecuteRequest `json:"submissions"`
}

// Execute queues one submission.
func (h *ExecutionController) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	res, err := h.svc.Submit(c.Request.Context(), req.job(requestUser(c)))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Code submitted for execution", res)
}

// ExecuteBatch queues a batch of submissions.
func (h *ExecutionController) ExecuteBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = requestUser(c)
	}
	jobs := make([]model.ExecutionJob, 0, len(req.Submissions))
	for _, sub := range req.Submissions {
		jobs = append(jobs, sub.job(userID))
	}
	res, err := h.svc.SubmitBatch(c.Request.Context(), userID, jobs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Batch submitted for execution", res)
}

// GetResult returns the state of a job.
func (h *ExecutionController) GetResult(c *gin.Context) {
	jobID := c.Param("jobId")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	res, err := h.svc.GetResult(c.Request.Context(), jobID, c.Query("queue"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetVerdict returns the final verdict of a submission.
func (h *ExecutionController) GetVerdict(c *gin.Context) {
	submissionID := c.Param("submissionId")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	v, err := h.svc.GetVerdict(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, v)
}

// StreamEvent is one message on the result stream.
type StreamEvent struct {
	Type   string             `json:"type"`
	Result *service.JobResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// StreamResult upgrades to a websocket and pushes the job state whenever it
// changes, closing once the job is terminal.
func (h *ExecutionController) StreamResult(c *gin.Context) {
	jobID := c.Param("jobId")
	queueName := c.Query("queue")
	ctx := c.Request.Context()
	// reject unknown jobs before the upgrade so the caller gets a plain 404
	first, err := h.svc.GetResult(ctx, jobID, queueName)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	// the reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()
	last := first
	if err := conn.WriteJSON(StreamEvent{Type: "status", Result: last}); err != nil {
		return
	}
	for !last.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
		res, err := h.svc.GetResult(ctx, jobID, queueName)
		if err != nil {
			_ = conn.WriteJSON(StreamEvent{Type: "error", Error: appErr.GetError(err).Error()})
			return
		}
		if res.Status == last.Status && res.Progress == last.Progress {
			continue
		}
		last = res
		if err := conn.WriteJSON(StreamEvent{Type: "status", Result: res}); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, last.Status))
}

func requestUser(c *gin.Context) string {
	if userID := strings.TrimSpace(c.GetString(userIDContextKey)); userID != "" {
		return userID
	}
	return strings.TrimSpace(c.GetHeader(userIDHeader))
}
