package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission intake errors
// 13100-13199: Judge & sandbox errors
// 13200-13299: Queue & scheduling errors
// 13300-13399: Rate limiting errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Messaging errors (10400-10499)
	MessagePublishFailed ErrorCode = 10400

	// ========== Submission Intake (13000-13099) ==========

	SubmissionNotFound   ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	BatchTooLarge        ErrorCode = 13006
	TestCasesMissing     ErrorCode = 13007

	// ========== Judge & Sandbox (13100-13199) ==========

	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	SandboxUnavailable  ErrorCode = 13110
	SandboxSetupFailed  ErrorCode = 13111
	ImagePullFailed     ErrorCode = 13112

	// ========== Queue & Scheduling (13200-13299) ==========

	JobNotFound     ErrorCode = 13200
	QueueNotFound   ErrorCode = 13201
	QueueClosed     ErrorCode = 13202
	JobStoreError   ErrorCode = 13203
	JobTimedOut     ErrorCode = 13204
	JobStalled      ErrorCode = 13205
	QueuePaused     ErrorCode = 13206
	JobAlreadyTaken ErrorCode = 13207

	// ========== Rate Limiting (13300-13399) ==========

	RateLimited          ErrorCode = 13300
	RateLimitStoreFailed ErrorCode = 13301
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	MessagePublishFailed: "Failed to publish message",

	SubmissionNotFound:   "Submission not found",
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	BatchTooLarge:        "Too many submissions in one batch",
	TestCasesMissing:     "At least one test case is required",

	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judge system error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	SandboxUnavailable:  "Sandbox is not available",
	SandboxSetupFailed:  "Failed to prepare sandbox",
	ImagePullFailed:     "Failed to pull sandbox image",

	JobNotFound:     "Job not found",
	QueueNotFound:   "Queue not found",
	QueueClosed:     "Queue is closed",
	JobStoreError:   "Job store operation failed",
	JobTimedOut:     "Job processing timed out",
	JobStalled:      "Job stalled more than allowable limit",
	QueuePaused:     "Queue is paused",
	JobAlreadyTaken: "Job is owned by another worker",

	RateLimited:          "Rate limit exceeded",
	RateLimitStoreFailed: "Rate limit store unavailable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound,
		c == JobNotFound, c == QueueNotFound:
		return http.StatusNotFound
	case c == TooManyRequests, c == RateLimited:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable, c == SandboxUnavailable, c == QueueClosed,
		c == QueuePaused, c == JudgeQueueFull:
		return http.StatusServiceUnavailable
	case c == Timeout:
		return http.StatusGatewayTimeout
	case c >= 10300 && c < 10400:
		return http.StatusBadRequest
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported,
		c == BatchTooLarge, c == TestCasesMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
