package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "ojexec/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{JobNotFound, "Job not found"},
		{InvalidParams, "Invalid parameters"},
		{RateLimited, "Rate limit exceeded"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{BatchTooLarge, 400},
		{LanguageNotSupported, 400},
		{JobNotFound, 404},
		{SubmissionNotFound, 404},
		{RateLimited, 429},
		{QueuePaused, 503},
		{JudgeSystemError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(QueueNotFound)
	if err.Code != QueueNotFound {
		t.Errorf("Code = %v, want %v", err.Code, QueueNotFound)
	}
	if err.Error() != QueueNotFound.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), QueueNotFound.Message())
	}
	if err.Stack == "" {
		t.Error("expected stack to be captured")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(JobNotFound, "job %s not found in %s", "j-1", "batch")
	want := "job j-1 not found in batch"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, JobStoreError)

	if wrappedErr.Code != JobStoreError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, JobStoreError)
	}
	if !errors.Is(wrappedErr, originalErr) {
		t.Error("wrapped error should match the original")
	}
	if Wrap(nil, JobStoreError) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapKeepsMessageOfCustomError(t *testing.T) {
	inner := New(CacheError).WithMessage("redis down").WithDetail("key", "verdict:1")
	outer := Wrap(fmt.Errorf("lookup: %w", inner), ServiceUnavailable)

	if outer.Code != ServiceUnavailable {
		t.Errorf("Code = %v, want %v", outer.Code, ServiceUnavailable)
	}
	if outer.Error() != "redis down" || outer.Details["key"] != "verdict:1" {
		t.Errorf("expected message and details to carry over, got %q %v", outer.Error(), outer.Details)
	}
}

func TestError_WithDetail(t *testing.T) {
	err := New(ValidationFailed).
		WithDetail("field", "language").
		WithDetails(map[string]interface{}{"reason": "unsupported"})

	if err.Details["field"] != "language" || err.Details["reason"] != "unsupported" {
		t.Errorf("unexpected details: %v", err.Details)
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(RateLimited), want: RateLimited},
		{name: "wrapped custom error", err: fmt.Errorf("submit: %w", New(BatchTooLarge)), want: BatchTooLarge},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(JobNotFound)
	if !Is(err, JobNotFound) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, QueueNotFound) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, JobNotFound) {
		t.Error("Is() should return false for nil error")
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("BadRequest", func(t *testing.T) {
		if err := BadRequest("invalid input"); err.Code != InvalidParams || err.Error() != "invalid input" {
			t.Errorf("unexpected error: %v %v", err.Code, err)
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("code", "must not be empty")
		if err.Code != ValidationFailed || err.Details["field"] != "code" {
			t.Errorf("unexpected validation error: %v %v", err.Code, err.Details)
		}
	})

	t.Run("SystemError", func(t *testing.T) {
		cause := errors.New("daemon gone")
		err := SystemError(cause, "run case %d", 3)
		if err.Code != JudgeSystemError || err.Error() != "run case 3" || !errors.Is(err, cause) {
			t.Errorf("unexpected system error: %v %v", err.Code, err)
		}
	})
}
