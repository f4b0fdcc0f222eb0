// Package model defines the execution job, per-case results and the submission verdict.
package model

import "time"

// Verdict represents the outcome of one test case or one submission.
type Verdict string

const (
	VerdictPending             Verdict = "Pending"
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "Wrong Answer"
	VerdictTimeLimitExceeded   Verdict = "Time Limit Exceeded"
	VerdictMemoryLimitExceeded Verdict = "Memory Limit Exceeded"
	VerdictRuntimeError        Verdict = "Runtime Error"
	VerdictCompilationError    Verdict = "Compilation Error"
	VerdictSystemError         Verdict = "System Error"
)

// Terminal reports whether the verdict stops further test cases.
func (v Verdict) Terminal() bool {
	return v == VerdictCompilationError || v == VerdictSystemError
}

const (
	DefaultTimeLimitMs   = 5000
	DefaultMemoryLimitMb = 256
	MaxTimeLimitMs       = 30000
	MaxMemoryLimitMb     = 1024
	MaxCodeLength        = 100000
	MaxBatchSize         = 10
)

// TestCase is one input/expected-output pair.
// Input and ExpectedOutput are pointers so a missing field can be told apart from an empty one.
type TestCase struct {
	Input          *string `json:"input"`
	ExpectedOutput *string `json:"expected_output"`
	IsHidden       bool    `json:"is_hidden"`
	Points         int     `json:"points"`
}

// NewTestCase builds a visible test case.
func NewTestCase(input, expected string) TestCase {
	return TestCase{Input: &input, ExpectedOutput: &expected}
}

// InputText returns the input or "" when unset.
func (t TestCase) InputText() string {
	if t.Input == nil {
		return ""
	}
	return *t.Input
}

// ExpectedText returns the expected output or "" when unset.
func (t TestCase) ExpectedText() string {
	if t.ExpectedOutput == nil {
		return ""
	}
	return *t.ExpectedOutput
}

// Submission is the code plus everything needed to judge it.
type Submission struct {
	SubmissionID  string     `json:"submission_id"`
	Code          string     `json:"code"`
	Language      string     `json:"language"`
	TestCases     []TestCase `json:"test_cases"`
	TimeLimitMs   int64      `json:"time_limit_ms"`
	MemoryLimitMb int64      `json:"memory_limit_mb"`
}

// ExecutionJob is the payload carried by a queue entry. Immutable once enqueued.
type ExecutionJob struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
	Submission
	Priority Priority `json:"priority"`
}

// OutputDifference records the normalized lines of a Wrong Answer.
type OutputDifference struct {
	Expected      string   `json:"expected"`
	Actual        string   `json:"actual"`
	ExpectedLines []string `json:"expected_lines"`
	ActualLines   []string `json:"actual_lines"`
}

// ExecutionResult is the outcome of one test case. Never mutated after creation.
type ExecutionResult struct {
	TestCaseNumber  int               `json:"test_case_number"`
	Verdict         Verdict           `json:"verdict"`
	Input           string            `json:"input,omitempty"`
	ExpectedOutput  string            `json:"expected_output,omitempty"`
	ActualOutput    string            `json:"actual_output"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	MemoryUsedMb    int64             `json:"memory_used_mb"`
	Stderr          string            `json:"stderr,omitempty"`
	ExitCode        int               `json:"exit_code"`
	Error           string            `json:"error,omitempty"`
	Difference      *OutputDifference `json:"difference,omitempty"`
}

// SubmissionVerdict is the aggregate result handed back across the boundary.
type SubmissionVerdict struct {
	SubmissionID     string            `json:"submission_id"`
	ExecutionID      string            `json:"execution_id,omitempty"`
	Language         string            `json:"language"`
	Verdict          Verdict           `json:"verdict"`
	TotalTestCases   int               `json:"total_test_cases"`
	PassedTestCases  int               `json:"passed_test_cases"`
	FailedTestCases  int               `json:"failed_test_cases"`
	ExecutionTimeMs  int64             `json:"execution_time_ms"`
	MemoryUsedMb     int64             `json:"memory_used_mb"`
	Score            int               `json:"score"`
	CompilationError string            `json:"compilation_error,omitempty"`
	SystemError      string            `json:"system_error,omitempty"`
	TestCaseResults  []ExecutionResult `json:"test_case_results"`
	TotalExecutionMs int64             `json:"total_execution_ms"`
	Timestamp        time.Time         `json:"timestamp"`
}

// SystemErrorVerdict builds a well-formed System Error verdict with no executed cases.
func SystemErrorVerdict(sub Submission, reason string) *SubmissionVerdict {
	return &SubmissionVerdict{
		SubmissionID:    sub.SubmissionID,
		Language:        sub.Language,
		Verdict:         VerdictSystemError,
		TotalTestCases:  len(sub.TestCases),
		SystemError:     reason,
		TestCaseResults: []ExecutionResult{},
		Timestamp:       time.Now(),
	}
}

// BatchItemResult is the per-submission outcome inside a batch job.
type BatchItemResult struct {
	SubmissionID string             `json:"submission_id"`
	Success      bool               `json:"success"`
	Result       *SubmissionVerdict `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// BatchResult aggregates a batch job.
type BatchResult struct {
	TotalSubmissions      int               `json:"total_submissions"`
	SuccessfulSubmissions int               `json:"successful_submissions"`
	FailedSubmissions     int               `json:"failed_submissions"`
	Results               []BatchItemResult `json:"results"`
}

// BatchJob groups submissions processed sequentially in one worker slot.
type BatchJob struct {
	JobID       string         `json:"job_id"`
	UserID      string         `json:"user_id"`
	Submissions []ExecutionJob `json:"submissions"`
}
