package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ojexec/internal/executor/model"
	appErr "ojexec/pkg/errors"

	"github.com/jmoiron/sqlx"
)

// VerdictArchiveSchema creates the archive table.
const VerdictArchiveSchema = `
CREATE TABLE IF NOT EXISTS execution_verdicts (
	job_id          VARCHAR(64)  NOT NULL,
	submission_id   VARCHAR(128) NOT NULL,
	user_id         VARCHAR(128) NOT NULL DEFAULT '',
	queue_name      VARCHAR(32)  NOT NULL,
	language        VARCHAR(32)  NOT NULL,
	verdict         VARCHAR(32)  NOT NULL,
	passed_cases    INT          NOT NULL,
	total_cases     INT          NOT NULL,
	score           INT          NOT NULL,
	max_time_ms     BIGINT       NOT NULL,
	max_memory_mb   BIGINT       NOT NULL,
	payload         JSON         NOT NULL,
	finished_at     DATETIME(3)  NOT NULL,
	PRIMARY KEY (job_id, submission_id),
	KEY idx_submission (submission_id),
	KEY idx_user_finished (user_id, finished_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// VerdictArchive keeps finished verdicts beyond the job retention window.
type VerdictArchive interface {
	Save(ctx context.Context, record ArchiveRecord) error
	GetBySubmission(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error)
}

// ArchiveRecord is one archived verdict together with its job context.
type ArchiveRecord struct {
	JobID   string
	Queue   string
	UserID  string
	Verdict *model.SubmissionVerdict
}

type verdictRow struct {
	JobID        string    `db:"job_id"`
	SubmissionID string    `db:"submission_id"`
	UserID       string    `db:"user_id"`
	Queue        string    `db:"queue_name"`
	Language     string    `db:"language"`
	Verdict      string    `db:"verdict"`
	Passed       int       `db:"passed_cases"`
	Total        int       `db:"total_cases"`
	Score        int       `db:"score"`
	MaxTimeMs    int64     `db:"max_time_ms"`
	MaxMemoryMb  int64     `db:"max_memory_mb"`
	Payload      []byte    `db:"payload"`
	FinishedAt   time.Time `db:"finished_at"`
}

func newVerdictRow(record ArchiveRecord) (verdictRow, error) {
	v := record.Verdict
	payload, err := json.Marshal(v)
	if err != nil {
		return verdictRow{}, fmt.Errorf("marshal verdict failed: %w", err)
	}
	finished := v.Timestamp
	if finished.IsZero() {
		finished = time.Now()
	}
	return verdictRow{
		JobID:        record.JobID,
		SubmissionID: v.SubmissionID,
		UserID:       record.UserID,
		Queue:        record.Queue,
		Language:     v.Language,
		Verdict:      string(v.Verdict),
		Passed:       v.PassedTestCases,
		Total:        v.TotalTestCases,
		Score:        v.Score,
		MaxTimeMs:    v.ExecutionTimeMs,
		MaxMemoryMb:  v.MemoryUsedMb,
		Payload:      payload,
		FinishedAt:   finished.UTC(),
	}, nil
}

// MySQLVerdictArchive stores verdicts in MySQL.
type MySQLVerdictArchive struct {
	db *sqlx.DB
}

// NewMySQLVerdictArchive creates an archive over an open handle.
func NewMySQLVerdictArchive(db *sqlx.DB) *MySQLVerdictArchive {
	return &MySQLVerdictArchive{db: db}
}

// EnsureSchema creates the archive table when missing.
func (a *MySQLVerdictArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, VerdictArchiveSchema); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create verdict archive table failed")
	}
	return nil
}

// Save upserts one verdict.
func (a *MySQLVerdictArchive) Save(ctx context.Context, record ArchiveRecord) error {
	if record.Verdict == nil || record.Verdict.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	row, err := newVerdictRow(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO execution_verdicts (
			job_id, submission_id, user_id, queue_name, language, verdict,
			passed_cases, total_cases, score, max_time_ms, max_memory_mb, payload, finished_at
		) VALUES (
			:job_id, :submission_id, :user_id, :queue_name, :language, :verdict,
			:passed_cases, :total_cases, :score, :max_time_ms, :max_memory_mb, :payload, :finished_at
		)
		ON DUPLICATE KEY UPDATE
			verdict = VALUES(verdict),
			passed_cases = VALUES(passed_cases),
			score = VALUES(score),
			max_time_ms = VALUES(max_time_ms),
			max_memory_mb = VALUES(max_memory_mb),
			payload = VALUES(payload),
			finished_at = VALUES(finished_at)
	`
	if _, err := a.db.NamedExecContext(ctx, query, row); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "archive verdict failed")
	}
	return nil
}

// GetBySubmission returns the most recent archived verdict of a submission.
func (a *MySQLVerdictArchive) GetBySubmission(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error) {
	query := `
		SELECT payload FROM execution_verdicts
		WHERE submission_id = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`
	var payload []byte
	if err := a.db.GetContext(ctx, &payload, query, submissionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("archived verdict not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load archived verdict failed")
	}
	var verdict model.SubmissionVerdict
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode archived verdict failed")
	}
	return &verdict, nil
}
