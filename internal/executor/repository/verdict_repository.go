package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ojexec/internal/common/cache"
	"ojexec/internal/executor/model"
	appErr "ojexec/pkg/errors"
)

const verdictKeyPrefix = "ojexec:verdict:"

// VerdictRepository caches final verdicts by submission id.
type VerdictRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewVerdictRepository creates a new repository.
func NewVerdictRepository(cacheClient cache.Cache, ttl time.Duration) *VerdictRepository {
	return &VerdictRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the verdict of one submission.
func (r *VerdictRepository) Get(ctx context.Context, submissionID string) (*model.SubmissionVerdict, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, verdictKeyPrefix+submissionID)
	if err != nil || val == "" {
		return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission verdict not found")
	}
	var verdict model.SubmissionVerdict
	if err := json.Unmarshal([]byte(val), &verdict); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode verdict failed")
	}
	return &verdict, nil
}

// Save stores a verdict, replacing any earlier one.
func (r *VerdictRepository) Save(ctx context.Context, verdict *model.SubmissionVerdict) error {
	if verdict == nil || verdict.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict failed: %w", err)
	}
	if err := r.cache.Set(ctx, verdictKeyPrefix+verdict.SubmissionID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store verdict failed")
	}
	return nil
}
