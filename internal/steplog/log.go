// Package steplog is the append-only, per-claim workflow step log.
package steplog

import (
	"context"
	"strings"
	"time"

	"claimline/internal/domain"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/notify"
	"claimline/internal/repo"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultRecentLimit  = 50
	maxRecentLimit      = 500
)

// Log persists every step before returning and then hands it to the notifier.
// Reads always go back to the store.
type Log struct {
	Repo         repo.Repo
	Notifier     notify.Notifier
	Now          func() time.Time
	WriteTimeout time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.WorkflowMetrics
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l Log) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := l.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Append assigns the next ordinal for step.ClaimID and writes the step through.
// A store failure comes back as a persistence *domain.Error and nothing is published.
func (l Log) Append(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error) {
	if strings.TrimSpace(step.ClaimID) == "" {
		return step, domain.Errorf(domain.KindPersistence, "steplog.append", "claim_id required")
	}
	if step.Status == "" {
		step.Status = domain.StepPending
	}
	if step.Timestamp == "" {
		step.Timestamp = domain.FormatTime(l.now())
	}
	wctx, cancel := l.writeCtx(ctx)
	defer cancel()
	stored, err := l.Repo.InsertStep(wctx, step)
	if err != nil {
		l.Metrics.ObservePersistenceError("append")
		return step, &domain.Error{Kind: domain.KindPersistence, Op: "steplog.append", Err: err}
	}
	l.publish(stored)
	return stored, nil
}

// Update changes status and details of an existing step and republishes it.
func (l Log) Update(ctx context.Context, step domain.WorkflowStep, status domain.StepStatus, details map[string]any) (domain.WorkflowStep, error) {
	wctx, cancel := l.writeCtx(ctx)
	defer cancel()
	stored, err := l.Repo.UpdateStep(wctx, step.ID, status, details)
	if err != nil {
		l.Metrics.ObservePersistenceError("update")
		return step, &domain.Error{Kind: domain.KindPersistence, Op: "steplog.update", Err: err}
	}
	step.Status = status
	step.Details = stored
	l.publish(step)
	return step, nil
}

// Query returns the claim's steps in creation order.
func (l Log) Query(ctx context.Context, claimID string) ([]domain.WorkflowStep, error) {
	steps, err := l.Repo.StepsForClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []domain.WorkflowStep{}
	}
	return steps, nil
}

// QueryRecent returns steps across all claims, newest first.
func (l Log) QueryRecent(ctx context.Context, limit int) ([]domain.WorkflowStep, error) {
	page, _, err := l.QueryRecentFrom(ctx, limit, Cursor{})
	return page, err
}

// Cursor marks the last row of a previous QueryRecentFrom page.
type Cursor struct {
	Timestamp string
	ID        int64
}

// QueryRecentFrom pages through recent steps. The returned cursor is zero when there is no next page.
func (l Log) QueryRecentFrom(ctx context.Context, limit int, cursor Cursor) ([]domain.WorkflowStep, Cursor, error) {
	limit = NormalizeLimit(limit)
	steps, err := l.Repo.RecentSteps(ctx, limit+1, cursor.Timestamp, cursor.ID)
	if err != nil {
		return nil, Cursor{}, err
	}
	var next Cursor
	if len(steps) > limit {
		last := steps[limit-1]
		next = Cursor{Timestamp: last.Timestamp, ID: last.ID}
		steps = steps[:limit]
	}
	if steps == nil {
		steps = []domain.WorkflowStep{}
	}
	return steps, next, nil
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}

func (l Log) publish(step domain.WorkflowStep) {
	if l.Notifier == nil {
		return
	}
	l.Notifier.Publish(step)
}
