package workflow

import (
	"fmt"
	"strings"

	"claimline/internal/domain"
)

// DefaultMinConfidence is the document confidence below which a claim goes to manual review.
const DefaultMinConfidence = 0.8

// Aggregate folds stage verdicts into one decision. Verdicts may be partial
// when the pipeline short-circuited or aborted. It is a pure function.
func Aggregate(claimID string, verdicts []domain.Verdict, minConfidence float64) domain.Decision {
	d := domain.Decision{
		ClaimID:   claimID,
		Verdicts:  verdicts,
		Reasoning: Reasoning(verdicts),
	}
	byStage := make(map[domain.Stage]domain.Verdict, len(verdicts))
	for _, v := range verdicts {
		if v.Outcome == domain.OutcomeError {
			d.Outcome = domain.NeedsManualReview
			d.ErrorKind = v.ErrorKind
			if d.ErrorKind == "" {
				d.ErrorKind = domain.KindEvaluatorTransport
			}
			return d
		}
		byStage[v.Stage] = v
	}

	if v, ok := byStage[domain.StageCoverage]; ok && v.Outcome == domain.OutcomeFail {
		d.Outcome = domain.Denied
		return d
	}
	if v, ok := byStage[domain.StageDocument]; ok {
		if v.Outcome != domain.OutcomePass || v.Confidence < minConfidence {
			d.Outcome = domain.NeedsManualReview
			return d
		}
	}
	if v, ok := byStage[domain.StageIntake]; ok && v.Outcome == domain.OutcomeFail {
		d.Outcome = domain.Denied
		return d
	}
	for _, stage := range domain.Stages {
		if v, ok := byStage[stage]; !ok || v.Outcome != domain.OutcomePass {
			d.Outcome = domain.NeedsManualReview
			return d
		}
	}
	d.Outcome = domain.Approved
	return d
}

// Reasoning joins "stage: reason" in pipeline order.
func Reasoning(verdicts []domain.Verdict) string {
	parts := make([]string, 0, len(verdicts))
	for _, stage := range domain.Stages {
		for _, v := range verdicts {
			if v.Stage != stage {
				continue
			}
			reason := strings.TrimSpace(v.Reason)
			if reason == "" {
				reason = string(v.Outcome)
			}
			parts = append(parts, fmt.Sprintf("%s: %s", stage, reason))
		}
	}
	return strings.Join(parts, "; ")
}
