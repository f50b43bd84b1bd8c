// Package workflow runs the coverage, document and intake evaluators for one
// confirmed claim and folds their verdicts into a decision.
package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"claimline/internal/domain"
	"claimline/internal/evaluator"
	"claimline/internal/logging"
	"claimline/internal/metrics"
)

const (
	DefaultStageTimeout    = 20 * time.Second
	DefaultPipelineTimeout = 60 * time.Second
)

var tracer = otel.Tracer("claimline/workflow")

// Resolver finds the evaluator for a stage.
type Resolver interface {
	Lookup(stage domain.Stage) (evaluator.Evaluator, error)
	Available() []domain.Stage
}

// Recorder is the write side of the step log.
type Recorder interface {
	Append(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error)
	Update(ctx context.Context, step domain.WorkflowStep, status domain.StepStatus, details map[string]any) (domain.WorkflowStep, error)
}

type Dispatcher struct {
	Evaluators      Resolver
	Steps           Recorder
	StageTimeout    time.Duration
	PipelineTimeout time.Duration
	MinConfidence   float64
	Logger          *logging.Logger
	Metrics         *metrics.WorkflowMetrics
	Now             func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Default()
	}
	return d.Logger
}

// Run always returns a decision. The caller's cancellation is ignored once the
// pipeline starts; only the pipeline timeout bounds it. A coverage rejection
// ends the run before document and intake are called.
func (d *Dispatcher) Run(ctx context.Context, claim domain.Claim) domain.Decision {
	timeout := d.PipelineTimeout
	if timeout <= 0 {
		timeout = DefaultPipelineTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.String("claim.id", claim.ClaimID))

	d.Metrics.PipelineStarted()
	defer d.Metrics.PipelineFinished()
	log := d.logger().With("claim_id", claim.ClaimID)
	log.Info("workflow: started", "amount", claim.BillAmount, "category", claim.Category)

	available := d.Evaluators.Available()
	names := make([]string, 0, len(available))
	for _, s := range available {
		names = append(names, s.AgentName())
	}
	d.record(ctx, domain.WorkflowStep{
		ClaimID:  claim.ClaimID,
		StepType: domain.StepDiscovery,
		Status:   domain.StepCompleted,
		Details:  map[string]any{"available_agents": names, "required_stages": len(domain.Stages)},
	})

	var verdicts []domain.Verdict
	for _, stage := range domain.Stages {
		v := d.runStage(ctx, claim, stage)
		verdicts = append(verdicts, v)
		if v.Outcome == domain.OutcomeError {
			log.Warn("workflow: aborting pipeline", "stage", stage, "error_kind", v.ErrorKind, "reason", v.Reason)
			break
		}
		if stage == domain.StageCoverage && v.Outcome == domain.OutcomeFail {
			log.Info("workflow: coverage rejected, skipping remaining stages", "reason", v.Reason)
			break
		}
	}

	decision := Aggregate(claim.ClaimID, verdicts, d.minConfidence())
	decision.DecidedAt = domain.FormatTime(d.now())
	details := map[string]any{"outcome": string(decision.Outcome), "reasoning": decision.Reasoning}
	if decision.ErrorKind != "" {
		details["error_kind"] = string(decision.ErrorKind)
	}
	d.record(ctx, domain.WorkflowStep{ClaimID: claim.ClaimID, StepType: domain.StepDecision, Status: domain.StepCompleted, Details: details})
	d.record(ctx, domain.WorkflowStep{
		ClaimID:  claim.ClaimID,
		StepType: domain.StepCompletion,
		Status:   domain.StepCompleted,
		Details:  map[string]any{"step": "workflow_completed", "stages_run": len(verdicts)},
	})
	d.Metrics.ObserveDecision(string(decision.Outcome), string(decision.ErrorKind))
	span.SetAttributes(attribute.String("workflow.outcome", string(decision.Outcome)))
	log.Info("workflow: decided", "outcome", decision.Outcome, "error_kind", decision.ErrorKind)
	return decision
}

func (d *Dispatcher) minConfidence() float64 {
	if d.MinConfidence <= 0 {
		return DefaultMinConfidence
	}
	return d.MinConfidence
}

func (d *Dispatcher) runStage(ctx context.Context, claim domain.Claim, stage domain.Stage) domain.Verdict {
	ctx, span := tracer.Start(ctx, "workflow.stage")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.stage", string(stage)))

	agent := stage.AgentName()
	dispatch := d.record(ctx, domain.WorkflowStep{
		ClaimID:   claim.ClaimID,
		StepType:  domain.StepDispatch,
		Status:    domain.StepInProgress,
		AgentName: agent,
		Details:   map[string]any{"step": "calling_" + agent, "stage": string(stage)},
	})

	start := time.Now()
	verdict, err := d.evaluate(ctx, claim, stage)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(classify(err)))
		verdict = domain.Verdict{Stage: stage, Outcome: domain.OutcomeError, ErrorKind: classify(err), Reason: err.Error()}
	}
	verdict.Stage = stage
	verdict.DurationMS = elapsed.Milliseconds()
	d.Metrics.ObserveStage(string(stage), string(verdict.Outcome), elapsed.Seconds())

	status := domain.StepCompleted
	if verdict.Outcome == domain.OutcomeError {
		status = domain.StepFailed
	}
	details := verdictDetails(verdict)
	details["step"] = "completed_" + agent
	d.record(ctx, domain.WorkflowStep{
		ClaimID:   claim.ClaimID,
		StepType:  domain.StepResponse,
		Status:    status,
		AgentName: agent,
		Details:   details,
	})
	if dispatch.ID != 0 {
		dd := map[string]any{"step": "calling_" + agent, "stage": string(stage), "duration_ms": verdict.DurationMS}
		if _, err := d.Steps.Update(context.WithoutCancel(ctx), dispatch, status, dd); err != nil {
			d.logger().Warn("workflow: step update failed", "claim_id", claim.ClaimID, "step_id", dispatch.ID, "err", err)
		}
	}
	return verdict
}

func (d *Dispatcher) evaluate(ctx context.Context, claim domain.Claim, stage domain.Stage) (domain.Verdict, error) {
	ev, err := d.Evaluators.Lookup(stage)
	if err != nil {
		return domain.Verdict{}, err
	}
	timeout := d.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ev.Evaluate(sctx, claim)
}

// record appends a step. Failures are logged and counted by the step log but never stop the pipeline.
// Writes still happen after the pipeline deadline so a timed-out run is fully recorded.
func (d *Dispatcher) record(ctx context.Context, step domain.WorkflowStep) domain.WorkflowStep {
	stored, err := d.Steps.Append(context.WithoutCancel(ctx), step)
	if err != nil {
		d.logger().Warn("workflow: step append failed", "claim_id", step.ClaimID, "step_type", step.StepType, "err", err)
		return step
	}
	return stored
}

func classify(err error) domain.ErrorKind {
	if kind := domain.KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindEvaluatorTimeout
	}
	return domain.KindEvaluatorTransport
}

func verdictDetails(v domain.Verdict) map[string]any {
	details := map[string]any{
		"stage":       string(v.Stage),
		"outcome":     string(v.Outcome),
		"reason":      v.Reason,
		"duration_ms": v.DurationMS,
	}
	if v.Stage == domain.StageDocument && v.Outcome != domain.OutcomeError {
		details["confidence"] = v.Confidence
	}
	if v.MaxAllowed != nil {
		details["max_allowed"] = *v.MaxAllowed
	}
	if len(v.Mismatches) > 0 {
		details["mismatches"] = v.Mismatches
	}
	if len(v.ExtractedFields) > 0 {
		details["extracted_fields"] = v.ExtractedFields
	}
	if v.ErrorKind != "" {
		details["error_kind"] = string(v.ErrorKind)
	}
	return details
}
