package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/evaluator"
	"claimline/internal/logging"
	"claimline/internal/migrate"
	"claimline/internal/repo"
	"claimline/internal/steplog"
)

var claim = domain.Claim{ClaimID: "OP-1001", CustomerName: "Jane Doe", BillAmount: 850, Category: "outpatient", Status: "submitted"}

type stubs struct {
	calls    map[domain.Stage]*atomic.Int32
	registry *evaluator.Registry
}

func newStubs(fns map[domain.Stage]evaluator.Func) *stubs {
	s := &stubs{calls: map[domain.Stage]*atomic.Int32{}, registry: evaluator.NewRegistry()}
	for stage, fn := range fns {
		stage, fn := stage, fn
		counter := &atomic.Int32{}
		s.calls[stage] = counter
		s.registry.Register(stage, evaluator.Func(func(ctx context.Context, c domain.Claim) (domain.Verdict, error) {
			counter.Add(1)
			return fn(ctx, c)
		}))
	}
	return s
}

func (s *stubs) count(stage domain.Stage) int32 {
	if c, ok := s.calls[stage]; ok {
		return c.Load()
	}
	return 0
}

func verdict(stage domain.Stage, outcome domain.Outcome, conf float64, reason string) evaluator.Func {
	return func(context.Context, domain.Claim) (domain.Verdict, error) {
		return domain.Verdict{Stage: stage, Outcome: outcome, Confidence: conf, Reason: reason}, nil
	}
}

func happyPath() map[domain.Stage]evaluator.Func {
	return map[domain.Stage]evaluator.Func{
		domain.StageCoverage: verdict(domain.StageCoverage, domain.OutcomePass, 0, "within outpatient limit"),
		domain.StageDocument: verdict(domain.StageDocument, domain.OutcomePass, 0.95, "documents consistent"),
		domain.StageIntake:   verdict(domain.StageIntake, domain.OutcomePass, 0, "patient verified"),
	}
}

func newDispatcher(t *testing.T, s *stubs) (*Dispatcher, steplog.Log) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	log := steplog.Log{Repo: repo.Repo{DB: conn}, Logger: logging.Discard()}
	return &Dispatcher{
		Evaluators:   s.registry,
		Steps:        log,
		StageTimeout: time.Second,
		Logger:       logging.Discard(),
	}, log
}

func stepsOf(t *testing.T, log steplog.Log, claimID string) []domain.WorkflowStep {
	t.Helper()
	steps, err := log.Query(context.Background(), claimID)
	require.NoError(t, err)
	return steps
}

func TestRunApproves(t *testing.T) {
	s := newStubs(happyPath())
	d, log := newDispatcher(t, s)
	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.Approved, decision.Outcome)
	assert.Empty(t, decision.ErrorKind)
	assert.Equal(t, "coverage: within outpatient limit; document: documents consistent; intake: patient verified", decision.Reasoning)
	assert.NotEmpty(t, decision.DecidedAt)

	steps := stepsOf(t, log, claim.ClaimID)
	var types []domain.StepType
	for i, st := range steps {
		assert.Equal(t, int64(i+1), st.Ordinal)
		types = append(types, st.StepType)
	}
	assert.Equal(t, []domain.StepType{
		domain.StepDiscovery,
		domain.StepDispatch, domain.StepResponse,
		domain.StepDispatch, domain.StepResponse,
		domain.StepDispatch, domain.StepResponse,
		domain.StepDecision, domain.StepCompletion,
	}, types)
	for _, st := range steps {
		assert.NotEqual(t, domain.StepInProgress, st.Status, "step %d left in progress", st.Ordinal)
	}
	assert.Equal(t, "document_intelligence", steps[3].AgentName)
}

func TestCoverageRejectShortCircuits(t *testing.T) {
	fns := happyPath()
	fns[domain.StageCoverage] = verdict(domain.StageCoverage, domain.OutcomeFail, 0, "Coverage rules rejection: Coverage limits exceeded")
	s := newStubs(fns)
	d, log := newDispatcher(t, s)

	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.Denied, decision.Outcome)
	assert.Equal(t, int32(1), s.count(domain.StageCoverage))
	assert.Equal(t, int32(0), s.count(domain.StageDocument))
	assert.Equal(t, int32(0), s.count(domain.StageIntake))
	for _, st := range stepsOf(t, log, claim.ClaimID) {
		assert.NotEqual(t, "document_intelligence", st.AgentName)
		assert.NotEqual(t, "intake_clarifier", st.AgentName)
	}
}

func TestIntakeTimeoutNeedsReview(t *testing.T) {
	fns := happyPath()
	fns[domain.StageIntake] = func(ctx context.Context, _ domain.Claim) (domain.Verdict, error) {
		<-ctx.Done()
		return domain.Verdict{}, ctx.Err()
	}
	s := newStubs(fns)
	d, log := newDispatcher(t, s)
	d.StageTimeout = 30 * time.Millisecond

	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.NeedsManualReview, decision.Outcome)
	assert.Equal(t, domain.KindEvaluatorTimeout, decision.ErrorKind)
	assert.True(t, decision.Degraded())

	var failed []domain.WorkflowStep
	for _, st := range stepsOf(t, log, claim.ClaimID) {
		if st.Status == domain.StepFailed {
			failed = append(failed, st)
		}
	}
	require.Len(t, failed, 2)
	for _, st := range failed {
		assert.Equal(t, "intake_clarifier", st.AgentName)
	}
}

func TestTransportErrorAbortsPipeline(t *testing.T) {
	fns := happyPath()
	fns[domain.StageCoverage] = func(context.Context, domain.Claim) (domain.Verdict, error) {
		return domain.Verdict{}, &domain.Error{Kind: domain.KindEvaluatorTransport, Stage: domain.StageCoverage, Err: errors.New("connection refused")}
	}
	s := newStubs(fns)
	d, _ := newDispatcher(t, s)
	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.NeedsManualReview, decision.Outcome)
	assert.Equal(t, domain.KindEvaluatorTransport, decision.ErrorKind)
	assert.Equal(t, int32(0), s.count(domain.StageDocument))
}

func TestUnregisteredStageIsTransportError(t *testing.T) {
	fns := happyPath()
	delete(fns, domain.StageDocument)
	s := newStubs(fns)
	d, _ := newDispatcher(t, s)
	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.NeedsManualReview, decision.Outcome)
	assert.Equal(t, domain.KindEvaluatorTransport, decision.ErrorKind)
	assert.Equal(t, int32(0), s.count(domain.StageIntake))
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	s := newStubs(happyPath())
	d, _ := newDispatcher(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	decision := d.Run(ctx, claim)
	assert.Equal(t, domain.Approved, decision.Outcome)
}

func TestPipelineTimeoutBoundsRun(t *testing.T) {
	fns := happyPath()
	fns[domain.StageDocument] = func(ctx context.Context, _ domain.Claim) (domain.Verdict, error) {
		<-ctx.Done()
		return domain.Verdict{}, ctx.Err()
	}
	s := newStubs(fns)
	d, _ := newDispatcher(t, s)
	d.StageTimeout = time.Minute
	d.PipelineTimeout = 50 * time.Millisecond
	start := time.Now()
	decision := d.Run(context.Background(), claim)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.NeedsManualReview, decision.Outcome)
	assert.Equal(t, domain.KindEvaluatorTimeout, decision.ErrorKind)
}

type failingRecorder struct{ appends atomic.Int32 }

func (f *failingRecorder) Append(_ context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error) {
	f.appends.Add(1)
	return step, &domain.Error{Kind: domain.KindPersistence, Op: "steplog.append", Err: errors.New("database is locked")}
}

func (f *failingRecorder) Update(_ context.Context, step domain.WorkflowStep, _ domain.StepStatus, _ map[string]any) (domain.WorkflowStep, error) {
	return step, errors.New("unexpected update")
}

func TestPersistenceFailureDoesNotAbort(t *testing.T) {
	s := newStubs(happyPath())
	rec := &failingRecorder{}
	d := &Dispatcher{Evaluators: s.registry, Steps: rec, Logger: logging.Discard()}
	decision := d.Run(context.Background(), claim)
	assert.Equal(t, domain.Approved, decision.Outcome)
	assert.Equal(t, int32(9), rec.appends.Load())
	assert.Equal(t, int32(1), s.count(domain.StageIntake))
}

type lastPublished struct {
	mu    sync.Mutex
	byID  map[int64]domain.WorkflowStep
	order []int64
}

func (p *lastPublished) Publish(step domain.WorkflowStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[step.ID]; !ok {
		p.order = append(p.order, step.ID)
	}
	p.byID[step.ID] = step
}

func TestPublishedStepsMatchQuery(t *testing.T) {
	s := newStubs(happyPath())
	d, log := newDispatcher(t, s)
	pub := &lastPublished{byID: map[int64]domain.WorkflowStep{}}
	log.Notifier = pub
	d.Steps = log

	d.Run(context.Background(), claim)

	steps := stepsOf(t, log, claim.ClaimID)
	require.Len(t, pub.order, len(steps))
	for i, st := range steps {
		assert.Equal(t, st, pub.byID[pub.order[i]], "step %d", st.Ordinal)
	}
	assert.IsType(t, []any{}, steps[0].Details["available_agents"])
}
