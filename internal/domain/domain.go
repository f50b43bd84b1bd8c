package domain

import "time"

type Claim struct {
	ClaimID      string  `json:"claim_id" yaml:"claim_id"`
	CustomerName string  `json:"customer_name" yaml:"customer_name"`
	BillAmount   float64 `json:"bill_amount" yaml:"bill_amount"`
	Category     string  `json:"category" yaml:"category" enum:"outpatient,inpatient,eye,dental,general"`
	Diagnosis    string  `json:"diagnosis,omitempty" yaml:"diagnosis"`
	Status       string  `json:"status" yaml:"status"`
	SubmitDate   string  `json:"submit_date,omitempty" yaml:"submit_date"`
}

// SessionState is the confirmation state of one operator session.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateProcessing           SessionState = "processing"
	StateApproved             SessionState = "terminal_approved"
	StateDenied               SessionState = "terminal_denied"
	StateCancelled            SessionState = "cancelled"
	StateNeedsReview          SessionState = "needs_review"
)

// Terminal reports whether the next message restarts the session from idle.
func (s SessionState) Terminal() bool {
	switch s {
	case StateApproved, StateDenied, StateCancelled, StateNeedsReview:
		return true
	}
	return false
}

type Session struct {
	SessionID      string       `json:"session_id"`
	State          SessionState `json:"state" enum:"idle,awaiting_confirmation,processing,terminal_approved,terminal_denied,cancelled,needs_review"`
	PendingClaimID string       `json:"pending_claim_id,omitempty"`
	ClaimSnapshot  *Claim       `json:"claim_snapshot,omitempty"`
	LastDecision   *Decision    `json:"last_decision,omitempty"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

type StepType string

const (
	StepDiscovery  StepType = "discovery"
	StepDispatch   StepType = "dispatch"
	StepResponse   StepType = "response"
	StepDecision   StepType = "decision"
	StepCompletion StepType = "completion"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

type WorkflowStep struct {
	ID        int64          `json:"id"`
	Ordinal   int64          `json:"ordinal"`
	ClaimID   string         `json:"claim_id"`
	StepType  StepType       `json:"step_type" enum:"discovery,dispatch,response,decision,completion"`
	Status    StepStatus     `json:"status" enum:"pending,in_progress,completed,failed"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	AgentName string         `json:"agent_name,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Stage names one evaluator in pipeline order.
type Stage string

const (
	StageCoverage Stage = "coverage"
	StageDocument Stage = "document"
	StageIntake   Stage = "intake"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageCoverage, StageDocument, StageIntake}

// AgentName is the evaluator name recorded on workflow steps.
func (s Stage) AgentName() string {
	switch s {
	case StageCoverage:
		return "coverage_rules_engine"
	case StageDocument:
		return "document_intelligence"
	case StageIntake:
		return "intake_clarifier"
	}
	return string(s)
}

type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// Verdict is one evaluator's result for a claim.
type Verdict struct {
	Stage           Stage          `json:"stage"`
	Outcome         Outcome        `json:"outcome" enum:"pass,fail,error"`
	Confidence      float64        `json:"confidence,omitempty"`
	Reason          string         `json:"reason"`
	ExtractedFields map[string]any `json:"extracted_fields,omitempty"`
	MaxAllowed      *float64       `json:"max_allowed,omitempty"`
	Mismatches      []string       `json:"mismatches,omitempty"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
}

type DecisionOutcome string

const (
	Approved          DecisionOutcome = "APPROVED"
	Denied            DecisionOutcome = "DENIED"
	NeedsManualReview DecisionOutcome = "NEEDS_MANUAL_REVIEW"
)

// SessionState maps a final decision onto the terminal session state.
func (d DecisionOutcome) SessionState() SessionState {
	switch d {
	case Approved:
		return StateApproved
	case Denied:
		return StateDenied
	}
	return StateNeedsReview
}

// ClaimStatus is the status written back to the claim gateway.
func (d DecisionOutcome) ClaimStatus() string {
	switch d {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	}
	return "manual_review"
}

type Decision struct {
	ID        string          `json:"id,omitempty"`
	ClaimID   string          `json:"claim_id"`
	Outcome   DecisionOutcome `json:"outcome" enum:"APPROVED,DENIED,NEEDS_MANUAL_REVIEW"`
	Reasoning string          `json:"reasoning"`
	Verdicts  []Verdict       `json:"verdicts"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	DecidedAt string          `json:"decided_at" format:"date-time"`
}

// Degraded reports whether the outcome came from an infrastructure failure rather than a verdict.
func (d Decision) Degraded() bool {
	return d.ErrorKind != ""
}

// TimestampLayout is fixed-width so stored timestamps sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC with TimestampLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
