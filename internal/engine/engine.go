package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"claimline/internal/domain"
	"claimline/internal/gateway"
	"claimline/internal/intent"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/session"
)

var (
	ErrSessionBusy = errors.New("session is processing a claim")
	ErrClaimBusy   = errors.New("claim is already being processed")
)

// ReplyKind tells the operator surface how to render a reply.
type ReplyKind string

const (
	ReplyPrompt    ReplyKind = "prompt"
	ReplyReprompt  ReplyKind = "reprompt"
	ReplyCancelled ReplyKind = "cancelled"
	ReplyDecision  ReplyKind = "decision"
	ReplyError     ReplyKind = "error"
)

type Reply struct {
	SessionID            string              `json:"session_id"`
	Kind                 ReplyKind           `json:"kind" enum:"prompt,reprompt,cancelled,decision,error"`
	Message              string              `json:"message"`
	State                domain.SessionState `json:"state"`
	ClaimID              string              `json:"claim_id,omitempty"`
	Claim                *domain.Claim       `json:"claim,omitempty"`
	Decision             *domain.Decision    `json:"decision,omitempty"`
	RequiresConfirmation bool                `json:"requires_confirmation"`
	ErrorKind            domain.ErrorKind    `json:"error_kind,omitempty"`
	Timestamp            string              `json:"timestamp" format:"date-time"`
}

// Status is the read-only view of a session.
type Status struct {
	SessionID           string              `json:"session_id"`
	State               domain.SessionState `json:"state"`
	PendingClaimID      string              `json:"pending_claim_id,omitempty"`
	PendingConfirmation bool                `json:"pending_confirmation"`
	Claim               *domain.Claim       `json:"claim,omitempty"`
	LastDecision        *domain.Decision    `json:"last_decision,omitempty"`
	UpdatedAt           string              `json:"updated_at,omitempty"`
}

// Runner executes the evaluator pipeline for a confirmed claim.
type Runner interface {
	Run(ctx context.Context, claim domain.Claim) domain.Decision
}

// DecisionStore keeps the decision audit trail.
type DecisionStore interface {
	InsertDecision(ctx context.Context, d domain.Decision) (domain.Decision, error)
}

// Engine is the confirmation state machine. It is the only writer of sessions
// and allows one pipeline per claim at a time across all sessions.
type Engine struct {
	Parser        *intent.Parser
	Gateway       gateway.Gateway
	Sessions      session.Store
	Pipeline      Runner
	Decisions     DecisionStore
	Logger        *logging.Logger
	Metrics       *metrics.WorkflowMetrics
	Now           func() time.Time
	StatusTimeout time.Duration

	mu         sync.Mutex
	locks      map[string]*sessionLock
	inFlight   map[string]string
	processing map[string]struct{}
	wg         sync.WaitGroup
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.Default()
	}
	return e.Logger
}

func (e *Engine) parser() *intent.Parser {
	if e.Parser == nil {
		return intent.NewParser(intent.DefaultPrefixes)
	}
	return e.Parser
}

// HandleMessage advances sessionID by one operator message. The reply is always
// usable; a non-nil error carries the kind for transports that map it to a status.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	in := e.parser().Classify(text)

	lock := e.lockSession(sessionID)
	defer e.unlockSession(sessionID, lock)

	sess, err := e.load(ctx, sessionID)
	if err != nil {
		return e.fail(sessionID, domain.StateIdle, in, err)
	}

	var reply Reply
	switch {
	case sess.State == domain.StateProcessing && e.isProcessing(sessionID):
		reply, err = e.reply(sess, ReplyError, "Still processing claim "+sess.PendingClaimID+". Please wait for the decision."),
			&domain.Error{Kind: domain.KindSessionBusy, Op: "engine.message", Err: ErrSessionBusy}
		reply.ErrorKind = domain.KindSessionBusy
	case sess.State == domain.StateAwaitingConfirmation, sess.State == domain.StateProcessing:
		// processing without a live pipeline means the process restarted mid-run
		sess.State = domain.StateAwaitingConfirmation
		reply, err = e.handleAwaiting(ctx, &sess, in, &lock.Mutex)
	default:
		reply, err = e.handleIdle(ctx, &sess, in)
	}
	e.Metrics.ObserveMessage(in.Kind.String(), string(reply.Kind))
	return reply, err
}

func (e *Engine) handleIdle(ctx context.Context, sess *domain.Session, in intent.Intent) (Reply, error) {
	restarted := sess.State != domain.StateIdle
	if restarted {
		sess.State = domain.StateIdle
		sess.PendingClaimID = ""
		sess.ClaimSnapshot = nil
	}
	if in.Kind != intent.ClaimRequest {
		if restarted {
			if err := e.save(ctx, sess); err != nil {
				return e.fail(sess.SessionID, sess.State, in, err)
			}
		}
		reply := e.reply(*sess, ReplyError, helpText(sess.SessionID))
		reply.ErrorKind = domain.KindParse
		return reply, &domain.Error{Kind: domain.KindParse, Op: "engine.message", Err: errors.New("no claim id in message")}
	}

	claim, err := e.Gateway.ReadByID(ctx, in.ClaimID)
	if err != nil {
		if restarted {
			if serr := e.save(ctx, sess); serr != nil {
				e.logger().Warn("engine: session reset not saved", "session_id", sess.SessionID, "err", serr)
			}
		}
		if domain.KindOf(err) == domain.KindNotFound {
			reply := e.reply(*sess, ReplyError, fmt.Sprintf("Claim %s was not found. Please check the claim id and try again.", in.ClaimID))
			reply.ClaimID = in.ClaimID
			reply.ErrorKind = domain.KindNotFound
			return reply, err
		}
		return e.fail(sess.SessionID, sess.State, in, err)
	}

	sess.State = domain.StateAwaitingConfirmation
	sess.PendingClaimID = claim.ClaimID
	sess.ClaimSnapshot = &claim
	if err := e.save(ctx, sess); err != nil {
		return e.fail(sess.SessionID, domain.StateIdle, in, err)
	}
	e.logger().Info("engine: awaiting confirmation", "session_id", sess.SessionID, "claim_id", claim.ClaimID)
	reply := e.reply(*sess, ReplyPrompt, confirmationPrompt(claim))
	reply.RequiresConfirmation = true
	return reply, nil
}

func (e *Engine) handleAwaiting(ctx context.Context, sess *domain.Session, in intent.Intent, lock *sync.Mutex) (Reply, error) {
	switch in.Kind {
	case intent.Confirm:
		return e.confirm(ctx, sess, lock)
	case intent.Cancel:
		claimID := sess.PendingClaimID
		sess.State = domain.StateCancelled
		sess.PendingClaimID = ""
		sess.ClaimSnapshot = nil
		if err := e.save(ctx, sess); err != nil {
			return e.fail(sess.SessionID, domain.StateAwaitingConfirmation, in, err)
		}
		e.logger().Info("engine: cancelled", "session_id", sess.SessionID, "claim_id", claimID)
		reply := e.reply(*sess, ReplyCancelled, fmt.Sprintf("Processing of claim %s has been cancelled.", claimID))
		reply.ClaimID = claimID
		return reply, nil
	}
	// Anything else leaves the session untouched.
	reply := e.reply(*sess, ReplyReprompt, repromptText(sess.PendingClaimID))
	reply.RequiresConfirmation = true
	reply.ErrorKind = domain.KindConfirmationAmbiguous
	return reply, nil
}

// confirm releases the session lock while the pipeline runs so other messages
// for the session observe processing and get SessionBusy.
func (e *Engine) confirm(ctx context.Context, sess *domain.Session, lock *sync.Mutex) (Reply, error) {
	in := intent.Intent{Kind: intent.Confirm}
	claimID := sess.PendingClaimID
	if sess.ClaimSnapshot == nil || claimID == "" {
		sess.State = domain.StateIdle
		if err := e.save(ctx, sess); err != nil {
			return e.fail(sess.SessionID, domain.StateIdle, in, err)
		}
		return e.handleIdle(ctx, sess, in)
	}
	if owner, ok := e.acquireClaim(claimID, sess.SessionID); !ok {
		e.logger().Warn("engine: claim already in flight", "claim_id", claimID, "session_id", sess.SessionID, "owner", owner)
		reply := e.reply(*sess, ReplyError, fmt.Sprintf("Claim %s is already being processed. Please try again once it completes.", claimID))
		reply.RequiresConfirmation = true
		reply.ErrorKind = domain.KindClaimBusy
		return reply, &domain.Error{Kind: domain.KindClaimBusy, Op: "engine.confirm", Err: ErrClaimBusy}
	}
	sess.State = domain.StateProcessing
	if err := e.save(ctx, sess); err != nil {
		e.releaseClaim(claimID)
		sess.State = domain.StateAwaitingConfirmation
		return e.fail(sess.SessionID, domain.StateAwaitingConfirmation, in, err)
	}
	e.setProcessing(sess.SessionID, true)

	snapshot := *sess.ClaimSnapshot
	lock.Unlock()
	decision := e.Pipeline.Run(ctx, snapshot)
	lock.Lock()

	e.setProcessing(sess.SessionID, false)
	e.releaseClaim(claimID)

	decision.SessionID = sess.SessionID
	if e.Decisions != nil {
		stored, err := e.Decisions.InsertDecision(context.WithoutCancel(ctx), decision)
		if err != nil {
			e.Metrics.ObservePersistenceError("decision")
			e.logger().Warn("engine: decision not recorded", "claim_id", claimID, "err", err)
		} else {
			decision = stored
		}
	}
	sess.State = decision.Outcome.SessionState()
	sess.PendingClaimID = ""
	sess.ClaimSnapshot = nil
	sess.LastDecision = &decision
	if err := e.save(context.WithoutCancel(ctx), sess); err != nil {
		e.logger().Warn("engine: terminal session state not saved", "session_id", sess.SessionID, "err", err)
	}
	e.writeBack(claimID, decision.Outcome.ClaimStatus())

	reply := e.reply(*sess, ReplyDecision, decisionText(decision))
	reply.ClaimID = claimID
	reply.Claim = &snapshot
	reply.Decision = &decision
	reply.ErrorKind = decision.ErrorKind
	return reply, nil
}

// writeBack updates the claim status without holding up the reply.
func (e *Engine) writeBack(claimID, status string) {
	timeout := e.StatusTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.Gateway.UpdateStatus(ctx, claimID, status); err != nil {
			e.logger().Warn("engine: claim status write-back failed", "claim_id", claimID, "status", status, "err", err)
			return
		}
		e.logger().Debug("engine: claim status updated", "claim_id", claimID, "status", status)
	}()
}

// SessionStatus returns the session view. Unknown sessions report idle.
func (e *Engine) SessionStatus(ctx context.Context, sessionID string) (Status, error) {
	sess, err := e.load(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		SessionID:           sess.SessionID,
		State:               sess.State,
		PendingClaimID:      sess.PendingClaimID,
		PendingConfirmation: sess.State == domain.StateAwaitingConfirmation,
		Claim:               sess.ClaimSnapshot,
		LastDecision:        sess.LastDecision,
		UpdatedAt:           sess.UpdatedAt,
	}, nil
}

// CleanupSession forgets a session. A session with a running pipeline cannot be dropped.
func (e *Engine) CleanupSession(ctx context.Context, sessionID string) (bool, error) {
	if e.isProcessing(sessionID) {
		return false, &domain.Error{Kind: domain.KindSessionBusy, Op: "engine.cleanup", Err: ErrSessionBusy}
	}
	lock := e.lockSession(sessionID)
	defer e.unlockSession(sessionID, lock)
	// a confirm may have started its pipeline while we waited for the lock
	if e.isProcessing(sessionID) {
		return false, &domain.Error{Kind: domain.KindSessionBusy, Op: "engine.cleanup", Err: ErrSessionBusy}
	}
	removed, err := e.Sessions.Delete(ctx, sessionID)
	if err != nil {
		return false, &domain.Error{Kind: domain.KindPersistence, Op: "engine.cleanup", Err: err}
	}
	return removed, nil
}

// InFlight lists claims with a running pipeline.
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		out = append(out, id)
	}
	return out
}

// Wait blocks until pending status write-backs finish or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) load(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := e.Sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		now := domain.FormatTime(e.now())
		return domain.Session{SessionID: sessionID, State: domain.StateIdle, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return sess, &domain.Error{Kind: domain.KindPersistence, Op: "engine.load_session", Err: err}
	}
	if sess.State == "" {
		sess.State = domain.StateIdle
	}
	return sess, nil
}

func (e *Engine) save(ctx context.Context, sess *domain.Session) error {
	sess.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Sessions.Save(ctx, *sess); err != nil {
		e.Metrics.ObservePersistenceError("session")
		return &domain.Error{Kind: domain.KindPersistence, Op: "engine.save_session", Err: err}
	}
	return nil
}

func (e *Engine) reply(sess domain.Session, kind ReplyKind, msg string) Reply {
	return Reply{
		SessionID: sess.SessionID,
		Kind:      kind,
		Message:   msg,
		State:     sess.State,
		ClaimID:   sess.PendingClaimID,
		Claim:     sess.ClaimSnapshot,
		Timestamp: domain.FormatTime(e.now()),
	}
}

func (e *Engine) fail(sessionID string, state domain.SessionState, in intent.Intent, err error) (Reply, error) {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindPersistence
	}
	e.logger().Error("engine: message failed", "session_id", sessionID, "intent", in.Kind.String(), "err", err)
	return Reply{
		SessionID: sessionID,
		Kind:      ReplyError,
		Message:   "The request could not be completed. Please try again.",
		State:     state,
		ClaimID:   in.ClaimID,
		ErrorKind: kind,
		Timestamp: domain.FormatTime(e.now()),
	}, err
}

// sessionLock serializes one session. refs counts holders and waiters so the
// entry can be dropped once nobody needs it.
type sessionLock struct {
	sync.Mutex
	refs int
}

func (e *Engine) lockSession(id string) *sessionLock {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sessionLock)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sessionLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.Lock()
	return l
}

func (e *Engine) unlockSession(id string, l *sessionLock) {
	l.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	l.refs--
	if l.refs == 0 && e.locks[id] == l {
		delete(e.locks, id)
	}
}

func (e *Engine) acquireClaim(claimID, sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight == nil {
		e.inFlight = make(map[string]string)
	}
	if owner, ok := e.inFlight[claimID]; ok {
		return owner, false
	}
	e.inFlight[claimID] = sessionID
	return sessionID, true
}

func (e *Engine) releaseClaim(claimID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, claimID)
}

func (e *Engine) setProcessing(sessionID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processing == nil {
		e.processing = make(map[string]struct{})
	}
	if on {
		e.processing[sessionID] = struct{}{}
		return
	}
	delete(e.processing, sessionID)
}

func (e *Engine) isProcessing(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processing[sessionID]
	return ok
}
