package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/migrate"
	"claimline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestClaimCRUD(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.GetClaim(ctx, "OP-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	claim := domain.Claim{ClaimID: "OP-1", CustomerName: "John Doe", BillAmount: 850, Category: "Outpatient", Diagnosis: "Type 2 diabetes"}
	if err := r.UpsertClaim(ctx, claim); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetClaim(ctx, "OP-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != "outpatient" || got.Status != "submitted" || got.BillAmount != 850 {
		t.Fatalf("unexpected claim: %+v", got)
	}
	if err := r.UpdateClaimStatus(ctx, "OP-1", "approved"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := r.UpdateClaimStatus(ctx, "OP-404", "approved"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on missing claim, got %v", err)
	}
	list, err := r.ListClaims(ctx, repo.ClaimFilters{Status: "approved"})
	if err != nil || len(list) != 1 {
		t.Fatalf("list approved: %v %v", list, err)
	}
}

func TestStepOrdinalsArePerClaim(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		for _, claim := range []string{"OP-1", "OP-2"} {
			if _, err := r.InsertStep(ctx, domain.WorkflowStep{ClaimID: claim, StepType: domain.StepDispatch, Status: domain.StepInProgress}); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}
	steps, err := r.StepsForClaim(ctx, "OP-2")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.ClaimID != "OP-2" {
			t.Fatalf("foreign step in list: %+v", s)
		}
		if s.Ordinal != int64(i+1) {
			t.Fatalf("expected ordinal %d, got %d", i+1, s.Ordinal)
		}
	}
}

func TestConcurrentAppendsAcrossClaims(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for c := 0; c < 4; c++ {
		claim := fmt.Sprintf("OP-%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := r.InsertStep(ctx, domain.WorkflowStep{ClaimID: claim, StepType: domain.StepResponse, Status: domain.StepCompleted}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert: %v", err)
	}
	for c := 0; c < 4; c++ {
		steps, err := r.StepsForClaim(ctx, fmt.Sprintf("OP-%d", c))
		if err != nil {
			t.Fatal(err)
		}
		if len(steps) != 10 || steps[9].Ordinal != 10 {
			t.Fatalf("claim %d: expected ordinals 1..10, got %d steps", c, len(steps))
		}
	}
}

func TestUpdateStepKeepsIdentity(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	step, err := r.InsertStep(ctx, domain.WorkflowStep{ClaimID: "OP-9", StepType: domain.StepDispatch, Status: domain.StepInProgress, AgentName: "intake_clarifier"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateStep(ctx, step.ID, domain.StepFailed, map[string]any{"error": "timeout"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetStep(ctx, step.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepFailed || got.Details["error"] != "timeout" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.Ordinal != step.Ordinal || got.Timestamp != step.Timestamp || got.AgentName != step.AgentName {
		t.Fatalf("identity changed: %+v vs %+v", got, step)
	}
	if _, err := r.UpdateStep(ctx, 9999, domain.StepFailed, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecentStepsCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := domain.FormatTime(base.Add(time.Duration(i) * time.Second))
		if _, err := r.InsertStep(ctx, domain.WorkflowStep{ClaimID: fmt.Sprintf("OP-%d", i%2), StepType: domain.StepDispatch, Status: domain.StepCompleted, Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := r.RecentSteps(ctx, 3, "", 0)
	if err != nil || len(page) != 3 {
		t.Fatalf("first page: %v %v", page, err)
	}
	if page[0].Timestamp <= page[1].Timestamp {
		t.Fatalf("expected newest first: %s %s", page[0].Timestamp, page[1].Timestamp)
	}
	last := page[len(page)-1]
	rest, err := r.RecentSteps(ctx, 3, last.Timestamp, last.ID)
	if err != nil || len(rest) != 2 {
		t.Fatalf("second page: %v %v", rest, err)
	}
}

func TestSessionsAndDecisions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.GetSession(ctx, "s1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	sess := domain.Session{SessionID: "s1", State: domain.StateAwaitingConfirmation, PendingClaimID: "OP-1",
		ClaimSnapshot: &domain.Claim{ClaimID: "OP-1", CustomerName: "Jane", BillAmount: 120.5, Category: "dental", Status: "submitted"}}
	if err := r.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := r.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimSnapshot == nil || *got.ClaimSnapshot != *sess.ClaimSnapshot {
		t.Fatalf("snapshot mismatch: %+v", got.ClaimSnapshot)
	}
	dec, err := r.InsertDecision(ctx, domain.Decision{ClaimID: "OP-1", Outcome: domain.Denied, Reasoning: "coverage: over limit",
		Verdicts: []domain.Verdict{{Stage: domain.StageCoverage, Outcome: domain.OutcomeFail, Reason: "over limit"}}})
	if err != nil || dec.ID == "" {
		t.Fatalf("insert decision: %v", err)
	}
	list, err := r.ListDecisions(ctx, "OP-1", 10)
	if err != nil || len(list) != 1 || list[0].Verdicts[0].Stage != domain.StageCoverage {
		t.Fatalf("list decisions: %+v %v", list, err)
	}
	removed, err := r.DeleteSession(ctx, "s1")
	if err != nil || !removed {
		t.Fatalf("delete: %v %v", removed, err)
	}
	removed, _ = r.DeleteSession(ctx, "s1")
	if removed {
		t.Fatalf("second delete should report false")
	}
}
