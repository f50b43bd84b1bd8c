package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"claimline/internal/domain"
)

// InsertDecision records a final decision for audit. A missing ID is generated.
func (r Repo) InsertDecision(ctx context.Context, d domain.Decision) (domain.Decision, error) {
	if d.ClaimID == "" {
		return d, errors.New("claim_id required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DecidedAt == "" {
		d.DecidedAt = r.now()
	}
	verdicts := d.Verdicts
	if verdicts == nil {
		verdicts = []domain.Verdict{}
	}
	data, err := json.Marshal(verdicts)
	if err != nil {
		return d, fmt.Errorf("marshal verdicts: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO decisions(id,claim_id,session_id,outcome,reasoning,error_kind,verdicts_json,decided_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ClaimID, nullable(d.SessionID), d.Outcome, d.Reasoning, nullable(string(d.ErrorKind)), string(data), d.DecidedAt)
	return d, err
}

// ListDecisions returns decisions newest first, optionally for a single claim.
func (r Repo) ListDecisions(ctx context.Context, claimID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,claim_id,session_id,outcome,reasoning,error_kind,verdicts_json,decided_at FROM decisions`
	var args []any
	if claimID != "" {
		query += ` WHERE claim_id=?`
		args = append(args, claimID)
	}
	query += ` ORDER BY decided_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var session, kind sql.NullString
		var verdicts string
		if err := rows.Scan(&d.ID, &d.ClaimID, &session, &d.Outcome, &d.Reasoning, &kind, &verdicts, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.SessionID = session.String
		d.ErrorKind = domain.ErrorKind(kind.String)
		if err := json.Unmarshal([]byte(verdicts), &d.Verdicts); err != nil {
			return nil, fmt.Errorf("decode verdicts: %w", err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
