package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"claimline/internal/domain"
)

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var pending, snapshot, last sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,state,pending_claim_id,snapshot_json,last_decision_json,created_at,updated_at
FROM sessions WHERE session_id=?`, id).Scan(&s.SessionID, &s.State, &pending, &snapshot, &last, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.PendingClaimID = pending.String
	if snapshot.Valid && snapshot.String != "" {
		var c domain.Claim
		if err := json.Unmarshal([]byte(snapshot.String), &c); err != nil {
			return s, fmt.Errorf("decode claim snapshot: %w", err)
		}
		s.ClaimSnapshot = &c
	}
	if last.Valid && last.String != "" {
		var d domain.Decision
		if err := json.Unmarshal([]byte(last.String), &d); err != nil {
			return s, fmt.Errorf("decode last decision: %w", err)
		}
		s.LastDecision = &d
	}
	return s, nil
}

// SaveSession upserts the whole session row.
func (r Repo) SaveSession(ctx context.Context, s domain.Session) error {
	var snapshot, last any
	if s.ClaimSnapshot != nil {
		data, err := json.Marshal(s.ClaimSnapshot)
		if err != nil {
			return fmt.Errorf("marshal claim snapshot: %w", err)
		}
		snapshot = string(data)
	}
	if s.LastDecision != nil {
		data, err := json.Marshal(s.LastDecision)
		if err != nil {
			return fmt.Errorf("marshal last decision: %w", err)
		}
		last = string(data)
	}
	if s.CreatedAt == "" {
		s.CreatedAt = r.now()
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = s.CreatedAt
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(session_id,state,pending_claim_id,snapshot_json,last_decision_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET state=excluded.state, pending_claim_id=excluded.pending_claim_id,
snapshot_json=excluded.snapshot_json, last_decision_json=excluded.last_decision_json, updated_at=excluded.updated_at`,
		s.SessionID, s.State, nullable(s.PendingClaimID), snapshot, last, s.CreatedAt, s.UpdatedAt)
	return err
}

// DeleteSession reports whether a row was removed.
func (r Repo) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE session_id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
