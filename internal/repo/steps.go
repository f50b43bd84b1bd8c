package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"claimline/internal/domain"
)

const stepColumns = `id,claim_id,ordinal,step_type,status,ts,agent_name,details_json`

func scanStep(row interface{ Scan(...any) error }) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var agent, details sql.NullString
	if err := row.Scan(&s.ID, &s.ClaimID, &s.Ordinal, &s.StepType, &s.Status, &s.Timestamp, &agent, &details); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.AgentName = agent.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &s.Details); err != nil {
			return s, fmt.Errorf("decode step details: %w", err)
		}
	}
	return s, nil
}

// marshalDetails encodes details for storage and also returns the decoded form,
// which is exactly what a later read of the row produces.
func marshalDetails(details map[string]any) (any, map[string]any, error) {
	if len(details) == 0 {
		return nil, nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal step details: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, nil, fmt.Errorf("decode step details: %w", err)
	}
	return string(data), decoded, nil
}

// InsertStep stores a step, assigning the next ordinal for its claim in the same statement.
// ID and Ordinal on the input are ignored; the stored row is returned.
func (r Repo) InsertStep(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error) {
	if step.ClaimID == "" {
		return step, errors.New("claim_id required")
	}
	if step.Timestamp == "" {
		step.Timestamp = r.now()
	}
	details, decoded, err := marshalDetails(step.Details)
	if err != nil {
		return step, err
	}
	step.Details = decoded
	row := r.DB.QueryRowContext(ctx, `INSERT INTO workflow_steps(claim_id,ordinal,step_type,status,ts,agent_name,details_json)
VALUES (?,(SELECT COALESCE(MAX(ordinal),0)+1 FROM workflow_steps WHERE claim_id=?),?,?,?,?,?)
RETURNING id, ordinal`,
		step.ClaimID, step.ClaimID, step.StepType, step.Status, step.Timestamp, nullable(step.AgentName), details)
	if err := row.Scan(&step.ID, &step.Ordinal); err != nil {
		return step, err
	}
	return step, nil
}

// UpdateStep changes the mutable part of a step and returns the details as stored.
func (r Repo) UpdateStep(ctx context.Context, id int64, status domain.StepStatus, details map[string]any) (map[string]any, error) {
	encoded, decoded, err := marshalDetails(details)
	if err != nil {
		return nil, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_steps SET status=?, details_json=? WHERE id=?`, status, encoded, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return decoded, nil
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.WorkflowStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=?`, id))
}

// StepsForClaim returns one claim's steps in ordinal order.
func (r Repo) StepsForClaim(ctx context.Context, claimID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE claim_id=? ORDER BY ordinal ASC`, claimID)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

// RecentSteps returns steps across claims, newest first. The cursor is the (ts,id) of the last row seen.
func (r Repo) RecentSteps(ctx context.Context, limit int, cursorTS string, cursorID int64) ([]domain.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps`
	var args []any
	if cursorTS != "" {
		query += ` WHERE ts < ? OR (ts = ? AND id < ?)`
		args = append(args, cursorTS, cursorTS, cursorID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]domain.WorkflowStep, error) {
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
