package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"claimline/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Repo) now() string {
	if r.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(r.Now())
}

func scanClaim(row interface{ Scan(...any) error }) (domain.Claim, error) {
	var c domain.Claim
	var diagnosis, submitDate sql.NullString
	if err := row.Scan(&c.ClaimID, &c.CustomerName, &c.BillAmount, &c.Category, &diagnosis, &c.Status, &submitDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	c.Diagnosis = diagnosis.String
	c.SubmitDate = submitDate.String
	return c, nil
}

const claimColumns = `claim_id,customer_name,bill_amount,category,diagnosis,status,submit_date`

// UpsertClaim inserts or replaces a claim record.
func (r Repo) UpsertClaim(ctx context.Context, c domain.Claim) error {
	if strings.TrimSpace(c.ClaimID) == "" {
		return errors.New("claim_id required")
	}
	if c.Status == "" {
		c.Status = "submitted"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO claims(`+claimColumns+`,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(claim_id) DO UPDATE SET customer_name=excluded.customer_name, bill_amount=excluded.bill_amount,
category=excluded.category, diagnosis=excluded.diagnosis, status=excluded.status, submit_date=excluded.submit_date,
updated_at=excluded.updated_at`,
		c.ClaimID, c.CustomerName, c.BillAmount, strings.ToLower(c.Category), nullable(c.Diagnosis), c.Status, nullable(c.SubmitDate), r.now())
	return err
}

func (r Repo) GetClaim(ctx context.Context, claimID string) (domain.Claim, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_id=?`, claimID)
	return scanClaim(row)
}

func (r Repo) UpdateClaimStatus(ctx context.Context, claimID, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE claims SET status=?, updated_at=? WHERE claim_id=?`, status, r.now(), claimID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type ClaimFilters struct {
	Status   string
	Category string
	Limit    int
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, strings.ToLower(f.Category))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE %s ORDER BY claim_id LIMIT ?`, claimColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
