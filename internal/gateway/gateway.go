// Package gateway reads claim records and writes back their final status.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"claimline/internal/domain"
	"claimline/internal/repo"
)

// ErrNotFound is wrapped by every ReadByID miss.
var ErrNotFound = fmt.Errorf("claim %w", repo.ErrNotFound)

// Gateway is the claim data collaborator. The core only reads through it,
// apart from one status write-back per terminal decision.
type Gateway interface {
	ReadByID(ctx context.Context, claimID string) (domain.Claim, error)
	UpdateStatus(ctx context.Context, claimID, status string) error
}

func notFound(op, claimID string) error {
	return &domain.Error{Kind: domain.KindNotFound, Op: op, Err: fmt.Errorf("%s: %w", claimID, ErrNotFound)}
}

// SQL serves claims from the local claims table.
type SQL struct {
	Repo repo.Repo
}

func (g SQL) ReadByID(ctx context.Context, claimID string) (domain.Claim, error) {
	c, err := g.Repo.GetClaim(ctx, strings.ToUpper(strings.TrimSpace(claimID)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return c, notFound("gateway.read", claimID)
		}
		return c, &domain.Error{Kind: domain.KindPersistence, Op: "gateway.read", Err: err}
	}
	return c, nil
}

func (g SQL) UpdateStatus(ctx context.Context, claimID, status string) error {
	if err := g.Repo.UpdateClaimStatus(ctx, claimID, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("gateway.update_status", claimID)
		}
		return &domain.Error{Kind: domain.KindPersistence, Op: "gateway.update_status", Err: err}
	}
	return nil
}
