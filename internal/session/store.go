// Package session persists operator confirmation sessions.
package session

import (
	"context"
	"errors"

	"claimline/internal/domain"
	"claimline/internal/repo"
)

// ErrNotFound is returned by Get for unknown session ids.
var ErrNotFound = repo.ErrNotFound

// Store holds session state between operator messages. Only the engine writes to it.
type Store interface {
	Get(ctx context.Context, id string) (domain.Session, error)
	Save(ctx context.Context, s domain.Session) error
	Delete(ctx context.Context, id string) (bool, error)
}

// SQLStore keeps sessions in the workspace database.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Get(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.Repo.GetSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return sess, ErrNotFound
	}
	return sess, err
}

func (s SQLStore) Save(ctx context.Context, sess domain.Session) error {
	return s.Repo.SaveSession(ctx, sess)
}

func (s SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.Repo.DeleteSession(ctx, id)
}
