package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"claimline/internal/domain"
)

const defaultSessionTTL = 24 * time.Hour

// RedisStore keeps each session as one JSON value with a sliding TTL.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewRedisStore(client *redis.Client, ttl time.Duration, tracer trace.Tracer) *RedisStore {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if tracer == nil {
		tracer = otel.Tracer("claimline/session")
	}
	return &RedisStore{redis: client, ttl: ttl, tracer: tracer}
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.get")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	var sess domain.Session
	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sess, ErrNotFound
		}
		span.RecordError(err)
		return sess, fmt.Errorf("session: failed to load %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		span.RecordError(err)
		return sess, fmt.Errorf("session: failed to decode %s: %w", id, err)
	}
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess domain.Session) error {
	ctx, span := s.tracer.Start(ctx, "session.save")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sess.SessionID), attribute.String("session.state", string(sess.State)))

	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal %s: %w", sess.SessionID, err)
	}
	if err := s.redis.Set(ctx, sessionKey(sess.SessionID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "session.delete")
	defer span.End()

	n, err := s.redis.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("session: failed to delete %s: %w", id, err)
	}
	return n > 0, nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("claimline:session:%s", id)
}
