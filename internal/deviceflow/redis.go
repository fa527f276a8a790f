package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "qwen:session:"
	claimPrefix   = "qwen:claim:"
)

// RedisStore implements the Store interface using Redis.
// Keys expire with the session, so abandoned flows clean themselves up.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// CheckHealth verifies Redis connectivity
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// SaveSession stores a session with expiration
func (s *RedisStore) SaveSession(ctx context.Context, sess *Session) error {
	// Calculate TTL based on expiry time
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session has already expired")
	}

	data, err := json.Marshal(newRecord(sess))
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	if err := s.client.Set(ctx, sessionPrefix+sess.DeviceCode, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session
func (s *RedisStore) GetSession(ctx context.Context, deviceCode string) (*Session, error) {
	rec, err := s.record(ctx, deviceCode)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.session(time.Now()), nil
}

// ClaimSession sets the claim key only if absent, with the session's remaining TTL
func (s *RedisStore) ClaimSession(ctx context.Context, deviceCode string) error {
	rec, err := s.record(ctx, deviceCode)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}

	ok, err := s.client.SetNX(ctx, claimPrefix+deviceCode, time.Now().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	if !ok {
		return ErrSessionClaimed
	}
	return nil
}

// DeleteSession removes a session and its claim atomically
func (s *RedisStore) DeleteSession(ctx context.Context, deviceCode string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+deviceCode)
	pipe.Del(ctx, claimPrefix+deviceCode)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *RedisStore) record(ctx context.Context, deviceCode string) (*sessionRecord, error) {
	data, err := s.client.Get(ctx, sessionPrefix+deviceCode).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &rec, nil
}
