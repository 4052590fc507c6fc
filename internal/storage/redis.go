package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.SessionStore = (*RedisStore)(nil)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Retention time.Duration `yaml:"retention"` // how long ended sessions are kept
}

// RedisStore keeps one JSON document per session plus a set of the ids
// that are still running.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	log       *logger.Logger
}

// NewRedisStore connects to Redis and returns a session store.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", cfg.Addr, err)
	}

	s := NewRedisStoreWithClient(client, cfg, log)
	log.Info("redis session store connected to %s", cfg.Addr)
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, log *logger.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "safemate:session:"
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		retention: retention,
		log:       log,
	}
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

func (r *RedisStore) activeKey() string {
	return r.keyPrefix + "active"
}

// Save writes the session. Ended sessions expire after the retention period.
func (r *RedisStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}

	pipe := r.client.TxPipeline()
	if session.State.Terminal() {
		pipe.Set(ctx, r.key(session.ID), data, r.retention)
		pipe.SRem(ctx, r.activeKey(), session.ID)
	} else {
		pipe.Set(ctx, r.key(session.ID), data, 0)
		pipe.SAdd(ctx, r.activeKey(), session.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving session %s: %w", session.ID, err)
	}
	r.log.Debug("redis: saved session %s (state=%s)", session.ID, session.State)
	return nil
}

// Load retrieves a session by ID.
func (r *RedisStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(id))
	pipe.SRem(ctx, r.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if del.Val() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActive returns every session still in the active set.
func (r *RedisStore) ListActive(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching active sessions: %w", err)
	}

	out := make([]*domain.Session, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Document vanished between SMEMBERS and MGET.
			r.client.SRem(ctx, r.activeKey(), ids[i])
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			r.log.Warn("redis: skipping undecodable session %s: %v", ids[i], err)
			continue
		}
		if !s.State.Terminal() {
			out = append(out, &s)
		}
	}
	return out, nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
