package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/go-redis/redis/v8"
)

const (
	DefaultAddr = "localhost:6379"
	DefaultTTL  = 24 * time.Hour
	keyPrefix   = "dishlens:"
)

// Store keeps guest state in Redis. Every write refreshes the key's TTL so
// abandoned devices age out.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger aqm.Logger
	config *aqm.Config
}

func NewStore(config *aqm.Config, logger aqm.Logger) *Store {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Store{config: config, logger: logger, ttl: DefaultTTL}
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, logger: aqm.NewNoopLogger()}
}

func (s *Store) Start(ctx context.Context) error {
	if s.client != nil {
		return s.client.Ping(ctx).Err()
	}

	addr := s.config.GetStringOrDef("redis.addr", DefaultAddr)
	password, _ := s.config.GetString("redis.password")
	db, err := strconv.Atoi(s.config.GetStringOrDef("redis.db", "0"))
	if err != nil {
		return fmt.Errorf("invalid redis.db: %w", err)
	}
	if raw, ok := s.config.GetString("store.ttl"); ok && raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid store.ttl: %w", err)
		}
		s.ttl = ttl
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("cannot ping Redis at %s: %w", addr, err)
	}

	s.client = client
	s.logger.Infof("Connected to Redis: %s, db: %d", addr, db)
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
