package settings

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where settings live when no key is configured.
const DefaultRedisKey = "meshgate:settings"

// RedisConfig describes the Redis settings backend.
type RedisConfig struct {
	Address            string
	Username           string
	Password           string
	DB                 int
	Key                string
	TLSEnabled         bool
	InsecureSkipVerify bool
}

type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisPersister keeps the settings document under a single Redis key.
type RedisPersister struct {
	client kv
	key    string
	closer func() error
}

// NewRedisPersister dials Redis and checks the connection.
func NewRedisPersister(ctx context.Context, cfg RedisConfig) (*RedisPersister, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("settings: redis address must be provided")
	}

	opts := &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- operator opt-in for trusted networks.
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("settings: ping redis: %w", err)
	}

	p := newRedisPersister(client, cfg.Key)
	p.closer = client.Close
	return p, nil
}

func newRedisPersister(client kv, key string) *RedisPersister {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisPersister{client: client, key: key}
}

// Load fetches the document; a missing key reports ErrNotFound.
func (p *RedisPersister) Load(ctx context.Context) (map[string]any, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settings: redis get %s: %w", p.key, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings: parse redis value: %w", err)
	}
	return raw, nil
}

// Save stores the document without expiry.
func (p *RedisPersister) Save(ctx context.Context, s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("settings: redis set %s: %w", p.key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPersister) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
