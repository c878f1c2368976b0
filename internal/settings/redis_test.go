package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryKV struct {
	data   map[string]string
	setErr error
}

func (m *memoryKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if m.setErr != nil {
		return redis.NewStatusResult("", m.setErr)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func TestRedisPersisterRoundTrip(t *testing.T) {
	kv := &memoryKV{data: map[string]string{}}
	p := newRedisPersister(kv, "")

	_, err := p.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	s := Defaults().Apply(map[string]any{"history_max": 12, "aliases": map[string]any{"!a": "Roof"}})
	require.NoError(t, p.Save(context.Background(), s))
	assert.Contains(t, kv.data, DefaultRedisKey)

	store := NewStore(WithPersister(p))
	loaded := store.Load(context.Background())
	assert.Equal(t, 12, loaded.HistoryMax)
	assert.Equal(t, "Roof", loaded.Alias("!a"))
}

func TestRedisPersisterSetError(t *testing.T) {
	p := newRedisPersister(&memoryKV{data: map[string]string{}, setErr: errors.New("READONLY")}, "k")

	err := p.Save(context.Background(), Defaults())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}
