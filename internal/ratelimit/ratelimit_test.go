package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeniesAfterLimit(t *testing.T) {
	m := NewMemory(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := m.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := m.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.ResetIn)

	other, err := m.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestMemoryWindowResets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(1, time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := m.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "k")
	assert.False(t, d.Allowed)

	now = now.Add(time.Minute)
	d, _ = m.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestRedisWindowKey(t *testing.T) {
	r := NewRedis(nil, 5, time.Minute)
	now := time.Unix(120, int64(15*time.Second))
	key, reset := r.windowKey("1.2.3.4", now)
	assert.Equal(t, "gw:ratelimit:1.2.3.4:2", key)
	assert.Equal(t, 45*time.Second, reset)
}

func TestRedisFailsOpenWhenUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	d, err := NewRedis(rdb, 1, time.Minute).Allow(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, d.Allowed)
}
