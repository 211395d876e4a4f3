package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kawayip/church-sub001/pkg/config"
)

// setupRedisClientTest creates a miniredis instance and returns a connected client
func setupRedisClientTest(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewRedisClient(context.Background(), config.RedisConfig{
		URL:        "redis://" + mr.Addr(),
		PoolSize:   5,
		MaxRetries: 1,
	})
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestNewRedisClient_Errors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "not a url"})
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(context.Background(), config.RedisConfig{URL: "redis://" + addr})
	assert.Error(t, err)
}

type cachedSummary struct {
	TotalSessions int64 `json:"totalSessions"`
}

func TestRedisClient_JSONRoundTrip(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	var got cachedSummary
	hit, err := client.GetJSON(ctx, "dashboard:30", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, client.SetJSON(ctx, "dashboard:30", cachedSummary{TotalSessions: 12}, time.Minute))
	hit, err = client.GetJSON(ctx, "dashboard:30", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(12), got.TotalSessions)

	mr.FastForward(2 * time.Minute)
	hit, err = client.GetJSON(ctx, "dashboard:30", &got)
	require.NoError(t, err)
	assert.False(t, hit, "entry should expire with its ttl")
}

func TestRedisClient_CorruptEntryDeleted(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	require.NoError(t, mr.Set("dashboard:7", "{not json"))

	var got cachedSummary
	hit, err := client.GetJSON(context.Background(), "dashboard:7", &got)
	assert.Error(t, err)
	assert.False(t, hit)
	assert.False(t, mr.Exists("dashboard:7"))
}

func TestRedisClient_Delete(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, client.Delete(context.Background(), "a"))
	assert.False(t, mr.Exists("a"))
}

func TestRedisClient_IncrWindow(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	count, ttl, err := client.IncrWindow(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)

	count, _, err = client.IncrWindow(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	mr.FastForward(61 * time.Second)
	count, _, err = client.IncrWindow(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "window should restart after expiry")
}

func TestRedisClient_PingAndClient(t *testing.T) {
	client, _ := setupRedisClientTest(t)
	assert.NoError(t, client.Ping(context.Background()))
	assert.NotNil(t, client.Client())
}
