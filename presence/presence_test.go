package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb, NewRegistry(rdb, 30*time.Second)
}

func TestRegisterCreatesRecordAndIndexes(t *testing.T) {
	_, rdb, registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "alice", "conn-1", "Alice"))

	rec, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusAvailable, rec.Status)
	assert.Equal(t, "conn-1", rec.ConnID)
	assert.Equal(t, "Alice", rec.Username)
	assert.Empty(t, rec.CurrentRoom)
	assert.Greater(t, rec.LastSeen, int64(0))

	isMember, err := rdb.SIsMember(ctx, AvailableSetKey, "alice").Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	score, err := rdb.ZScore(ctx, AvailableZSetKey, "alice").Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(rec.LastSeen), score, 1000)
}

func TestRegisterIsIdempotent(t *testing.T) {
	_, _, registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "alice", "conn-1", "Alice"))
	// Reconnect with a new connection id.
	require.NoError(t, registry.Register(ctx, "alice", "conn-2", "Alice"))

	rec, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "conn-2", rec.ConnID)
	assert.Equal(t, StatusAvailable, rec.Status)
}

func TestRecordExpiresWithoutHeartbeat(t *testing.T) {
	mr, _, registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "alice", "conn-1", "Alice"))

	mr.FastForward(31 * time.Second)

	rec, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRefreshLivenessExtendsTTL(t *testing.T) {
	mr, _, registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "alice", "conn-1", "Alice"))

	mr.FastForward(20 * time.Second)
	require.NoError(t, registry.RefreshLiveness(ctx, "alice", "conn-9"))
	mr.FastForward(20 * time.Second)

	// 40 seconds elapsed in total, but the heartbeat reset the TTL.
	rec, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "conn-9", rec.ConnID)
}

func TestMarkOfflineKeepsRecord(t *testing.T) {
	_, _, registry := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "alice", "conn-1", "Alice"))
	require.NoError(t, registry.MarkOffline(ctx, "alice"))

	rec, err := registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestGetMissingUser(t *testing.T) {
	_, _, registry := newTestRegistry(t)

	rec, err := registry.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
