package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncoding(t *testing.T) {
	assert.Equal(t, "matched|r:alice:1|alice|bob", MatchedFrame("r:alice:1", "alice", "bob"))
	assert.Equal(t, "ended|r:alice:1", EndedFrame("r:alice:1"))
}

func TestParseFrame(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    *Frame
		wantErr bool
	}{
		{
			name:    "matched",
			payload: "matched|r:alice:1|alice|bob",
			want:    &Frame{Kind: KindMatched, RoomID: "r:alice:1", Users: [2]string{"alice", "bob"}},
		},
		{
			name:    "ended",
			payload: "ended|r:alice:1",
			want:    &Frame{Kind: KindEnded, RoomID: "r:alice:1"},
		},
		{
			name:    "matched missing users",
			payload: "matched|r:alice:1",
			wantErr: true,
		},
		{
			name:    "ended with extra parts",
			payload: "ended|r:alice:1|bogus",
			wantErr: true,
		},
		{
			name:    "unknown kind",
			payload: "paired|r:alice:1",
			wantErr: true,
		},
		{
			name:    "empty",
			payload: "",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := ParseFrame(tc.payload)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, frame)
		})
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewRedisBroker(rdb)
	frames, err := b.Subscribe(ctx, "pubsub:presence")
	require.NoError(t, err)

	payload := MatchedFrame("r:alice:1", "alice", "bob")
	require.NoError(t, b.Publish(ctx, "pubsub:presence", payload))

	select {
	case got := <-frames:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestRedisBrokerSubscribeClosesOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())

	b := NewRedisBroker(rdb)
	frames, err := b.Subscribe(ctx, "pubsub:presence")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-frames:
		assert.False(t, open, "frame channel should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
