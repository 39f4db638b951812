package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Status values stored in the presence hash.
const (
	StatusAvailable = "available"
	StatusMatched   = "matched"
	StatusOffline   = "offline"
)

// Redis keys shared with the pairing and room scripts.
const (
	AvailableSetKey  = "available"
	AvailableZSetKey = "available_by_time"
)

// Record is one user's liveness state as stored in Redis. The hash is the
// source of truth; no server instance caches it.
type Record struct {
	UserID      string
	Status      string
	ConnID      string // websocket connection id on whichever instance holds it
	LastSeen    int64  // unix milliseconds
	Username    string
	CurrentRoom string
}

func UserKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Registry maintains presence records and the availability index.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRegistry(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

// Register upserts the presence record as available and enters the user into
// the availability index. Idempotent: re-authenticating simply refreshes the
// record, which is how reconnects work. Callers must wait for the error
// before acknowledging auth, so a client is never told "ok" before it is
// discoverable.
func (r *Registry) Register(ctx context.Context, userID, connID, username string) error {
	now := time.Now().UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, UserKey(userID), map[string]interface{}{
		"status":      StatusAvailable,
		"socketId":    connID,
		"lastSeen":    strconv.FormatInt(now, 10),
		"username":    username,
		"currentRoom": "",
	})
	pipe.SAdd(ctx, AvailableSetKey, userID)
	pipe.ZAdd(ctx, AvailableZSetKey, &redis.Z{Score: float64(now), Member: userID})
	pipe.Expire(ctx, UserKey(userID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register presence for %s: %w", userID, err)
	}
	return nil
}

// RefreshLiveness is the heartbeat path: bump lastSeen and the connection id,
// and push the TTL out again. Clients call this at an interval well below the
// TTL so an active session never expires.
func (r *Registry) RefreshLiveness(ctx context.Context, userID, connID string) error {
	now := time.Now().UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, UserKey(userID), map[string]interface{}{
		"lastSeen": strconv.FormatInt(now, 10),
		"socketId": connID,
	})
	pipe.Expire(ctx, UserKey(userID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh liveness for %s: %w", userID, err)
	}
	return nil
}

// MarkOffline flags the record on disconnect. The record itself is kept for
// its remaining TTL; the pairing script treats any non-available status as
// ineligible.
func (r *Registry) MarkOffline(ctx context.Context, userID string) error {
	return r.rdb.HSet(ctx, UserKey(userID), "status", StatusOffline).Err()
}

// Requeue re-enters a user into the availability index. Called defensively
// before a match request: a user who just finalized a room is available by
// status but no longer indexed.
func (r *Registry) Requeue(ctx context.Context, userID string, now int64) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, AvailableSetKey, userID)
	pipe.ZAdd(ctx, AvailableZSetKey, &redis.Z{Score: float64(now), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", userID, err)
	}
	return nil
}

// Get reads a presence record. A missing or expired record returns (nil, nil).
func (r *Registry) Get(ctx context.Context, userID string) (*Record, error) {
	fields, err := r.rdb.HGetAll(ctx, UserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastSeen, _ := strconv.ParseInt(fields["lastSeen"], 10, 64)
	return &Record{
		UserID:      userID,
		Status:      fields["status"],
		ConnID:      fields["socketId"],
		LastSeen:    lastSeen,
		Username:    fields["username"],
		CurrentRoom: fields["currentRoom"],
	}, nil
}
