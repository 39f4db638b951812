package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/NawaNapam/NawaNapam.dev/presence"
)

// Outcome codes returned by Match. Everything except CodeOK is non-fatal:
// the client is expected to retry after a short jittered delay.
const (
	CodeOK           = "ok"
	CodeNoPeer       = "no-peer"
	CodeStalePeer    = "stale-peer"
	CodeNotAvailable = "not-available"
)

// Result of one pairing attempt.
type Result struct {
	Code   string
	PeerID string
	RoomID string
}

// claimScript is the heart of the service. It selects an eligible peer,
// removes both users from the availability index, flips both presence
// records to matched and creates the room hash in one indivisible step.
// Two instances racing to match different requesters can therefore never
// claim the same third party twice: whichever script runs second no longer
// sees the claimed user in the index.
//
// KEYS[1] availability set, KEYS[2] availability zset (score = time entered)
// ARGV[1] requester, ARGV[2] now ms, ARGV[3] stale ms, ARGV[4] room id
//
// Candidates are scanned oldest-first so the longest-waiting user is picked.
// Entries that are stale, offline or missing are evicted from the index in
// the same step rather than swept proactively.
var claimScript = redis.NewScript(`
local requester = ARGV[1]
local now = tonumber(ARGV[2])
local staleMs = tonumber(ARGV[3])
local roomId = ARGV[4]

local rkey = "user:" .. requester
local rstatus = redis.call("HGET", rkey, "status")
if rstatus ~= "available" then
  return {"err", "NOT_AVAILABLE"}
end

local sawStale = false
local pool = redis.call("ZRANGE", KEYS[2], 0, -1)
for i = 1, #pool do
  local cand = pool[i]
  if cand ~= requester then
    local ckey = "user:" .. cand
    local cstatus = redis.call("HGET", ckey, "status")
    local lastSeen = tonumber(redis.call("HGET", ckey, "lastSeen"))
    if cstatus ~= "available" or lastSeen == nil or (now - lastSeen) > staleMs then
      redis.call("SREM", KEYS[1], cand)
      redis.call("ZREM", KEYS[2], cand)
      sawStale = true
    else
      redis.call("SREM", KEYS[1], requester)
      redis.call("SREM", KEYS[1], cand)
      redis.call("ZREM", KEYS[2], requester)
      redis.call("ZREM", KEYS[2], cand)
      redis.call("HSET", rkey, "status", "matched", "currentRoom", roomId)
      redis.call("HSET", ckey, "status", "matched", "currentRoom", roomId)
      redis.call("HSET", "room:" .. roomId,
        "u1", requester, "u2", cand, "createdAt", ARGV[2], "state", "active")
      return {"ok", cand, roomId}
    end
  end
end

if sawStale then
  return {"err", "STALE_PEER"}
end
return {"err", "NO_PEER"}
`)

// Engine executes the atomic pairing operation.
type Engine struct {
	rdb     *redis.Client
	staleMs int64
}

func NewEngine(rdb *redis.Client, staleMs int64) *Engine {
	return &Engine{rdb: rdb, staleMs: staleMs}
}

// RoomID derives a unique room id from the requester and timestamp, so no
// coordination is needed to generate it.
func RoomID(requesterID string, now time.Time) string {
	return fmt.Sprintf("r:%s:%d", requesterID, now.UnixMilli())
}

// Match runs the claim script for the requester. It returns a Result with
// one of the outcome codes; an error is only returned for infrastructure
// failures (store unreachable, script execution failure).
func (e *Engine) Match(ctx context.Context, requesterID string, now time.Time) (*Result, error) {
	roomID := RoomID(requesterID, now)

	raw, err := claimScript.Run(ctx, e.rdb,
		[]string{presence.AvailableSetKey, presence.AvailableZSetKey},
		requesterID,
		now.UnixMilli(),
		e.staleMs,
		roomID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) < 2 {
		return nil, fmt.Errorf("claim script: unexpected reply %v", raw)
	}

	switch reply[0] {
	case "ok":
		if len(reply) < 3 {
			return nil, fmt.Errorf("claim script: short ok reply %v", raw)
		}
		return &Result{
			Code:   CodeOK,
			PeerID: reply[1].(string),
			RoomID: reply[2].(string),
		}, nil
	case "err":
		switch reply[1] {
		case "NO_PEER":
			return &Result{Code: CodeNoPeer}, nil
		case "STALE_PEER":
			return &Result{Code: CodeStalePeer}, nil
		case "NOT_AVAILABLE":
			return &Result{Code: CodeNotAvailable}, nil
		}
	}
	return nil, fmt.Errorf("claim script: unknown reply %v", raw)
}
