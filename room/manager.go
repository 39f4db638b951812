package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/NawaNapam/NawaNapam.dev/broker"
	"github.com/NawaNapam/NawaNapam.dev/metrics"
)

// Storage keys for the durable side of room teardown.
const (
	HistoryStreamKey = "stream:ended_rooms"
	RetryQueueKey    = "persist:retry"
)

// ErrNoRoom is returned when the room id does not name an active room:
// either it never existed or it was already finalized. Calling Finalize
// twice is expected and harmless; the second caller gets this.
var ErrNoRoom = errors.New("no-room")

// ParticipantMeta is the per-user metadata captured in the finalize snapshot.
type ParticipantMeta struct {
	Username string `json:"username"`
}

// Snapshot is the result of a successful finalize.
type Snapshot struct {
	RoomID       string                     `json:"roomId"`
	Participants [2]string                  `json:"participants"`
	PartsMeta    map[string]ParticipantMeta `json:"partsMeta"`
	StartedAt    int64                      `json:"startedAt"`
	FinalizedAt  int64                      `json:"finalizedAt"`
	State        string                     `json:"state"`
}

// finalizeScript tears down an active room in one indivisible step: it reads
// the room and both participants' usernames, deletes the room hash and flips
// both users back to available. Running it twice for the same room id is a
// NO_ROOM on the second run, which is what makes Finalize idempotent.
//
// The durable history append and the ended broadcast deliberately happen
// outside the script: once the state transition has committed, a failed
// history write must not undo the teardown, it goes to the retry queue
// instead.
//
// ARGV[1] room id, ARGV[2] now ms
var finalizeScript = redis.NewScript(`
local roomId = ARGV[1]
local rkey = "room:" .. roomId
local room = redis.call("HGETALL", rkey)
if #room == 0 then
  return {"err", "NO_ROOM"}
end

local u1, u2, createdAt, state = "", "", "", ""
for i = 1, #room, 2 do
  local f = room[i]
  local v = room[i + 1]
  if f == "u1" then u1 = v
  elseif f == "u2" then u2 = v
  elseif f == "createdAt" then createdAt = v
  elseif f == "state" then state = v end
end
if state ~= "active" then
  return {"err", "NO_ROOM"}
end

local n1 = redis.call("HGET", "user:" .. u1, "username")
local n2 = redis.call("HGET", "user:" .. u2, "username")
if n1 == false then n1 = "" end
if n2 == false then n2 = "" end

redis.call("DEL", rkey)
if redis.call("EXISTS", "user:" .. u1) == 1 then
  redis.call("HSET", "user:" .. u1, "status", "available", "currentRoom", "")
end
if redis.call("EXISTS", "user:" .. u2) == 1 then
  redis.call("HSET", "user:" .. u2, "status", "available", "currentRoom", "")
end

return {"ok", roomId, u1, u2, n1, n2, createdAt, ARGV[2]}
`)

// Manager owns room teardown: the atomic finalize step, the history stream,
// the failed-finalize retry queue and the ended broadcast.
type Manager struct {
	rdb     *redis.Client
	brk     broker.MessageBroker
	channel string
}

func NewManager(rdb *redis.Client, brk broker.MessageBroker, channel string) *Manager {
	return &Manager{rdb: rdb, brk: brk, channel: channel}
}

// retryRecord is what lands on the retry queue when a finalize side effect
// fails. An out-of-band reconciliation job consumes these.
type retryRecord struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
	At     int64  `json:"at"`
}

// Finalize atomically ends the room, then appends the history entry and
// broadcasts the ended frame. Returns ErrNoRoom for an unknown or already
// finalized room. If the history write fails after the atomic teardown has
// committed, the event is queued for reprocessing and the snapshot is still
// returned: the ending decision has already taken effect.
func (m *Manager) Finalize(ctx context.Context, roomID string, now time.Time) (*Snapshot, error) {
	raw, err := finalizeScript.Run(ctx, m.rdb, []string{}, roomID, now.UnixMilli()).Result()
	if err != nil {
		// Infrastructure failure: the teardown may or may not have happened.
		// Queue it so the reconciliation job can sort it out.
		m.pushRetry(ctx, roomID, err, now)
		return nil, fmt.Errorf("finalize script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) < 2 {
		return nil, fmt.Errorf("finalize script: unexpected reply %v", raw)
	}
	if reply[0] == "err" {
		if reply[1] == "NO_ROOM" {
			return nil, ErrNoRoom
		}
		return nil, fmt.Errorf("finalize script: %v", reply[1])
	}
	if len(reply) < 8 {
		return nil, fmt.Errorf("finalize script: short ok reply %v", raw)
	}

	u1 := reply[2].(string)
	u2 := reply[3].(string)
	startedAt, _ := strconv.ParseInt(reply[6].(string), 10, 64)

	snapshot := &Snapshot{
		RoomID:       roomID,
		Participants: [2]string{u1, u2},
		PartsMeta: map[string]ParticipantMeta{
			u1: {Username: reply[4].(string)},
			u2: {Username: reply[5].(string)},
		},
		StartedAt:   startedAt,
		FinalizedAt: now.UnixMilli(),
		State:       "ended",
	}

	if err := m.appendHistory(ctx, snapshot); err != nil {
		log.Printf("History write failed for room %s, queued for retry: %v", roomID, err)
		m.pushRetry(ctx, roomID, err, now)
	}

	// Broadcast failure must not fail the finalize; other instances only
	// lose a log line today.
	if err := m.brk.Publish(ctx, m.channel, broker.EndedFrame(roomID)); err != nil {
		log.Printf("Failed to broadcast ended frame for room %s: %v", roomID, err)
	} else {
		metrics.BrokerMessagesPublished.WithLabelValues(m.brk.Type()).Inc()
	}

	metrics.RoomsFinalized.Inc()
	return snapshot, nil
}

// appendHistory writes the immutable room history entry.
func (m *Manager) appendHistory(ctx context.Context, s *Snapshot) error {
	return m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: HistoryStreamKey,
		Values: map[string]interface{}{
			"roomId":      s.RoomID,
			"u1":          s.Participants[0],
			"u2":          s.Participants[1],
			"startedAt":   strconv.FormatInt(s.StartedAt, 10),
			"finalizedAt": strconv.FormatInt(s.FinalizedAt, 10),
			"state":       s.State,
		},
	}).Err()
}

func (m *Manager) pushRetry(ctx context.Context, roomID string, cause error, now time.Time) {
	payload, err := json.Marshal(retryRecord{
		RoomID: roomID,
		Error:  cause.Error(),
		At:     now.UnixMilli(),
	})
	if err != nil {
		log.Printf("Failed to marshal retry record for room %s: %v", roomID, err)
		return
	}
	if err := m.rdb.LPush(ctx, RetryQueueKey, payload).Err(); err != nil {
		// Nothing left to do but log: both the primary path and the retry
		// queue are down.
		log.Printf("Failed to push retry record for room %s: %v", roomID, err)
		return
	}
	metrics.FinalizeRetries.Inc()
}
