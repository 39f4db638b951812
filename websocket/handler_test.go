package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NawaNapam/NawaNapam.dev/broker"
	"github.com/NawaNapam/NawaNapam.dev/config"
	"github.com/NawaNapam/NawaNapam.dev/pairing"
	"github.com/NawaNapam/NawaNapam.dev/presence"
	"github.com/NawaNapam/NawaNapam.dev/room"
)

type gatewayFixture struct {
	srv      *httptest.Server
	rdb      *redis.Client
	registry *presence.Registry
	mr       *miniredis.Miniredis
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	registry := presence.NewRegistry(rdb, 30*time.Second)
	engine := pairing.NewEngine(rdb, 30000)
	brk := broker.NewRedisBroker(rdb)
	rooms := room.NewManager(rdb, brk, "pubsub:presence")
	manager := NewClientManager("test-instance")

	wsCfg := &config.WebSocketConfig{
		MaxConnections:   100,
		MessageSizeLimit: 4096,
		HandshakeTimeout: 5,
		PingInterval:     25,
		ActivityTimeout:  60,
		WriteTimeout:     5,
		KeepAlive:        true,
	}
	authCfg := &config.AuthConfig{Enabled: false}

	h := NewHandler(manager, registry, engine, rooms, brk, nil, authCfg, wsCfg, "pubsub:presence")

	ctx, cancel := context.WithCancel(context.Background())
	go h.ListenForPresenceEvents(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rdb.Close()
	})

	return &gatewayFixture{srv: srv, rdb: rdb, registry: registry, mr: mr}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// awaitEvent reads until the wanted event arrives, skipping unrelated
// traffic (the connected banner, duplicate match:found deliveries).
func awaitEvent(t *testing.T, conn *websocket.Conn, want string) clientEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var ev clientEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %q", want)
		if ev.Event == want {
			return ev
		}
	}
	t.Fatalf("timed out waiting for event %q", want)
	return clientEvent{}
}

func decodeString(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestAuthRequiresUserID(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "auth", map[string]string{})
	ev := awaitEvent(t, conn, "auth:error")
	assert.Equal(t, "userId required", decodeString(t, ev.Data))
}

func TestMatchRequiresAuth(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "match:request", nil)
	ev := awaitEvent(t, conn, "match:error")
	assert.Equal(t, "not-authenticated", decodeString(t, ev.Data))
}

func TestSingleUserIsQueuedNotErrored(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "auth", AuthPayload{UserID: "alice", Username: "Alice"})
	awaitEvent(t, conn, "auth:ok")

	send(t, conn, "match:request", nil)
	awaitEvent(t, conn, "match:queued")
}

func TestUnknownEventIsIgnored(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "bogus:event", nil)

	// The connection must survive; a normal request still works.
	send(t, conn, "auth", AuthPayload{UserID: "alice"})
	awaitEvent(t, conn, "auth:ok")
}

func TestTwoClientsMatchAndFinalize(t *testing.T) {
	f := newGateway(t)
	connA := f.dial(t)
	connB := f.dial(t)

	send(t, connA, "auth", AuthPayload{UserID: "alice", Username: "Alice"})
	awaitEvent(t, connA, "auth:ok")
	send(t, connB, "auth", AuthPayload{UserID: "bob", Username: "Bob"})
	awaitEvent(t, connB, "auth:ok")

	send(t, connA, "match:request", nil)

	var foundA, foundB MatchFoundPayload
	evA := awaitEvent(t, connA, "match:found")
	require.NoError(t, json.Unmarshal(evA.Data, &foundA))
	evB := awaitEvent(t, connB, "match:found")
	require.NoError(t, json.Unmarshal(evB.Data, &foundB))

	// Both sides share one room and see each other.
	assert.Equal(t, foundA.RoomID, foundB.RoomID)
	assert.Equal(t, "bob", foundA.PeerID)
	assert.Equal(t, "Bob", foundA.PeerUsername)
	assert.Equal(t, "alice", foundB.PeerID)
	assert.Equal(t, "Alice", foundB.PeerUsername)

	// A matched user cannot start a second search.
	send(t, connB, "match:request", nil)
	ev := awaitEvent(t, connB, "match:error")
	assert.Equal(t, "already-in-room", decodeString(t, ev.Data))

	// Alice ends the room and receives the finalize snapshot.
	send(t, connA, "end:room", EndRoomPayload{RoomID: foundA.RoomID})
	evEnd := awaitEvent(t, connA, "end:ok")
	var snapshot room.Snapshot
	require.NoError(t, json.Unmarshal(evEnd.Data, &snapshot))
	assert.Equal(t, foundA.RoomID, snapshot.RoomID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, snapshot.Participants[:])
	assert.Equal(t, "ended", snapshot.State)

	// Ending again, from either side, is a harmless no-room.
	send(t, connB, "end:room", EndRoomPayload{RoomID: foundA.RoomID})
	evDup := awaitEvent(t, connB, "end:error")
	assert.Equal(t, "no-room", decodeString(t, evDup.Data))
}

func TestEndRoomRequiresRoomID(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "auth", AuthPayload{UserID: "alice"})
	awaitEvent(t, conn, "auth:ok")

	send(t, conn, "end:room", map[string]string{})
	ev := awaitEvent(t, conn, "end:error")
	assert.Equal(t, "roomId required", decodeString(t, ev.Data))
}

func TestStaleCandidateResolvesToQueued(t *testing.T) {
	f := newGateway(t)
	ctx := context.Background()

	// A candidate whose liveness is too old must never be handed out.
	require.NoError(t, f.registry.Register(ctx, "sleeper", "conn-x", "Sleeper"))
	old := time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, f.rdb.HSet(ctx, presence.UserKey("sleeper"), "lastSeen", old).Err())

	conn := f.dial(t)
	send(t, conn, "auth", AuthPayload{UserID: "alice"})
	awaitEvent(t, conn, "auth:ok")

	send(t, conn, "match:request", nil)
	awaitEvent(t, conn, "match:queued")
}

func TestDisconnectMarksPresenceOffline(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, "auth", AuthPayload{UserID: "alice"})
	awaitEvent(t, conn, "auth:ok")

	conn.Close()

	require.Eventually(t, func() bool {
		rec, err := f.registry.Get(context.Background(), "alice")
		return err == nil && rec != nil && rec.Status == presence.StatusOffline
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReauthAfterReconnect(t *testing.T) {
	f := newGateway(t)

	conn1 := f.dial(t)
	send(t, conn1, "auth", AuthPayload{UserID: "alice", Username: "Alice"})
	awaitEvent(t, conn1, "auth:ok")
	conn1.Close()

	// Wait for the offline flag, then reconnect with the same identity.
	require.Eventually(t, func() bool {
		rec, err := f.registry.Get(context.Background(), "alice")
		return err == nil && rec != nil && rec.Status == presence.StatusOffline
	}, 3*time.Second, 50*time.Millisecond)

	conn2 := f.dial(t)
	send(t, conn2, "auth", AuthPayload{UserID: "alice", Username: "Alice"})
	awaitEvent(t, conn2, "auth:ok")

	rec, err := f.registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, presence.StatusAvailable, rec.Status)
}
