package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NawaNapam/NawaNapam.dev/broker"
	"github.com/NawaNapam/NawaNapam.dev/config"
	"github.com/NawaNapam/NawaNapam.dev/metrics"
	"github.com/NawaNapam/NawaNapam.dev/pairing"
	"github.com/NawaNapam/NawaNapam.dev/presence"
	"github.com/NawaNapam/NawaNapam.dev/room"
)

// Upgrader for websocket connections
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is the client-to-server wire format: an event name plus payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-to-server payloads.
type AuthPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type EndRoomPayload struct {
	RoomID string `json:"roomId"`
}

// MatchFoundPayload is delivered to both sides of a successful pairing.
type MatchFoundPayload struct {
	PeerID       string `json:"peerId"`
	PeerUsername string `json:"peerUsername,omitempty"`
	RoomID       string `json:"roomId"`
}

type eventHandler func(ctx context.Context, s *ClientSession, data json.RawMessage)

// Handler is the connection gateway: it owns the upgrade endpoint and the
// per-event dispatch table. Handlers are small adapters from (session,
// payload) to the presence registry, pairing engine and room manager.
type Handler struct {
	manager      *ClientManager
	registry     *presence.Registry
	engine       *pairing.Engine
	rooms        *room.Manager
	brk          broker.MessageBroker
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	channel      string
	dispatch     map[string]eventHandler
}

// NewHandler wires the gateway. Multiple independent handlers can exist in
// one process (there is no package-level server state), which is how the
// tests run several instances side by side.
func NewHandler(
	manager *ClientManager,
	registry *presence.Registry,
	engine *pairing.Engine,
	rooms *room.Manager,
	brk broker.MessageBroker,
	jwtValidator *JWTValidator,
	authConfig *config.AuthConfig,
	wsConfig *config.WebSocketConfig,
	channel string,
) *Handler {
	h := &Handler{
		manager:      manager,
		registry:     registry,
		engine:       engine,
		rooms:        rooms,
		brk:          brk,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
		channel:      channel,
	}
	h.dispatch = map[string]eventHandler{
		"auth":          h.handleAuth,
		"heartbeat":     h.handleHeartbeat,
		"match:request": h.handleMatchRequest,
		"end:room":      h.handleEndRoom,
	}
	return h
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims
	var err error

	// Optional handshake gate: when enabled, the external auth service's
	// token must be presented before the socket is accepted.
	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	session := NewClientSession(connID, conn, h.wsConfig, claims)
	session.StartTimers()
	h.manager.AddClient(session)
	defer h.cleanup(session)

	conn.SetPongHandler(session.GetPongHandler())
	conn.SetReadLimit(h.wsConfig.MessageSizeLimit)

	// Tell the client its connection handle for debugging.
	if err := session.Emit("connected", map[string]string{"connectionId": connID}); err != nil {
		log.Printf("Failed to send connection id: %v", err)
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from client %s: %v", connID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			break
		}
		metrics.EventsReceived.Inc()
		session.UpdateActivity()

		var envelope Envelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			log.Printf("Malformed envelope from client %s: %v", connID, err)
			continue
		}

		handler, ok := h.dispatch[envelope.Event]
		if !ok {
			log.Printf("Unknown event %q from client %s", envelope.Event, connID)
			continue
		}
		handler(r.Context(), session, envelope.Data)
	}
}

// cleanup runs when the read loop exits. The presence record is flagged
// offline but kept for its remaining TTL; an in-progress room is left for
// the peer to end explicitly or for staleness to reap.
func (h *Handler) cleanup(session *ClientSession) {
	h.manager.RemoveClient(session.ID)

	if userID := session.UserID(); userID != "" {
		// The request context is gone by now.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.registry.MarkOffline(ctx, userID); err != nil {
			log.Printf("Failed to mark %s offline: %v", userID, err)
		}
	}
}

// handleAuth registers presence. The registry write is awaited before the
// ack so the client is discoverable by the time it sees auth:ok.
func (h *Handler) handleAuth(ctx context.Context, s *ClientSession, data json.RawMessage) {
	var payload AuthPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.Emit("auth:error", "malformed payload")
			return
		}
	}
	if payload.UserID == "" {
		metrics.AuthFailures.WithLabelValues("missing_user_id").Inc()
		s.Emit("auth:error", "userId required")
		return
	}

	// When the handshake gate is on, a connection may only claim the
	// identity its token was issued for.
	if s.claims != nil && s.claims.Subject != "" && s.claims.Subject != payload.UserID {
		metrics.AuthFailures.WithLabelValues("identity_mismatch").Inc()
		s.Emit("auth:error", "token subject mismatch")
		return
	}
	if payload.Username == "" && s.claims != nil {
		payload.Username = s.claims.Username
	}

	if err := h.registry.Register(ctx, payload.UserID, s.ID, payload.Username); err != nil {
		log.Printf("Presence register failed for %s: %v", payload.UserID, err)
		s.Emit("auth:error", "registration failed")
		return
	}

	s.SetUserID(payload.UserID)
	metrics.AuthSuccess.Inc()
	s.Emit("auth:ok", struct{}{})
}

// handleHeartbeat refreshes liveness. Unauthenticated heartbeats are a
// silent no-op.
func (h *Handler) handleHeartbeat(ctx context.Context, s *ClientSession, _ json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	if err := h.registry.RefreshLiveness(ctx, userID, s.ID); err != nil {
		// Transient store trouble must not kill the session.
		log.Printf("Heartbeat refresh failed for %s: %v", userID, err)
	}
}

// handleMatchRequest runs one pairing attempt. Every non-fatal outcome maps
// to match:queued; the client retries with jittered backoff, so this path
// must stay idempotent and cheap.
func (h *Handler) handleMatchRequest(ctx context.Context, s *ClientSession, _ json.RawMessage) {
	userID := s.UserID()
	if userID == "" {
		s.Emit("match:error", "not-authenticated")
		return
	}

	rec, err := h.registry.Get(ctx, userID)
	if err != nil {
		log.Printf("Presence read failed for %s: %v", userID, err)
		s.Emit("match:error", "match_failed")
		return
	}
	if rec != nil && (rec.Status == presence.StatusMatched || rec.CurrentRoom != "") {
		s.Emit("match:error", "already-in-room")
		return
	}

	now := time.Now()

	// A user who just left a room is available by status but no longer in
	// the index; re-enter them before attempting the claim.
	if err := h.registry.Requeue(ctx, userID, now.UnixMilli()); err != nil {
		log.Printf("Requeue failed for %s: %v", userID, err)
		s.Emit("match:error", "match_failed")
		return
	}

	result, err := h.engine.Match(ctx, userID, now)
	if err != nil {
		log.Printf("Pairing failed for %s: %v", userID, err)
		metrics.MatchRequests.WithLabelValues("error").Inc()
		s.Emit("match:error", "match_failed")
		return
	}
	metrics.MatchRequests.WithLabelValues(result.Code).Inc()

	switch result.Code {
	case pairing.CodeOK:
		h.publishMatched(result.RoomID, userID, result.PeerID)

		peerUsername := ""
		if peer, err := h.registry.Get(ctx, result.PeerID); err == nil && peer != nil {
			peerUsername = peer.Username
		}
		s.Emit("match:found", MatchFoundPayload{
			PeerID:       result.PeerID,
			PeerUsername: peerUsername,
			RoomID:       result.RoomID,
		})
	default:
		// no-peer, stale-peer, not-available: all non-fatal, retry later.
		s.Emit("match:queued", struct{}{})
	}
}

// publishMatched broadcasts the pairing decision so the instance holding the
// peer's connection can deliver its match:found.
func (h *Handler) publishMatched(roomID, u1, u2 string) {
	h.manager.IncreaseWaitGroup()
	go func() {
		defer h.manager.DecreaseWaitGroup()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.brk.Publish(ctx, h.channel, broker.MatchedFrame(roomID, u1, u2)); err != nil {
			log.Printf("Failed to publish matched frame for room %s: %v", roomID, err)
			return
		}
		metrics.BrokerMessagesPublished.WithLabelValues(h.brk.Type()).Inc()
	}()
}

// handleEndRoom finalizes a room. A repeat end for the same id is answered
// with end:error "no-room", never treated as a crash.
func (h *Handler) handleEndRoom(ctx context.Context, s *ClientSession, data json.RawMessage) {
	var payload EndRoomPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.Emit("end:error", "malformed payload")
			return
		}
	}
	if payload.RoomID == "" {
		s.Emit("end:error", "roomId required")
		return
	}

	snapshot, err := h.rooms.Finalize(ctx, payload.RoomID, time.Now())
	if err != nil {
		if errors.Is(err, room.ErrNoRoom) {
			s.Emit("end:error", "no-room")
			return
		}
		log.Printf("Finalize failed for room %s: %v", payload.RoomID, err)
		s.Emit("end:error", "finalize_failed")
		return
	}

	s.Emit("end:ok", snapshot)
}
