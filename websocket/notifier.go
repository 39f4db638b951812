package websocket

import (
	"context"
	"log"

	"github.com/NawaNapam/NawaNapam.dev/broker"
)

// ListenForPresenceEvents is the cross-instance notifier. Every instance
// subscribes to the presence channel; a pairing decision made anywhere
// reaches the instance that actually holds each participant's connection.
// Instances that hold neither connection simply do nothing with the frame.
//
// Runs until ctx is cancelled; start it once per process.
func (h *Handler) ListenForPresenceEvents(ctx context.Context) {
	frames, err := h.brk.Subscribe(ctx, h.channel)
	if err != nil {
		log.Fatalf("Failed to subscribe to %s: %v", h.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-frames:
			if !ok {
				log.Println("Presence channel closed")
				return
			}

			frame, err := broker.ParseFrame(payload)
			if err != nil {
				log.Printf("Dropping bad presence frame: %v", err)
				continue
			}

			switch frame.Kind {
			case broker.KindMatched:
				h.deliverMatchFound(ctx, frame)
			case broker.KindEnded:
				// The ender already got its end:ok synchronously; the peer
				// is not proactively notified (it discovers the teardown
				// through its own media channel or next request).
				log.Printf("Room ended broadcast: %s", frame.RoomID)
			}
		}
	}
}

// deliverMatchFound emits match:found to each participant whose connection
// lives on this instance. The presence record maps user to connection id;
// a connection id we don't hold belongs to another instance, which will
// process the same frame independently.
func (h *Handler) deliverMatchFound(ctx context.Context, frame *broker.Frame) {
	u1, u2 := frame.Users[0], frame.Users[1]

	rec1, err := h.registry.Get(ctx, u1)
	if err != nil {
		log.Printf("Presence lookup failed for %s: %v", u1, err)
	}
	rec2, err := h.registry.Get(ctx, u2)
	if err != nil {
		log.Printf("Presence lookup failed for %s: %v", u2, err)
	}

	username := func(userID string) string {
		switch userID {
		case u1:
			if rec1 != nil {
				return rec1.Username
			}
		case u2:
			if rec2 != nil {
				return rec2.Username
			}
		}
		return ""
	}

	if rec1 != nil && rec1.ConnID != "" {
		if session, ok := h.manager.GetClient(rec1.ConnID); ok {
			session.Emit("match:found", MatchFoundPayload{
				PeerID:       u2,
				PeerUsername: username(u2),
				RoomID:       frame.RoomID,
			})
		}
	}
	if rec2 != nil && rec2.ConnID != "" {
		if session, ok := h.manager.GetClient(rec2.ConnID); ok {
			session.Emit("match:found", MatchFoundPayload{
				PeerID:       u1,
				PeerUsername: username(u1),
				RoomID:       frame.RoomID,
			})
		}
	}
}
