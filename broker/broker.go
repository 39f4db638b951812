package broker

import (
	"context"
	"fmt"
	"strings"
)

// Frame kinds carried on the presence channel.
const (
	KindMatched = "matched"
	KindEnded   = "ended"
)

// Frame is one cross-instance broadcast. Frames are transient: they exist
// only to tell every instance about a pairing decision, so each instance can
// notify whichever of the two connections it holds.
type Frame struct {
	Kind   string
	RoomID string
	Users  [2]string // only set for matched frames
}

// MatchedFrame encodes "matched|roomId|u1|u2".
func MatchedFrame(roomID, u1, u2 string) string {
	return strings.Join([]string{KindMatched, roomID, u1, u2}, "|")
}

// EndedFrame encodes "ended|roomId".
func EndedFrame(roomID string) string {
	return strings.Join([]string{KindEnded, roomID}, "|")
}

// ParseFrame decodes a wire frame. Unknown kinds are an error so a bad
// publisher cannot silently wedge the notifier loop.
func ParseFrame(payload string) (*Frame, error) {
	parts := strings.Split(payload, "|")
	switch parts[0] {
	case KindMatched:
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed matched frame: %q", payload)
		}
		return &Frame{Kind: KindMatched, RoomID: parts[1], Users: [2]string{parts[2], parts[3]}}, nil
	case KindEnded:
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed ended frame: %q", payload)
		}
		return &Frame{Kind: KindEnded, RoomID: parts[1]}, nil
	}
	return nil, fmt.Errorf("unknown frame kind: %q", payload)
}

// MessageBroker is the cross-instance broadcast transport. The Redis
// implementation rides the same client as the coordination store; Kafka is
// available for deployments that already run a cluster.
type MessageBroker interface {
	// Publish sends a frame payload to every subscribed instance.
	Publish(ctx context.Context, channel string, payload string) error
	// Subscribe returns a channel of raw frame payloads. The channel closes
	// when ctx is cancelled or the underlying subscription dies.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Type reports the broker implementation for logging and metrics.
	Type() string
	Close() error
}
