package realtime

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// bridgeMessage is one published frame as it crosses instances.
type bridgeMessage struct {
	BoardID string                 `json:"boardId"`
	Event   string                 `json:"event"`
	Data    sonic.NoCopyRawMessage `json:"data"`
	Exclude string                 `json:"exclude,omitempty"`
	Origin  string                 `json:"origin"`
}

func (m bridgeMessage) frame() Frame { return Frame{Event: m.Event, Data: m.Data} }

// bridge carries published frames to every instance, including the sender.
// Receivers drop their own messages by Origin.
type bridge interface {
	Publish(ctx context.Context, m bridgeMessage) error
	Run(ctx context.Context, deliver func(bridgeMessage))
}

// Bus delivers change events to the sessions viewing a board. Delivery is best
// effort: no acknowledgement and no replay.
type Bus struct {
	id       string
	registry *Registry
	bridge   bridge
	log      log.FieldLogger
}

// NewBus creates a bus over the registry. bridge may be nil for a single instance.
func NewBus(registry *Registry, br bridge, logger log.FieldLogger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bus{id: uuid.NewString(), registry: registry, bridge: br, log: logger}
}

// Run consumes the bridge until ctx ends. It returns immediately without a bridge.
func (b *Bus) Run(ctx context.Context) {
	if b.bridge == nil {
		return
	}
	b.bridge.Run(ctx, func(m bridgeMessage) {
		if m.Origin != b.id {
			b.deliver(m)
		}
	})
}

// Publish sends ev to every member of its board except excludeSession. Local
// sessions are served directly; other instances get the frame over the bridge.
func (b *Bus) Publish(ctx context.Context, ev domain.Event, excludeSession string) error {
	f, err := EventFrame(ev)
	if err != nil {
		return err
	}
	msg := bridgeMessage{BoardID: ev.BoardID, Event: f.Event, Data: f.Data, Exclude: excludeSession, Origin: b.id}
	b.deliver(msg)
	if b.bridge != nil {
		if err := b.bridge.Publish(ctx, msg); err != nil {
			b.log.WithError(err).WithField("boardId", ev.BoardID).Warn("realtime bridge publish failed, other instances miss this event")
		}
	}
	return nil
}

// Relay forwards a client supplied event to the other members of the room
// without touching the store. The sender must have joined the board.
func (b *Bus) Relay(ctx context.Context, sessionID string, ev domain.Event) error {
	if !b.registry.InRoom(sessionID, ev.BoardID) {
		return ErrNotJoined
	}
	return b.Publish(ctx, ev, sessionID)
}

func (b *Bus) deliver(m bridgeMessage) {
	n := b.registry.Deliver(m.BoardID, m.frame(), m.Exclude)
	b.log.WithFields(log.Fields{
		"boardId":   m.BoardID,
		"event":     m.Event,
		"delivered": n,
	}).Debug("realtime event delivered")
}
