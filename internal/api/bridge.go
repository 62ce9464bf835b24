package api

import (
	"github.com/realtime-ai/presenced/internal/metadata"
	"github.com/realtime-ai/presenced/internal/presence"
	"github.com/realtime-ai/presenced/internal/rooms"
	"github.com/realtime-ai/presenced/internal/utils"
)

// Bridge fans cluster-wide engine events out to the sockets attached to the
// local hub. Every node runs one bridge, so an event published by any node
// reaches the clients of all of them.
type Bridge struct {
	hub       *rooms.Hub
	svc       *presence.Service
	meta      *metadata.Store
	logger    *utils.Logger
	disposers []func()
}

func NewBridge(hub *rooms.Hub, svc *presence.Service, meta *metadata.Store, logger *utils.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		svc:    svc,
		meta:   meta,
		logger: logger,
	}
}

// Start registers the engine subscriptions. Call Stop to detach them.
func (b *Bridge) Start() {
	b.disposers = append(b.disposers,
		b.svc.Subscribe(b.onPresenceEvent),
		b.meta.Subscribe(b.onMetadataEvent),
	)
}

func (b *Bridge) Stop() {
	for _, dispose := range b.disposers {
		dispose()
	}
	b.disposers = nil
}

func (b *Bridge) onPresenceEvent(ev presence.Event) {
	b.hub.Broadcast(ev.RoomID, rooms.Push{
		Type:    "presence:event",
		Payload: ev,
	})
}

// onMetadataEvent forwards room-channel metadata events to the room's
// sockets. Other channel types stay cluster-level; subscribers consume them
// straight off the bus.
func (b *Bridge) onMetadataEvent(ev metadata.Event) {
	if ev.ChannelType != "room" {
		return
	}
	b.hub.Broadcast(ev.ChannelName, rooms.Push{
		Type:    "metadata:event",
		Payload: ev,
	})
}
