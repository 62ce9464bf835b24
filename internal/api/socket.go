package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/realtime-ai/presenced/internal/contextkey"
	"github.com/realtime-ai/presenced/internal/metadata"
	"github.com/realtime-ai/presenced/internal/presence"
	"github.com/realtime-ai/presenced/internal/rooms"
	"github.com/realtime-ai/presenced/internal/utils"
)

// SocketGateway routes request frames from connected sockets into the
// presence and metadata engines and owns disconnect cleanup.
type SocketGateway struct {
	svc    *presence.Service
	meta   *metadata.Store
	logger *utils.Logger
}

func NewSocketGateway(svc *presence.Service, meta *metadata.Store, logger *utils.Logger) *SocketGateway {
	return &SocketGateway{
		svc:    svc,
		meta:   meta,
		logger: logger,
	}
}

type joinPayload struct {
	RoomID string         `json:"roomId"`
	UserID string         `json:"userId,omitempty"`
	State  presence.State `json:"state,omitempty"`
}

type selfInfo struct {
	ConnID string `json:"connId"`
	Epoch  int64  `json:"epoch"`
}

type joinReply struct {
	Snapshot []presence.SnapshotEntry `json:"snapshot"`
	Self     selfInfo                 `json:"self"`
}

type heartbeatPayload struct {
	PatchState presence.State `json:"patchState,omitempty"`
	Epoch      int64          `json:"epoch,omitempty"`
}

type heartbeatReply struct {
	Changed bool `json:"changed"`
}

type lockPayload struct {
	ChannelType string `json:"channelType"`
	ChannelName string `json:"channelName"`
	LockName    string `json:"lockName"`
	TTLMs       int64  `json:"ttlMs,omitempty"`
}

type acquireLockReply struct {
	Acquired bool `json:"acquired"`
}

type releaseLockReply struct {
	Released bool `json:"released"`
}

// Dispatch routes one request frame. The ack carries the engine result, or
// the structured error code when the engine rejected the request.
func (g *SocketGateway) Dispatch(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	ctx = context.WithValue(ctx, contextkey.ContextKeyUserID, client.UserID())

	switch req.Type {
	case "presence:join":
		return g.handleJoin(ctx, client, req)
	case "presence:heartbeat":
		return g.handleHeartbeat(ctx, client, req)
	case "presence:leave":
		return g.handleLeave(ctx, client, req)
	case "metadata:setChannel":
		return g.handleMetadata(ctx, client, req, g.meta.Set)
	case "metadata:updateChannel":
		return g.handleMetadata(ctx, client, req, g.meta.Update)
	case "metadata:removeChannel":
		return g.handleMetadata(ctx, client, req, g.meta.Remove)
	case "metadata:getChannel":
		return g.handleMetadata(ctx, client, req, g.meta.Get)
	case "metadata:acquireLock":
		return g.handleAcquireLock(ctx, client, req)
	case "metadata:releaseLock":
		return g.handleReleaseLock(ctx, client, req)
	default:
		return rooms.ErrAck(req.Seq, "", "unknown message type %q", req.Type)
	}
}

// Disconnected releases the connection's presence when the socket drops.
// Leave is idempotent, so an earlier explicit leave makes this a no-op.
func (g *SocketGateway) Disconnected(client *rooms.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := g.svc.Leave(ctx, client.ConnID()); err != nil {
		g.logger.Error(ctx, "Failed to release presence for conn %s on disconnect: %v", client.ConnID(), err)
	}
}

func (g *SocketGateway) handleJoin(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	var p joinPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return rooms.ErrAck(req.Seq, "", "invalid join payload: %v", err)
	}
	if p.RoomID == "" {
		return rooms.ErrAck(req.Seq, "", "roomId is required")
	}
	// One socket carries presence for exactly the room it attached to
	if p.RoomID != client.Room() {
		return rooms.ErrAck(req.Seq, "", "socket is attached to room %q", client.Room())
	}
	if p.UserID != "" && p.UserID != client.UserID() {
		return rooms.ErrAck(req.Seq, "", "userId does not match the authenticated session")
	}

	res, err := g.svc.Join(ctx, p.RoomID, client.UserID(), client.ConnID(), p.State)
	if err != nil {
		return rooms.ErrAck(req.Seq, "", "join failed: %v", err)
	}

	return rooms.OKAck(req.Seq, joinReply{
		Snapshot: res.Snapshot,
		Self: selfInfo{
			ConnID: res.ConnID,
			Epoch:  res.Epoch,
		},
	})
}

func (g *SocketGateway) handleHeartbeat(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	var p heartbeatPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return rooms.ErrAck(req.Seq, "", "invalid heartbeat payload: %v", err)
		}
	}

	changed, err := g.svc.Heartbeat(ctx, client.ConnID(), p.PatchState, p.Epoch)
	if err != nil {
		return rooms.ErrAck(req.Seq, "", "heartbeat failed: %v", err)
	}

	return rooms.OKAck(req.Seq, heartbeatReply{Changed: changed})
}

func (g *SocketGateway) handleLeave(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	if _, err := g.svc.Leave(ctx, client.ConnID()); err != nil {
		return rooms.ErrAck(req.Seq, "", "leave failed: %v", err)
	}
	return rooms.OKAck(req.Seq, struct{}{})
}

func (g *SocketGateway) handleMetadata(ctx context.Context, client *rooms.Client, req *rooms.Request, op func(context.Context, metadata.Params) (*metadata.Response, error)) *rooms.Ack {
	var p metadata.Params
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return rooms.ErrAck(req.Seq, "", "invalid metadata payload: %v", err)
	}
	p.ActorUserID = client.UserID()

	res, err := op(ctx, p)
	if err != nil {
		return rooms.ErrAck(req.Seq, metadata.CodeOf(err), "%v", err)
	}
	return rooms.OKAck(req.Seq, res)
}

func (g *SocketGateway) handleAcquireLock(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	var p lockPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return rooms.ErrAck(req.Seq, "", "invalid lock payload: %v", err)
	}

	ok, err := g.meta.AcquireLock(ctx, p.ChannelType, p.ChannelName, p.LockName, client.UserID(), time.Duration(p.TTLMs)*time.Millisecond)
	if err != nil {
		return rooms.ErrAck(req.Seq, metadata.CodeOf(err), "%v", err)
	}
	if !ok {
		return rooms.ErrAck(req.Seq, metadata.CodeLock, "lock %q is held by another user", p.LockName)
	}
	return rooms.OKAck(req.Seq, acquireLockReply{Acquired: true})
}

func (g *SocketGateway) handleReleaseLock(ctx context.Context, client *rooms.Client, req *rooms.Request) *rooms.Ack {
	var p lockPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return rooms.ErrAck(req.Seq, "", "invalid lock payload: %v", err)
	}

	ok, err := g.meta.ReleaseLock(ctx, p.ChannelType, p.ChannelName, p.LockName, client.UserID())
	if err != nil {
		return rooms.ErrAck(req.Seq, metadata.CodeOf(err), "%v", err)
	}
	if !ok {
		return rooms.ErrAck(req.Seq, metadata.CodeLock, "lock %q is not held by this user", p.LockName)
	}
	return rooms.OKAck(req.Seq, releaseLockReply{Released: true})
}
