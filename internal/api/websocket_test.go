package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/presenced/internal/metadata"
	"github.com/realtime-ai/presenced/internal/presence"
)

// wsFrame is the union of every frame the server sends: acks and pushes.
type wsFrame struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// frameReader consumes frames off one socket. Acks and pushes share the
// connection and interleave freely, so frames that don't match the current
// wait are buffered for later waits instead of dropped.
type frameReader struct {
	t    *testing.T
	conn *websocket.Conn
	buf  []wsFrame
}

func (e *apiEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *apiEnv) dial(t *testing.T, userID, roomID string) *frameReader {
	t.Helper()

	url := e.wsURL("/ws?token=" + e.token(t, userID) + "&room_id=" + roomID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &frameReader{t: t, conn: conn}
}

func (r *frameReader) send(typ string, seq int64, payload interface{}) {
	r.t.Helper()
	require.NoError(r.t, r.conn.WriteJSON(map[string]interface{}{
		"type":    typ,
		"seq":     seq,
		"payload": payload,
	}))
}

func (r *frameReader) next(match func(wsFrame) bool) wsFrame {
	r.t.Helper()

	for i, f := range r.buf {
		if match(f) {
			r.buf = append(r.buf[:i], r.buf[i+1:]...)
			return f
		}
	}
	for {
		require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var f wsFrame
		require.NoError(r.t, r.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
		r.buf = append(r.buf, f)
	}
}

// ack waits for the ack answering seq.
func (r *frameReader) ack(seq int64) wsFrame {
	r.t.Helper()
	return r.next(func(f wsFrame) bool { return f.Type == "ack" && f.Seq == seq })
}

func (r *frameReader) okAck(seq int64) wsFrame {
	r.t.Helper()
	f := r.ack(seq)
	require.True(r.t, f.OK, "request %d failed: %s", seq, f.Error)
	return f
}

// presenceEvent waits for a presence push of the given type for the given
// user, skipping unrelated pushes.
func (r *frameReader) presenceEvent(typ, userID string) presence.Event {
	r.t.Helper()
	var ev presence.Event
	r.next(func(f wsFrame) bool {
		if f.Type != "presence:event" {
			return false
		}
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return false
		}
		return ev.Type == typ && ev.UserID == userID
	})
	return ev
}

// metadataEvent waits for a metadata push for the given operation.
func (r *frameReader) metadataEvent(operation string) metadata.Event {
	r.t.Helper()
	var ev metadata.Event
	r.next(func(f wsFrame) bool {
		if f.Type != "metadata:event" {
			return false
		}
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return false
		}
		return ev.Operation == operation
	})
	return ev
}

// settleBus publishes probe events until one comes back, confirming the
// pattern subscription is live before the test acts.
func settleBus(t *testing.T, env *apiEnv) {
	t.Helper()

	seen := make(chan struct{}, 1)
	dispose := env.svc.Subscribe(func(ev presence.Event) {
		if ev.RoomID == "bus-probe" {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})
	defer dispose()

	probe, err := json.Marshal(presence.Event{Type: presence.EventJoin, RoomID: "bus-probe"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		env.client.Publish(context.Background(), presence.RoomEventsChannel("bus-probe"), probe)
		select {
		case <-seen:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond, "event bus subscription did not settle")
}

func TestWebSocketRejectsBadHandshake(t *testing.T) {
	env := newAPIEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws?room_id=r1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL("/ws?token=garbage&room_id=r1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL("/ws?token="+env.token(t, "u1")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWebSocketJoinHeartbeatLeave(t *testing.T) {
	env := newAPIEnv(t)
	conn := env.dial(t, "u1", "r1")

	conn.send("presence:join", 1, joinPayload{RoomID: "r1", State: presence.State{"status": "online"}})
	ack := conn.okAck(1)

	var join joinReply
	require.NoError(t, json.Unmarshal(ack.Data, &join))
	require.Len(t, join.Snapshot, 1)
	assert.Equal(t, "u1", join.Snapshot[0].UserID)
	assert.NotEmpty(t, join.Self.ConnID)
	assert.Greater(t, join.Self.Epoch, int64(0))

	conn.send("presence:heartbeat", 2, heartbeatPayload{PatchState: presence.State{"status": "busy"}})
	ack = conn.okAck(2)

	var hb heartbeatReply
	require.NoError(t, json.Unmarshal(ack.Data, &hb))
	assert.True(t, hb.Changed)

	conn.send("presence:leave", 3, struct{}{})
	conn.okAck(3)

	snapshot, err := env.svc.FetchRoomSnapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestWebSocketJoinValidatesPayload(t *testing.T) {
	env := newAPIEnv(t)
	conn := env.dial(t, "u1", "r1")

	conn.send("presence:join", 1, joinPayload{})
	ack := conn.ack(1)
	require.False(t, ack.OK)
	assert.Contains(t, ack.Error, "roomId is required")

	conn.send("presence:join", 2, joinPayload{RoomID: "other-room"})
	ack = conn.ack(2)
	require.False(t, ack.OK)
	assert.Contains(t, ack.Error, "attached to room")

	conn.send("presence:join", 3, joinPayload{RoomID: "r1", UserID: "someone-else"})
	ack = conn.ack(3)
	require.False(t, ack.OK)
	assert.Contains(t, ack.Error, "authenticated session")
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	env := newAPIEnv(t)
	conn := env.dial(t, "u1", "r1")

	conn.send("presence:teleport", 7, struct{}{})
	ack := conn.ack(7)
	require.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown message type")
}

func TestWebSocketDeliversPresencePushes(t *testing.T) {
	env := newAPIEnv(t)
	settleBus(t, env)

	watcher := env.dial(t, "u1", "r1")
	watcher.send("presence:join", 1, joinPayload{RoomID: "r1"})
	watcher.okAck(1)

	other := env.dial(t, "u2", "r1")
	other.send("presence:join", 1, joinPayload{RoomID: "r1", State: presence.State{"mood": "curious"}})
	other.okAck(1)

	ev := watcher.presenceEvent(presence.EventJoin, "u2")
	assert.Equal(t, "r1", ev.RoomID)
	assert.Equal(t, "curious", ev.State["mood"])

	other.send("presence:leave", 2, struct{}{})
	other.okAck(2)

	ev = watcher.presenceEvent(presence.EventLeave, "u2")
	assert.Equal(t, "r1", ev.RoomID)
}

func TestWebSocketMetadataRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	settleBus(t, env)

	conn := env.dial(t, "u1", "r1")
	conn.send("presence:join", 1, joinPayload{RoomID: "r1"})
	conn.okAck(1)

	conn.send("metadata:setChannel", 2, metadata.Params{
		ChannelType: "room",
		ChannelName: "r1",
		Data: map[string]metadata.ItemInput{
			"topic": {Value: "launch day"},
		},
	})
	ack := conn.okAck(2)

	var res metadata.Response
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	assert.Equal(t, int64(1), res.MajorRevision)
	assert.Equal(t, "launch day", res.Metadata["topic"].Value)
	assert.Equal(t, "u1", res.Metadata["topic"].AuthorUID)

	// The same socket sees the room's metadata event pushed back.
	ev := conn.metadataEvent(metadata.OpSet)
	assert.Equal(t, "r1", ev.ChannelName)
	assert.Equal(t, "launch day", ev.Items["topic"].Value)

	conn.send("metadata:getChannel", 3, metadata.Params{
		ChannelType: "room",
		ChannelName: "r1",
	})
	ack = conn.okAck(3)
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	assert.Equal(t, "launch day", res.Metadata["topic"].Value)
}

func TestWebSocketMetadataConflictCode(t *testing.T) {
	env := newAPIEnv(t)
	conn := env.dial(t, "u1", "r1")

	conn.send("metadata:updateChannel", 1, metadata.Params{
		ChannelType: "room",
		ChannelName: "r1",
		Data: map[string]metadata.ItemInput{
			"topic": {Value: "nope"},
		},
	})
	ack := conn.ack(1)
	require.False(t, ack.OK)
	assert.Equal(t, metadata.CodeInvalid, ack.Code)
}

func TestWebSocketLockOps(t *testing.T) {
	env := newAPIEnv(t)
	owner := env.dial(t, "u1", "r1")
	rival := env.dial(t, "u2", "r1")

	owner.send("metadata:acquireLock", 1, lockPayload{
		ChannelType: "room", ChannelName: "r1", LockName: "edit", TTLMs: 60000,
	})
	ack := owner.okAck(1)

	var acquired acquireLockReply
	require.NoError(t, json.Unmarshal(ack.Data, &acquired))
	assert.True(t, acquired.Acquired)

	rival.send("metadata:acquireLock", 1, lockPayload{
		ChannelType: "room", ChannelName: "r1", LockName: "edit", TTLMs: 60000,
	})
	ack = rival.ack(1)
	require.False(t, ack.OK)
	assert.Equal(t, metadata.CodeLock, ack.Code)

	owner.send("metadata:releaseLock", 2, lockPayload{
		ChannelType: "room", ChannelName: "r1", LockName: "edit",
	})
	ack = owner.okAck(2)

	var released releaseLockReply
	require.NoError(t, json.Unmarshal(ack.Data, &released))
	assert.True(t, released.Released)
}

func TestWebSocketDisconnectReleasesPresence(t *testing.T) {
	env := newAPIEnv(t)
	conn := env.dial(t, "u1", "r1")

	conn.send("presence:join", 1, joinPayload{RoomID: "r1"})
	conn.okAck(1)

	members, err := env.index.ListMembers(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, members)

	conn.conn.Close()

	require.Eventually(t, func() bool {
		members, err := env.index.ListMembers(context.Background(), "r1")
		return err == nil && len(members) == 0
	}, 5*time.Second, 20*time.Millisecond, "disconnect did not release presence")
}
