package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RoomIndex maintains the per-room membership indexes: the distinct-user set,
// the connection set, the last-seen sorted set, the conn metadata hash and the
// process-wide active-rooms set.
type RoomIndex struct {
	client *redis.Client
}

// NewRoomIndex creates a room index over the shared store.
func NewRoomIndex(client *redis.Client) *RoomIndex {
	return &RoomIndex{client: client}
}

// AddConnection registers a connection in every room index and marks the room
// active.
func (x *RoomIndex) AddConnection(ctx context.Context, roomID, userID, connID string, epoch, lastSeenMs int64) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return x.addConnectionPipe(ctx, pipe, roomID, userID, connID, epoch, lastSeenMs)
	})
	if err != nil {
		return fmt.Errorf("failed to index connection %s in room %s: %w", connID, roomID, err)
	}
	return nil
}

// RemoveConnection drops a connection from the room's connection set,
// last-seen index, conn metadata hash and the user's connection set. The
// members set is not touched here; the caller decides based on
// CountUserConnections. Returns true when this call removed the conn
// metadata entry, which makes the caller the single owner of the departure.
func (x *RoomIndex) RemoveConnection(ctx context.Context, roomID, userID, connID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = x.removeConnectionPipe(ctx, pipe, roomID, userID, connID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to unindex connection %s in room %s: %w", connID, roomID, err)
	}
	return removed.Val() > 0, nil
}

// ListConnections returns the connIds currently indexed for a room.
func (x *RoomIndex) ListConnections(ctx context.Context, roomID string) ([]string, error) {
	conns, err := x.client.SMembers(ctx, RoomConnsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for room %s: %w", roomID, err)
	}
	return conns, nil
}

// ListMembers returns the distinct userIds present in a room.
func (x *RoomIndex) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := x.client.SMembers(ctx, RoomMembersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members for room %s: %w", roomID, err)
	}
	return members, nil
}

// ListStaleConnections returns connIds whose last-seen score is at or before
// cutoffMs, oldest first.
func (x *RoomIndex) ListStaleConnections(ctx context.Context, roomID string, cutoffMs int64) ([]string, error) {
	conns, err := x.client.ZRangeByScore(ctx, RoomLastSeenKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoffMs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale connections for room %s: %w", roomID, err)
	}
	return conns, nil
}

// RecordUserForConn writes the conn metadata entry. The heartbeat path calls
// this when an epoch advances so the entry stays in step with the record.
func (x *RoomIndex) RecordUserForConn(ctx context.Context, roomID, connID string, meta ConnMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal conn metadata: %w", err)
	}
	if err := x.client.HSet(ctx, RoomConnMetaKey(roomID), connID, b).Err(); err != nil {
		return fmt.Errorf("failed to record conn metadata for %s in room %s: %w", connID, roomID, err)
	}
	return nil
}

// ReadUserForConn returns the conn metadata entry, or nil if absent.
func (x *RoomIndex) ReadUserForConn(ctx context.Context, roomID, connID string) (*ConnMeta, error) {
	raw, err := x.client.HGet(ctx, RoomConnMetaKey(roomID), connID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conn metadata for %s in room %s: %w", connID, roomID, err)
	}
	var meta ConnMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("invalid conn metadata for %s in room %s: %w", connID, roomID, err)
	}
	return &meta, nil
}

// CountUserConnections counts a user's connections within one room by
// iterating the room's conn metadata hash. The hash is authoritative within
// the room, so a disconnect elsewhere never miscounts here.
func (x *RoomIndex) CountUserConnections(ctx context.Context, roomID, userID string) (int, error) {
	vals, err := x.client.HVals(ctx, RoomConnMetaKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan conn metadata for room %s: %w", roomID, err)
	}
	count := 0
	for _, raw := range vals {
		var meta ConnMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		if meta.UserID == userID {
			count++
		}
	}
	return count, nil
}

// RemoveMember drops a user from the room's members set.
func (x *RoomIndex) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := x.client.SRem(ctx, RoomMembersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove member %s from room %s: %w", userID, roomID, err)
	}
	return nil
}

// DropRoomIfEmpty removes the room from the active-rooms set when its
// connection set is empty. Returns true when the room was dropped.
func (x *RoomIndex) DropRoomIfEmpty(ctx context.Context, roomID string) (bool, error) {
	n, err := x.client.SCard(ctx, RoomConnsKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to size room %s: %w", roomID, err)
	}
	if n > 0 {
		return false, nil
	}
	if err := x.client.SRem(ctx, ActiveRoomsKey, roomID).Err(); err != nil {
		return false, fmt.Errorf("failed to drop room %s from active set: %w", roomID, err)
	}
	return true, nil
}

// ActiveRooms returns every room with at least one indexed connection.
func (x *RoomIndex) ActiveRooms(ctx context.Context) ([]string, error) {
	rooms, err := x.client.SMembers(ctx, ActiveRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active rooms: %w", err)
	}
	return rooms, nil
}

// ListUserConnections returns the connIds owned by a user across rooms.
func (x *RoomIndex) ListUserConnections(ctx context.Context, userID string) ([]string, error) {
	conns, err := x.client.SMembers(ctx, UserConnsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for user %s: %w", userID, err)
	}
	return conns, nil
}

func (x *RoomIndex) addConnectionPipe(ctx context.Context, pipe redis.Pipeliner, roomID, userID, connID string, epoch, lastSeenMs int64) error {
	meta, err := json.Marshal(ConnMeta{UserID: userID, Epoch: epoch})
	if err != nil {
		return fmt.Errorf("failed to marshal conn metadata: %w", err)
	}
	pipe.SAdd(ctx, RoomMembersKey(roomID), userID)
	pipe.SAdd(ctx, RoomConnsKey(roomID), connID)
	pipe.ZAdd(ctx, RoomLastSeenKey(roomID), redis.Z{Score: float64(lastSeenMs), Member: connID})
	pipe.HSet(ctx, RoomConnMetaKey(roomID), connID, meta)
	pipe.SAdd(ctx, UserConnsKey(userID), connID)
	pipe.SAdd(ctx, ActiveRoomsKey, roomID)
	return nil
}

func (x *RoomIndex) removeConnectionPipe(ctx context.Context, pipe redis.Pipeliner, roomID, userID, connID string) *redis.IntCmd {
	pipe.SRem(ctx, RoomConnsKey(roomID), connID)
	pipe.ZRem(ctx, RoomLastSeenKey(roomID), connID)
	removed := pipe.HDel(ctx, RoomConnMetaKey(roomID), connID)
	if userID != "" {
		pipe.SRem(ctx, UserConnsKey(userID), connID)
	}
	return removed
}

func (x *RoomIndex) touchLastSeenPipe(ctx context.Context, pipe redis.Pipeliner, roomID, connID string, lastSeenMs int64) {
	pipe.ZAdd(ctx, RoomLastSeenKey(roomID), redis.Z{Score: float64(lastSeenMs), Member: connID})
}

func (x *RoomIndex) recordUserForConnPipe(ctx context.Context, pipe redis.Pipeliner, roomID, connID string, meta ConnMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal conn metadata: %w", err)
	}
	pipe.HSet(ctx, RoomConnMetaKey(roomID), connID, b)
	return nil
}
