package presence

// All presence state lives under the prs: prefix. Per-room keys embed a
// {room:<roomId>} hash tag so a clustered store colocates a room's members,
// connection set, last-seen index and conn metadata on one shard.

const (
	keyPrefix = "prs:"

	// ActiveRoomsKey is the process-wide set of rooms with at least one
	// connection. The reaper reads it to bound its sweep.
	ActiveRoomsKey = keyPrefix + "active_rooms"

	// RoomEventsPattern matches every room's presence event channel.
	RoomEventsPattern = keyPrefix + "{room:*}:events"
)

func roomTag(roomID string) string {
	return "{room:" + roomID + "}"
}

// RoomMembersKey is the set of distinct userIds present in a room.
func RoomMembersKey(roomID string) string {
	return keyPrefix + roomTag(roomID) + ":members"
}

// RoomConnsKey is the set of live connIds in a room.
func RoomConnsKey(roomID string) string {
	return keyPrefix + roomTag(roomID) + ":conns"
}

// RoomLastSeenKey is the sorted set of connIds scored by lastSeenMs.
// Only the reaper reads it.
func RoomLastSeenKey(roomID string) string {
	return keyPrefix + roomTag(roomID) + ":lastseen"
}

// RoomConnMetaKey is the hash mapping connId to a {userId, epoch} JSON blob.
// It outlives the connection record so the reaper can emit a correct leave
// event after the record's TTL has fired.
func RoomConnMetaKey(roomID string) string {
	return keyPrefix + roomTag(roomID) + ":connmeta"
}

// RoomEventsChannel is the pub/sub channel carrying a room's presence events.
func RoomEventsChannel(roomID string) string {
	return keyPrefix + roomTag(roomID) + ":events"
}

// ConnKey is the per-connection record hash.
func ConnKey(connID string) string {
	return keyPrefix + "conn:" + connID
}

// UserConnsKey is the set of connIds owned by a user across all rooms.
func UserConnsKey(userID string) string {
	return keyPrefix + "user:" + userID + ":conns"
}
