package presence

import "encoding/json"

// State is a connection's client-defined state blob: an unordered mapping of
// string keys to arbitrary JSON-serializable values.
type State map[string]interface{}

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// equalJSON reports whether two values serialize to the same JSON.
// encoding/json sorts map keys, so the comparison is deterministic.
func equalJSON(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Record is the durable per-connection record. It is stored as a hash at
// ConnKey(connId) with a millisecond TTL refreshed on every mutation.
type Record struct {
	UserID     string `json:"userId"`
	RoomID     string `json:"roomId"`
	LastSeenMs int64  `json:"lastSeenMs"`
	Epoch      int64  `json:"epoch"`
	State      State  `json:"state"`
}

// ConnMeta is the per-room conn metadata entry, the reaper's post-mortem
// source of userId and epoch for expired connections.
type ConnMeta struct {
	UserID string `json:"userId"`
	Epoch  int64  `json:"epoch"`
}

// SnapshotEntry is one live connection in a room snapshot.
type SnapshotEntry struct {
	ConnID     string `json:"connId"`
	UserID     string `json:"userId"`
	State      State  `json:"state"`
	LastSeenMs int64  `json:"lastSeenMs"`
	Epoch      int64  `json:"epoch"`
}

// Event types published on a room's events channel.
const (
	EventJoin   = "join"
	EventUpdate = "update"
	EventLeave  = "leave"
)

// Event is the wire form of a presence event.
type Event struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
	State  State  `json:"state"`
	Ts     int64  `json:"ts"`
	Epoch  int64  `json:"epoch,omitempty"`
}

// JoinResult is returned from a successful join: the caller's identity plus a
// consistent snapshot of the room.
type JoinResult struct {
	ConnID   string          `json:"connId"`
	Epoch    int64           `json:"epoch"`
	Snapshot []SnapshotEntry `json:"snapshot"`
}

// LeaveResult identifies the room and user a departed connection belonged to.
type LeaveResult struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}
