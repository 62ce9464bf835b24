package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scripted write paths. Each script collapses a multi-round-trip operation
// into one atomic server-side call; the scripted heartbeat additionally
// closes the read-then-write epoch race between instances. Both scripts
// derive room keys from the record's roomId, so they require a non-clustered
// store (the service only enables them against a single node).
//
// Epoch and timestamp values travel as strings end to end. Lua numbers are
// doubles and round-trip through the store in ways that can reformat large
// integers, so the scripts never hand a computed number back to redis.call.

// joinScript atomically writes the connection record and all room indexes.
// KEYS[1]: connection record hash
// KEYS[2]: room members set
// KEYS[3]: room connection set
// KEYS[4]: room last-seen sorted set
// KEYS[5]: room conn metadata hash
// KEYS[6]: active rooms set
// KEYS[7]: user connections set
// ARGV[1]: now in epoch millis
// ARGV[2]: record TTL millis
// ARGV[3]: state JSON
// ARGV[4]: roomId
// ARGV[5]: userId
// ARGV[6]: connId
// Returns the assigned epoch as a string.
var joinScript = redis.NewScript(`
local epochStr = ARGV[1]
local prior = redis.call('HGET', KEYS[1], 'epoch')
if prior then
  local bumped = tonumber(prior) + 1
  if bumped > tonumber(ARGV[1]) then
    epochStr = string.format('%.0f', bumped)
  end
end
redis.call('HSET', KEYS[1], 'userId', ARGV[5], 'roomId', ARGV[4], 'lastSeenMs', ARGV[1], 'epoch', epochStr, 'state', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
redis.call('ZADD', KEYS[4], ARGV[1], ARGV[6])
redis.call('HSET', KEYS[5], ARGV[6], '{"userId":' .. cjson.encode(ARGV[5]) .. ',"epoch":' .. epochStr .. '}')
redis.call('SADD', KEYS[6], ARGV[4])
redis.call('SADD', KEYS[7], ARGV[6])
return epochStr
`)

// heartbeatScript atomically validates the epoch, merges the optional state
// patch, refreshes lastSeen and TTL, and keeps the room's last-seen index and
// conn metadata in step.
// KEYS[1]: connection record hash
// ARGV[1]: now in epoch millis
// ARGV[2]: record TTL millis
// ARGV[3]: requested epoch ("0" when absent)
// ARGV[4]: state patch JSON ("" when absent)
// ARGV[5]: key prefix
// ARGV[6]: connId
// Returns {status, epoch, roomId, userId, state} where status is
// -2 missing, -1 stale, 0 unchanged, 1 changed.
var heartbeatScript = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec == 0 then
  return {-2, '0', '', '', ''}
end
local f = {}
for i = 1, #rec, 2 do
  f[rec[i]] = rec[i + 1]
end
local epoch = tonumber(f['epoch']) or 0
local requested = tonumber(ARGV[3])
if requested > 0 and requested < epoch then
  return {-1, f['epoch'], f['roomId'], f['userId'], f['state']}
end
local epochStr = f['epoch']
local advanced = false
if requested > epoch then
  epochStr = ARGV[3]
  advanced = true
end
local state = f['state']
local changed = 0
if ARGV[4] ~= '' then
  local cur = cjson.decode(state)
  local patch = cjson.decode(ARGV[4])
  for k, v in pairs(patch) do
    if cur[k] == nil or cjson.encode(cur[k]) ~= cjson.encode(v) then
      cur[k] = v
      changed = 1
    end
  end
  if changed == 1 then
    state = cjson.encode(cur)
  end
end
redis.call('HSET', KEYS[1], 'lastSeenMs', ARGV[1])
if changed == 1 then
  redis.call('HSET', KEYS[1], 'state', state)
end
if advanced then
  redis.call('HSET', KEYS[1], 'epoch', epochStr)
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local roomKey = ARGV[5] .. '{room:' .. f['roomId'] .. '}'
redis.call('ZADD', roomKey .. ':lastseen', ARGV[1], ARGV[6])
if advanced then
  redis.call('HSET', roomKey .. ':connmeta', ARGV[6], '{"userId":' .. cjson.encode(f['userId']) .. ',"epoch":' .. epochStr .. '}')
end
return {changed, epochStr, f['roomId'], f['userId'], state}
`)

const (
	scriptStatusMissing   = int64(-2)
	scriptStatusStale     = int64(-1)
	scriptStatusUnchanged = int64(0)
	scriptStatusChanged   = int64(1)
)

type scripts struct {
	client *redis.Client
	ttl    time.Duration
}

func newScripts(client *redis.Client, ttl time.Duration) *scripts {
	return &scripts{client: client, ttl: ttl}
}

// load primes the store's script cache. Run falls back to EVAL and re-caches
// if the store later reports the script missing, so a cache flush only costs
// one extra round trip.
func (sc *scripts) load(ctx context.Context) error {
	for _, script := range []*redis.Script{joinScript, heartbeatScript} {
		if err := script.Load(ctx, sc.client).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (sc *scripts) join(ctx context.Context, roomID, userID, connID string, state State, nowMs int64) (int64, error) {
	stateStr, err := stateJSON(state)
	if err != nil {
		return 0, err
	}
	keys := []string{
		ConnKey(connID),
		RoomMembersKey(roomID),
		RoomConnsKey(roomID),
		RoomLastSeenKey(roomID),
		RoomConnMetaKey(roomID),
		ActiveRoomsKey,
		UserConnsKey(userID),
	}
	res, err := joinScript.Run(ctx, sc.client, keys,
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(sc.ttl.Milliseconds(), 10),
		stateStr,
		roomID,
		userID,
		connID,
	).Text()
	if err != nil {
		return 0, fmt.Errorf("scripted join: %w", err)
	}
	epoch, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("scripted join returned invalid epoch %q: %w", res, err)
	}
	return epoch, nil
}

type scriptHeartbeatResult struct {
	missing bool
	stale   bool
	changed bool
	epoch   int64
	roomID  string
	userID  string
	state   State
}

func (sc *scripts) heartbeat(ctx context.Context, connID string, patch State, requestedEpoch, nowMs int64) (*scriptHeartbeatResult, error) {
	patchStr := ""
	if len(patch) > 0 {
		var err error
		patchStr, err = stateJSON(patch)
		if err != nil {
			return nil, err
		}
	}
	raw, err := heartbeatScript.Run(ctx, sc.client, []string{ConnKey(connID)},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(sc.ttl.Milliseconds(), 10),
		strconv.FormatInt(requestedEpoch, 10),
		patchStr,
		keyPrefix,
		connID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("scripted heartbeat: %w", err)
	}
	return parseHeartbeatReply(raw)
}

func parseHeartbeatReply(raw []interface{}) (*scriptHeartbeatResult, error) {
	if len(raw) != 5 {
		return nil, fmt.Errorf("scripted heartbeat returned %d values, want 5", len(raw))
	}
	status, ok := raw[0].(int64)
	if !ok {
		return nil, fmt.Errorf("scripted heartbeat returned non-integer status %T", raw[0])
	}
	res := &scriptHeartbeatResult{}
	switch status {
	case scriptStatusMissing:
		res.missing = true
		return res, nil
	case scriptStatusStale:
		res.stale = true
	case scriptStatusChanged:
		res.changed = true
	case scriptStatusUnchanged:
	default:
		return nil, fmt.Errorf("scripted heartbeat returned unknown status %d", status)
	}

	epochStr, _ := raw[1].(string)
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scripted heartbeat returned invalid epoch %q: %w", epochStr, err)
	}
	res.epoch = epoch
	res.roomID, _ = raw[2].(string)
	res.userID, _ = raw[3].(string)

	stateStr, _ := raw[4].(string)
	state := State{}
	if stateStr != "" {
		if err := json.Unmarshal([]byte(stateStr), &state); err != nil {
			return nil, fmt.Errorf("scripted heartbeat returned invalid state: %w", err)
		}
	}
	res.state = state
	return res, nil
}
