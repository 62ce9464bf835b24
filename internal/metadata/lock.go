package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Advisory locks. A lock is a single string keyed under the channel's hash
// tag whose value is the owning userId. Mutations naming the lock in their
// options require the acting user to own it.

// acquireLockScript grants the lock when free, or refreshes it when already
// owned by the caller.
// KEYS[1]: lock key
// ARGV[1]: userId
// ARGV[2]: TTL millis, 0 for no expiry
var acquireLockScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner == false or owner == ARGV[1] then
  if tonumber(ARGV[2]) > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  else
    redis.call('SET', KEYS[1], ARGV[1])
  end
  return 1
end
return 0
`)

// releaseLockScript deletes the lock only when the caller owns it.
// KEYS[1]: lock key
// ARGV[1]: userId
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// AcquireLock takes or refreshes a named lock for userID. It reports false
// when another user holds the lock. A zero TTL keeps the lock until released.
func (s *Store) AcquireLock(ctx context.Context, channelType, channelName, lockName, userID string, ttl time.Duration) (bool, error) {
	if channelType == "" || channelName == "" || lockName == "" || userID == "" {
		return false, newError(CodeInvalid, "channelType, channelName, lockName and userId are required")
	}
	ok, err := acquireLockScript.Run(ctx, s.store.Client(),
		[]string{LockKey(channelType, channelName, lockName)},
		userID,
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", lockName, err)
	}
	return ok == 1, nil
}

// ReleaseLock releases a named lock held by userID. It reports false when the
// lock does not exist or belongs to another user.
func (s *Store) ReleaseLock(ctx context.Context, channelType, channelName, lockName, userID string) (bool, error) {
	if channelType == "" || channelName == "" || lockName == "" || userID == "" {
		return false, newError(CodeInvalid, "channelType, channelName, lockName and userId are required")
	}
	ok, err := releaseLockScript.Run(ctx, s.store.Client(),
		[]string{LockKey(channelType, channelName, lockName)},
		userID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", lockName, err)
	}
	return ok == 1, nil
}
