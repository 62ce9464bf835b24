package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/presenced/internal/utils"
)

// backdate rewrites a connection's last-seen score so it falls behind the
// reaper's lookback window without waiting it out.
func backdate(t *testing.T, client *redis.Client, roomID, connID string, ms int64) {
	t.Helper()
	err := client.ZAdd(context.Background(), RoomLastSeenKey(roomID), redis.Z{
		Score:  float64(ms),
		Member: connID,
	}).Err()
	require.NoError(t, err)
}

func newTestReaper(t *testing.T, env *testEnv, lookback time.Duration) *Reaper {
	t.Helper()
	reaper, err := NewReaper(env.svc, env.svc.index, utils.NewLogger("error"), 50*time.Millisecond, lookback, 4)
	require.NoError(t, err)
	return reaper
}

func TestReaperEvictsExpiredConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, dispose := subscribeAndSettle(t, env)
	defer dispose()
	ctx := context.Background()

	res, err := env.svc.Join(ctx, "r1", "u1", "c1", State{"mic": true})
	require.NoError(t, err)

	// Simulate a TTL expiry: the record vanishes, the indexes stay behind.
	env.mr.Del(ConnKey("c1"))
	backdate(t, env.client, "r1", "c1", time.Now().Add(-time.Minute).UnixMilli())

	reaper := newTestReaper(t, env, 200*time.Millisecond)
	reaper.Sweep(ctx)

	conns, err := env.client.SMembers(ctx, RoomConnsKey("r1")).Result()
	require.NoError(t, err)
	assert.Empty(t, conns)

	members, err := env.client.SMembers(ctx, RoomMembersKey("r1")).Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	active, err := env.client.SMembers(ctx, ActiveRoomsKey).Result()
	require.NoError(t, err)
	assert.NotContains(t, active, "r1")

	require.Eventually(t, func() bool {
		return len(rec.inRoom("r1", EventLeave)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := rec.inRoom("r1", EventLeave)[0]
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "c1", ev.ConnID)
	assert.Equal(t, res.Epoch, ev.Epoch)

	// Sweeping again finds nothing and publishes nothing.
	reaper.Sweep(ctx)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.inRoom("r1", EventLeave), 1)
}

func TestReaperSkipsLiveConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, dispose := subscribeAndSettle(t, env)
	defer dispose()
	ctx := context.Background()

	_, err := env.svc.Join(ctx, "r1", "u1", "c1", nil)
	require.NoError(t, err)

	// Stale by the index, but the record is still alive: a heartbeat landed
	// after the index was read.
	backdate(t, env.client, "r1", "c1", time.Now().Add(-time.Minute).UnixMilli())

	reaper := newTestReaper(t, env, 200*time.Millisecond)
	reaper.Sweep(ctx)

	conns, err := env.client.SMembers(ctx, RoomConnsKey("r1")).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, conns)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.inRoom("r1", EventLeave))
}

func TestReaperCleansSilentlyWithoutConnMeta(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, dispose := subscribeAndSettle(t, env)
	defer dispose()
	ctx := context.Background()

	_, err := env.svc.Join(ctx, "r1", "u1", "c1", nil)
	require.NoError(t, err)

	// A racing explicit leave already consumed the departure token.
	env.mr.Del(ConnKey("c1"))
	require.NoError(t, env.client.HDel(ctx, RoomConnMetaKey("r1"), "c1").Err())
	backdate(t, env.client, "r1", "c1", time.Now().Add(-time.Minute).UnixMilli())

	reaper := newTestReaper(t, env, 200*time.Millisecond)
	reaper.Sweep(ctx)

	conns, err := env.client.SMembers(ctx, RoomConnsKey("r1")).Result()
	require.NoError(t, err)
	assert.Empty(t, conns)

	active, err := env.client.SMembers(ctx, ActiveRoomsKey).Result()
	require.NoError(t, err)
	assert.NotContains(t, active, "r1")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.inRoom("r1", EventLeave))
}

func TestReaperDropsEmptyActiveRoom(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	// A room left behind in the active set with no connections at all, as
	// after an instance died between unindexing and settling.
	require.NoError(t, env.client.SAdd(ctx, ActiveRoomsKey, "orphan").Err())

	reaper := newTestReaper(t, env, 200*time.Millisecond)
	reaper.Sweep(ctx)

	active, err := env.client.SMembers(ctx, ActiveRoomsKey).Result()
	require.NoError(t, err)
	assert.NotContains(t, active, "orphan")
}

func TestReaperLoopEvictsWithinInterval(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, dispose := subscribeAndSettle(t, env)
	defer dispose()
	ctx := context.Background()

	_, err := env.svc.Join(ctx, "r1", "u1", "c1", nil)
	require.NoError(t, err)

	reaper := newTestReaper(t, env, 200*time.Millisecond)
	reaper.Start()
	defer reaper.Stop()

	// Let the lookback window pass on the wall clock, then expire the record.
	time.Sleep(250 * time.Millisecond)
	env.mr.FastForward(31 * time.Second)

	require.Eventually(t, func() bool {
		return len(rec.inRoom("r1", EventLeave)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	members, err := env.client.SMembers(ctx, RoomMembersKey("r1")).Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	// The periodic loop keeps sweeping; the leave must stay exactly once.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.inRoom("r1", EventLeave), 1)
}
