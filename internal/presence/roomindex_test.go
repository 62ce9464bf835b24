package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*RoomIndex, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRoomIndex(client), client
}

func TestRoomIndexAddAndListConnection(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c1", 5, 1000))

	conns, err := idx.ListConnections(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, conns)

	members, err := idx.ListMembers(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1"}, members)

	rooms, err := idx.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, "r1")

	userConns, err := idx.ListUserConnections(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, userConns)

	meta, err := idx.ReadUserForConn(ctx, "r1", "c1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "u1", meta.UserID)
	assert.Equal(t, int64(5), meta.Epoch)
}

func TestRoomIndexRemoveConnectionOwnership(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c1", 1, 1000))

	// The first removal owns the departure, the second does not.
	removed, err := idx.RemoveConnection(ctx, "r1", "u1", "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = idx.RemoveConnection(ctx, "r1", "u1", "c1")
	require.NoError(t, err)
	assert.False(t, removed)

	conns, err := idx.ListConnections(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, conns)

	userConns, err := idx.ListUserConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, userConns)

	meta, err := idx.ReadUserForConn(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestRoomIndexListStaleConnections(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c-old", 1, 1000))
	require.NoError(t, idx.AddConnection(ctx, "r1", "u2", "c-mid", 1, 2000))
	require.NoError(t, idx.AddConnection(ctx, "r1", "u3", "c-new", 1, 3000))

	stale, err := idx.ListStaleConnections(ctx, "r1", 2000)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-old", "c-mid"}, stale)

	stale, err = idx.ListStaleConnections(ctx, "r1", 500)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRoomIndexCountUserConnections(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c1", 1, 1000))
	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c2", 1, 1000))
	require.NoError(t, idx.AddConnection(ctx, "r1", "u2", "c3", 1, 1000))

	n, err := idx.CountUserConnections(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = idx.CountUserConnections(ctx, "r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = idx.CountUserConnections(ctx, "r1", "u3")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRoomIndexDropRoomIfEmpty(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c1", 1, 1000))

	dropped, err := idx.DropRoomIfEmpty(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, dropped)

	_, err = idx.RemoveConnection(ctx, "r1", "u1", "c1")
	require.NoError(t, err)

	dropped, err = idx.DropRoomIfEmpty(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, dropped)

	rooms, err := idx.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.NotContains(t, rooms, "r1")
}

func TestRoomIndexRecordUserForConnOverwrites(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.AddConnection(ctx, "r1", "u1", "c1", 1, 1000))
	require.NoError(t, idx.RecordUserForConn(ctx, "r1", "c1", ConnMeta{UserID: "u1", Epoch: 9}))

	meta, err := idx.ReadUserForConn(ctx, "r1", "c1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(9), meta.Epoch)
}
