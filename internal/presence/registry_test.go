package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRegistry(client, ttl), mr
}

func TestRegistryWriteAndRead(t *testing.T) {
	reg, _ := newTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	rec := &Record{
		UserID:     "u1",
		RoomID:     "r1",
		LastSeenMs: 1000,
		Epoch:      42,
		State:      State{"mic": true},
	}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))

	got, err := reg.Read(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "r1", got.RoomID)
	assert.Equal(t, int64(1000), got.LastSeenMs)
	assert.Equal(t, int64(42), got.Epoch)
	assert.Equal(t, State{"mic": true}, got.State)
}

func TestRegistryReadMissingReturnsNil(t *testing.T) {
	reg, _ := newTestRegistry(t, 30*time.Second)

	got, err := reg.Read(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := reg.Exists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegistryRecordExpires(t *testing.T) {
	reg, mr := newTestRegistry(t, 100*time.Millisecond)
	ctx := context.Background()

	rec := &Record{UserID: "u1", RoomID: "r1", LastSeenMs: 1, Epoch: 1, State: State{}}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))

	mr.FastForward(150 * time.Millisecond)

	got, err := reg.Read(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistryTouchRefreshesTTL(t *testing.T) {
	reg, mr := newTestRegistry(t, 200*time.Millisecond)
	ctx := context.Background()

	rec := &Record{UserID: "u1", RoomID: "r1", LastSeenMs: 1, Epoch: 1, State: State{}}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))

	mr.FastForward(150 * time.Millisecond)
	require.NoError(t, reg.Touch(ctx, "c1", 2))
	mr.FastForward(150 * time.Millisecond)

	// Without the touch the record would have expired by now.
	got, err := reg.Read(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.LastSeenMs)
}

func TestRegistryPatchStateAndSetEpoch(t *testing.T) {
	reg, _ := newTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	rec := &Record{UserID: "u1", RoomID: "r1", LastSeenMs: 1, Epoch: 1, State: State{"a": float64(1)}}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))

	require.NoError(t, reg.PatchState(ctx, "c1", State{"a": float64(1), "b": float64(2)}))
	require.NoError(t, reg.SetEpoch(ctx, "c1", 7))

	got, err := reg.Read(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, State{"a": float64(1), "b": float64(2)}, got.State)
	assert.Equal(t, int64(7), got.Epoch)
}

func TestRegistryDelete(t *testing.T) {
	reg, _ := newTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	rec := &Record{UserID: "u1", RoomID: "r1", LastSeenMs: 1, Epoch: 1, State: State{}}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))
	require.NoError(t, reg.Delete(ctx, "c1"))

	exists, err := reg.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting an absent record is not an error.
	require.NoError(t, reg.Delete(ctx, "c1"))
}

func TestRegistryNilStateStoredAsEmptyObject(t *testing.T) {
	reg, _ := newTestRegistry(t, 30*time.Second)
	ctx := context.Background()

	rec := &Record{UserID: "u1", RoomID: "r1", LastSeenMs: 1, Epoch: 1, State: nil}
	require.NoError(t, reg.WriteInitial(ctx, "c1", rec))

	got, err := reg.Read(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, State{}, got.State)
}
