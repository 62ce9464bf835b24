package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection record hash fields.
const (
	fieldUserID     = "userId"
	fieldRoomID     = "roomId"
	fieldLastSeenMs = "lastSeenMs"
	fieldEpoch      = "epoch"
	fieldState      = "state"
)

// Registry stores per-connection records as hashes with a millisecond TTL.
// Every mutation refreshes the TTL; a record that stops being touched
// disappears on its own and the reaper later converts the leftover indexes
// into a leave event.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRegistry creates a registry writing records with the given TTL.
func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

// TTL returns the configured record TTL.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Read returns the record for connID, or nil if it is missing or expired.
func (r *Registry) Read(ctx context.Context, connID string) (*Record, error) {
	m, err := r.client.HGetAll(ctx, ConnKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read connection %s: %w", connID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return parseRecord(m)
}

// Exists reports whether a record currently exists for connID.
func (r *Registry) Exists(ctx context.Context, connID string) (bool, error) {
	n, err := r.client.Exists(ctx, ConnKey(connID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check connection %s: %w", connID, err)
	}
	return n > 0, nil
}

// WriteInitial writes a full record for a joining connection.
func (r *Registry) WriteInitial(ctx context.Context, connID string, rec *Record) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.writeInitialPipe(ctx, pipe, connID, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to write connection %s: %w", connID, err)
	}
	return nil
}

// Touch refreshes lastSeen and the TTL without changing state.
func (r *Registry) Touch(ctx context.Context, connID string, lastSeenMs int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.touchPipe(ctx, pipe, connID, lastSeenMs)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch connection %s: %w", connID, err)
	}
	return nil
}

// PatchState replaces the stored state blob and refreshes the TTL.
func (r *Registry) PatchState(ctx context.Context, connID string, state State) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.patchStatePipe(ctx, pipe, connID, state)
	})
	if err != nil {
		return fmt.Errorf("failed to patch connection %s: %w", connID, err)
	}
	return nil
}

// SetEpoch stores an advanced epoch and refreshes the TTL.
func (r *Registry) SetEpoch(ctx context.Context, connID string, epoch int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.setEpochPipe(ctx, pipe, connID, epoch)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set epoch for connection %s: %w", connID, err)
	}
	return nil
}

// Delete removes the record.
func (r *Registry) Delete(ctx context.Context, connID string) error {
	if err := r.client.Del(ctx, ConnKey(connID)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", connID, err)
	}
	return nil
}

// Pipelined variants. The service composes these into a single MULTI/EXEC
// per operation so concurrent readers on other instances never observe a
// half-written record.

func (r *Registry) writeInitialPipe(ctx context.Context, pipe redis.Pipeliner, connID string, rec *Record) error {
	state, err := stateJSON(rec.State)
	if err != nil {
		return err
	}
	key := ConnKey(connID)
	pipe.HSet(ctx, key,
		fieldUserID, rec.UserID,
		fieldRoomID, rec.RoomID,
		fieldLastSeenMs, rec.LastSeenMs,
		fieldEpoch, rec.Epoch,
		fieldState, state,
	)
	pipe.PExpire(ctx, key, r.ttl)
	return nil
}

func (r *Registry) touchPipe(ctx context.Context, pipe redis.Pipeliner, connID string, lastSeenMs int64) {
	key := ConnKey(connID)
	pipe.HSet(ctx, key, fieldLastSeenMs, lastSeenMs)
	pipe.PExpire(ctx, key, r.ttl)
}

func (r *Registry) patchStatePipe(ctx context.Context, pipe redis.Pipeliner, connID string, state State) error {
	s, err := stateJSON(state)
	if err != nil {
		return err
	}
	key := ConnKey(connID)
	pipe.HSet(ctx, key, fieldState, s)
	pipe.PExpire(ctx, key, r.ttl)
	return nil
}

func (r *Registry) setEpochPipe(ctx context.Context, pipe redis.Pipeliner, connID string, epoch int64) {
	key := ConnKey(connID)
	pipe.HSet(ctx, key, fieldEpoch, epoch)
	pipe.PExpire(ctx, key, r.ttl)
}

func (r *Registry) deletePipe(ctx context.Context, pipe redis.Pipeliner, connID string) {
	pipe.Del(ctx, ConnKey(connID))
}

func stateJSON(state State) (string, error) {
	if state == nil {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(b), nil
}

func parseRecord(m map[string]string) (*Record, error) {
	lastSeen, err := strconv.ParseInt(m[fieldLastSeenMs], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lastSeenMs in connection record: %w", err)
	}
	epoch, err := strconv.ParseInt(m[fieldEpoch], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid epoch in connection record: %w", err)
	}
	state := State{}
	if raw := m[fieldState]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("invalid state in connection record: %w", err)
		}
	}
	return &Record{
		UserID:     m[fieldUserID],
		RoomID:     m[fieldRoomID],
		LastSeenMs: lastSeen,
		Epoch:      epoch,
		State:      state,
	}, nil
}
