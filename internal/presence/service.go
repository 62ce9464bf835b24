package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/presenced/internal/eventbus"
	"github.com/realtime-ai/presenced/internal/store"
	"github.com/realtime-ai/presenced/internal/utils"
)

// Options selects the service's optional write paths. Observable behavior is
// the same on every path.
type Options struct {
	ScriptedJoin      bool
	ScriptedHeartbeat bool

	HeartbeatBatcherEnabled bool
	HeartbeatBatchWindow    time.Duration
	HeartbeatMaxBatchSize   int
}

// Service implements the presence operations: join, heartbeat, leave and
// room snapshots, plus the event subscription used by the socket bridge.
type Service struct {
	store    *store.Store
	registry *Registry
	index    *RoomIndex
	bus      *eventbus.Bus
	logger   *utils.Logger

	scripts           *scripts
	scriptedJoin      bool
	scriptedHeartbeat bool
	batcher           *heartbeatBatcher
}

// NewService wires a presence service over the shared store. When a scripted
// path is enabled the scripts are loaded into the store's cache up front.
func NewService(ctx context.Context, st *store.Store, registry *Registry, index *RoomIndex, bus *eventbus.Bus, logger *utils.Logger, opts Options) (*Service, error) {
	s := &Service{
		store:             st,
		registry:          registry,
		index:             index,
		bus:               bus,
		logger:            logger,
		scriptedJoin:      opts.ScriptedJoin,
		scriptedHeartbeat: opts.ScriptedHeartbeat,
	}

	if opts.ScriptedJoin || opts.ScriptedHeartbeat {
		s.scripts = newScripts(st.Client(), registry.TTL())
		if err := s.scripts.load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load presence scripts: %w", err)
		}
	}

	if opts.HeartbeatBatcherEnabled {
		s.batcher = newHeartbeatBatcher(s, opts.HeartbeatBatchWindow, opts.HeartbeatMaxBatchSize)
		s.batcher.start()
	}

	return s, nil
}

// Close stops the heartbeat batcher, rejecting any pending heartbeats.
func (s *Service) Close() {
	if s.batcher != nil {
		s.batcher.dispose()
	}
}

// Join registers a connection in a room and returns the caller's epoch plus a
// consistent snapshot. Rejoining with the same connId advances the epoch so
// the newer socket wins over a stale one still draining.
func (s *Service) Join(ctx context.Context, roomID, userID, connID string, state State) (*JoinResult, error) {
	ctx, span := otel.Tracer("presence-service").Start(ctx, "presence.join", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("conn.id", connID),
	))
	defer span.End()

	if roomID == "" || userID == "" || connID == "" {
		presenceOps.WithLabelValues("join", outcomeError).Inc()
		return nil, fmt.Errorf("presence join: roomId, userId and connId are required")
	}
	if state == nil {
		state = State{}
	}

	nowMs := time.Now().UnixMilli()
	var epoch int64
	var err error

	if s.scriptedJoin {
		epoch, err = s.scripts.join(ctx, roomID, userID, connID, state, nowMs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scripted join failed")
			presenceOps.WithLabelValues("join", outcomeError).Inc()
			return nil, err
		}
	} else {
		epoch, err = s.joinDirect(ctx, roomID, userID, connID, state, nowMs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "join failed")
			presenceOps.WithLabelValues("join", outcomeError).Inc()
			return nil, err
		}
	}

	s.publishEvent(ctx, roomID, Event{
		Type:   EventJoin,
		RoomID: roomID,
		UserID: userID,
		ConnID: connID,
		State:  state,
		Ts:     nowMs,
		Epoch:  epoch,
	})

	snapshot, err := s.FetchRoomSnapshot(ctx, roomID)
	if err != nil {
		span.RecordError(err)
		presenceOps.WithLabelValues("join", outcomeError).Inc()
		return nil, err
	}

	presenceOps.WithLabelValues("join", outcomeOK).Inc()
	return &JoinResult{ConnID: connID, Epoch: epoch, Snapshot: snapshot}, nil
}

// joinDirect writes the record and all room indexes in one MULTI/EXEC so
// readers on other instances never observe a half-joined connection.
func (s *Service) joinDirect(ctx context.Context, roomID, userID, connID string, state State, nowMs int64) (int64, error) {
	prior, err := s.registry.Read(ctx, connID)
	if err != nil {
		return 0, err
	}
	epoch := nowMs
	if prior != nil && prior.Epoch+1 > epoch {
		epoch = prior.Epoch + 1
	}

	rec := &Record{UserID: userID, RoomID: roomID, LastSeenMs: nowMs, Epoch: epoch, State: state}
	_, err = s.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if perr := s.registry.writeInitialPipe(ctx, pipe, connID, rec); perr != nil {
			return perr
		}
		return s.index.addConnectionPipe(ctx, pipe, roomID, userID, connID, epoch, nowMs)
	})
	if err != nil {
		// Indexing must not leave a dangling record behind.
		if derr := s.registry.Delete(ctx, connID); derr != nil {
			s.logger.Error(ctx, "failed to roll back connection %s after join failure: %v", connID, derr)
		}
		return 0, fmt.Errorf("presence join: %w", err)
	}
	return epoch, nil
}

// Heartbeat renews a connection's TTL and optionally merges a state patch.
// It reports whether the stored state changed. A missing record and a stale
// requested epoch are both benign no-ops on this path.
func (s *Service) Heartbeat(ctx context.Context, connID string, patch State, requestedEpoch int64) (bool, error) {
	if connID == "" {
		return false, fmt.Errorf("presence heartbeat: connId is required")
	}
	if s.batcher != nil {
		return s.batcher.heartbeat(ctx, connID, patch, requestedEpoch)
	}
	return s.heartbeatDirect(ctx, connID, patch, requestedEpoch)
}

func (s *Service) heartbeatDirect(ctx context.Context, connID string, patch State, requestedEpoch int64) (bool, error) {
	ctx, span := otel.Tracer("presence-service").Start(ctx, "presence.heartbeat", trace.WithAttributes(
		attribute.String("conn.id", connID),
	))
	defer span.End()

	if s.scriptedHeartbeat {
		return s.scriptedHeartbeatPath(ctx, span, connID, patch, requestedEpoch)
	}

	rec, err := s.registry.Read(ctx, connID)
	if err != nil {
		span.RecordError(err)
		presenceOps.WithLabelValues("heartbeat", outcomeError).Inc()
		return false, err
	}
	if rec == nil {
		presenceOps.WithLabelValues("heartbeat", outcomeNoop).Inc()
		return false, nil
	}
	if requestedEpoch > 0 && requestedEpoch < rec.Epoch {
		presenceOps.WithLabelValues("heartbeat", outcomeNoop).Inc()
		return false, nil
	}

	nowMs := time.Now().UnixMilli()
	merged, changed := mergePatch(rec.State, patch)
	newEpoch := rec.Epoch
	if requestedEpoch > rec.Epoch {
		newEpoch = requestedEpoch
	}

	_, err = s.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.registry.touchPipe(ctx, pipe, connID, nowMs)
		s.index.touchLastSeenPipe(ctx, pipe, rec.RoomID, connID, nowMs)
		if changed {
			if perr := s.registry.patchStatePipe(ctx, pipe, connID, merged); perr != nil {
				return perr
			}
		}
		if newEpoch > rec.Epoch {
			s.registry.setEpochPipe(ctx, pipe, connID, newEpoch)
			if perr := s.index.recordUserForConnPipe(ctx, pipe, rec.RoomID, connID, ConnMeta{UserID: rec.UserID, Epoch: newEpoch}); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat write failed")
		presenceOps.WithLabelValues("heartbeat", outcomeError).Inc()
		return false, fmt.Errorf("presence heartbeat: %w", err)
	}

	if changed {
		s.publishEvent(ctx, rec.RoomID, Event{
			Type:   EventUpdate,
			RoomID: rec.RoomID,
			UserID: rec.UserID,
			ConnID: connID,
			State:  merged,
			Ts:     nowMs,
			Epoch:  newEpoch,
		})
		presenceOps.WithLabelValues("heartbeat", outcomeOK).Inc()
	} else {
		presenceOps.WithLabelValues("heartbeat", outcomeNoop).Inc()
	}
	return changed, nil
}

func (s *Service) scriptedHeartbeatPath(ctx context.Context, span trace.Span, connID string, patch State, requestedEpoch int64) (bool, error) {
	nowMs := time.Now().UnixMilli()
	res, err := s.scripts.heartbeat(ctx, connID, patch, requestedEpoch, nowMs)
	if err != nil {
		span.RecordError(err)
		presenceOps.WithLabelValues("heartbeat", outcomeError).Inc()
		return false, err
	}
	if res.missing || res.stale {
		presenceOps.WithLabelValues("heartbeat", outcomeNoop).Inc()
		return false, nil
	}
	if res.changed {
		s.publishEvent(ctx, res.roomID, Event{
			Type:   EventUpdate,
			RoomID: res.roomID,
			UserID: res.userID,
			ConnID: connID,
			State:  res.state,
			Ts:     nowMs,
			Epoch:  res.epoch,
		})
		presenceOps.WithLabelValues("heartbeat", outcomeOK).Inc()
	} else {
		presenceOps.WithLabelValues("heartbeat", outcomeNoop).Inc()
	}
	return res.changed, nil
}

// Leave removes a connection from its room and publishes the final leave
// event. Returns nil for an unknown connection.
func (s *Service) Leave(ctx context.Context, connID string) (*LeaveResult, error) {
	ctx, span := otel.Tracer("presence-service").Start(ctx, "presence.leave", trace.WithAttributes(
		attribute.String("conn.id", connID),
	))
	defer span.End()

	if connID == "" {
		return nil, fmt.Errorf("presence leave: connId is required")
	}

	rec, err := s.registry.Read(ctx, connID)
	if err != nil {
		span.RecordError(err)
		presenceOps.WithLabelValues("leave", outcomeError).Inc()
		return nil, err
	}
	if rec == nil {
		presenceOps.WithLabelValues("leave", outcomeNoop).Inc()
		return nil, nil
	}

	var removed *redis.IntCmd
	_, err = s.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = s.index.removeConnectionPipe(ctx, pipe, rec.RoomID, rec.UserID, connID)
		s.registry.deletePipe(ctx, pipe, connID)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "leave cleanup failed")
		presenceOps.WithLabelValues("leave", outcomeError).Inc()
		return nil, fmt.Errorf("presence leave: %w", err)
	}

	if err := s.settleRoomAfterDeparture(ctx, rec.RoomID, rec.UserID); err != nil {
		span.RecordError(err)
		presenceOps.WithLabelValues("leave", outcomeError).Inc()
		return nil, err
	}

	// Only the caller that actually removed the conn metadata entry owns the
	// departure; a racing reaper or peer must not double-publish.
	if removed.Val() > 0 {
		s.publishEvent(ctx, rec.RoomID, Event{
			Type:   EventLeave,
			RoomID: rec.RoomID,
			UserID: rec.UserID,
			ConnID: connID,
			Ts:     time.Now().UnixMilli(),
			Epoch:  rec.Epoch,
		})
	}

	presenceOps.WithLabelValues("leave", outcomeOK).Inc()
	return &LeaveResult{RoomID: rec.RoomID, UserID: rec.UserID}, nil
}

// settleRoomAfterDeparture drops the user from the members set when their
// last connection in the room is gone, and retires the room itself when its
// connection set is empty.
func (s *Service) settleRoomAfterDeparture(ctx context.Context, roomID, userID string) error {
	count, err := s.index.CountUserConnections(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := s.index.RemoveMember(ctx, roomID, userID); err != nil {
			return err
		}
	}
	if _, err := s.index.DropRoomIfEmpty(ctx, roomID); err != nil {
		return err
	}
	return nil
}

// FetchRoomSnapshot returns the live connections of a room ordered by connId.
// Connections that disappear between the index read and the record read are
// silently dropped.
func (s *Service) FetchRoomSnapshot(ctx context.Context, roomID string) ([]SnapshotEntry, error) {
	conns, err := s.index.ListConnections(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return []SnapshotEntry{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(conns))
	_, err = s.store.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, connID := range conns {
			cmds[i] = pipe.HGetAll(ctx, ConnKey(connID))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}

	entries := make([]SnapshotEntry, 0, len(conns))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		rec, err := parseRecord(m)
		if err != nil {
			s.logger.Debug(ctx, "skipping malformed record for %s: %v", conns[i], err)
			continue
		}
		entries = append(entries, SnapshotEntry{
			ConnID:     conns[i],
			UserID:     rec.UserID,
			State:      rec.State,
			LastSeenMs: rec.LastSeenMs,
			Epoch:      rec.Epoch,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ConnID < entries[j].ConnID })
	return entries, nil
}

// Subscribe registers a handler for presence events from every room and
// returns its disposer. The underlying listener is shared and reference
// counted by the bus.
func (s *Service) Subscribe(handler func(Event)) func() {
	return s.bus.Subscribe(RoomEventsPattern, func(channel string, payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.Error(context.Background(), "failed to decode presence event on %s: %v", channel, err)
			return
		}
		handler(ev)
	})
}

func (s *Service) publishEvent(ctx context.Context, roomID string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, "failed to marshal %s event for room %s: %v", ev.Type, roomID, err)
		return
	}
	// Events are best-effort; a failed publish never fails the operation.
	if err := s.store.Publish(ctx, RoomEventsChannel(roomID), b); err != nil {
		s.logger.Error(ctx, "failed to publish %s event for room %s: %v", ev.Type, roomID, err)
	}
}

// mergePatch merges patch into base with last-write-wins per key. It reports
// whether the result serializes differently from base, so an identical patch
// is a no-op.
func mergePatch(base, patch State) (State, bool) {
	merged := base.Clone()
	changed := false
	for k, v := range patch {
		cur, ok := merged[k]
		if !ok || !equalJSON(cur, v) {
			merged[k] = v
			changed = true
		}
	}
	return merged, changed
}
