package metadata

import (
	"context"
	"encoding/json"
	"fmt"
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

// StoreOptions selects the write path. The transactional path watches the
// record key and retries on commit conflicts; the default path is plain
// read-modify-write with post-read CAS checks.
type StoreOptions struct {
	Transactional bool
	MaxRetries    int
	RetryDelay    time.Duration
}

// Store implements the versioned per-channel metadata operations and the
// advisory locks guarding them.
type Store struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *utils.Logger

	transactional bool
	maxRetries    int
	retryDelay    time.Duration

	// Invoked between the staged read and the commit on the transactional
	// path. Tests use it to interleave a conflicting write.
	beforeCommit func()
}

func NewStore(st *store.Store, bus *eventbus.Bus, logger *utils.Logger, opts StoreOptions) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	return &Store{
		store:         st,
		bus:           bus,
		logger:        logger,
		transactional: opts.Transactional,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
	}
}

// Set replaces the channel's record with the supplied items. Every item in
// the new record starts at revision 1.
func (s *Store) Set(ctx context.Context, p Params) (*Response, error) {
	return s.run(ctx, OpSet, p, applySet)
}

// Update mutates existing items in place. The record and every targeted item
// must already exist; each touched item's revision increments by one.
func (s *Store) Update(ctx context.Context, p Params) (*Response, error) {
	return s.run(ctx, OpUpdate, p, applyUpdate)
}

// Remove deletes the listed keys, or every key when none are listed. The
// record key stays in place, so a cleared channel reads back with a zero
// totalCount. The major revision bumps only when a key was actually removed.
func (s *Store) Remove(ctx context.Context, p Params) (*Response, error) {
	return s.run(ctx, OpRemove, p, applyRemove)
}

// Get returns the channel's current record. A missing record is not an
// error: the response is empty with majorRevision 0.
func (s *Store) Get(ctx context.Context, p Params) (*Response, error) {
	ctx, span := otel.Tracer("metadata-store").Start(ctx, "metadata.get", trace.WithAttributes(
		attribute.String("channel.type", p.ChannelType),
		attribute.String("channel.name", p.ChannelName),
	))
	defer span.End()

	if err := validateChannel(p); err != nil {
		metadataOps.WithLabelValues("get", outcomeRejected).Inc()
		return nil, err
	}
	rec, _, err := s.readRecord(ctx, MetaKey(p.ChannelType, p.ChannelName))
	if err != nil {
		span.RecordError(err)
		metadataOps.WithLabelValues("get", outcomeError).Inc()
		return nil, err
	}
	metadataOps.WithLabelValues("get", outcomeOK).Inc()
	return buildResponse(p, rec, isoNow()), nil
}

// Subscribe registers a handler for metadata events from every channel and
// returns its disposer. The underlying listener is shared and reference
// counted by the bus.
func (s *Store) Subscribe(handler func(Event)) func() {
	return s.bus.Subscribe(MetaEventsPattern, func(channel string, payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.Error(context.Background(), "failed to decode metadata event on %s: %v", channel, err)
			return
		}
		handler(ev)
	})
}

func (s *Store) run(ctx context.Context, op string, p Params, apply applyFunc) (*Response, error) {
	ctx, span := otel.Tracer("metadata-store").Start(ctx, "metadata."+op, trace.WithAttributes(
		attribute.String("channel.type", p.ChannelType),
		attribute.String("channel.name", p.ChannelName),
	))
	defer span.End()

	var resp *Response
	var err error
	if s.transactional {
		resp, err = s.mutateTx(ctx, op, p, apply)
	} else {
		resp, err = s.mutate(ctx, op, p, apply)
	}
	if err != nil {
		span.RecordError(err)
		if code := CodeOf(err); code != "" {
			span.SetStatus(codes.Error, code)
			metadataOps.WithLabelValues(op, outcomeRejected).Inc()
		} else {
			span.SetStatus(codes.Error, "metadata operation failed")
			metadataOps.WithLabelValues(op, outcomeError).Inc()
		}
		return nil, err
	}
	metadataOps.WithLabelValues(op, outcomeOK).Inc()
	return resp, nil
}

// mutate is the read-modify-write path. The CAS check happens after the
// read, so two concurrent writers that both skip CAS can still race; the
// transactional path carries the stronger guarantee.
func (s *Store) mutate(ctx context.Context, op string, p Params, apply applyFunc) (*Response, error) {
	if err := validateChannel(p); err != nil {
		return nil, err
	}
	nowIso := isoNow()
	if err := s.checkLock(ctx, p); err != nil {
		return nil, err
	}

	key := MetaKey(p.ChannelType, p.ChannelName)
	prev, exists, err := s.readRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := checkMajorCAS(prev, p.Options); err != nil {
		return nil, err
	}
	staged, touched, mutated, err := apply(prev, exists, p, nowIso)
	if err != nil {
		return nil, err
	}
	if !mutated {
		return buildResponse(p, staged, nowIso), nil
	}

	raw, err := json.Marshal(staged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata record: %w", err)
	}
	if err := s.store.Client().Set(ctx, key, raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to write metadata record: %w", err)
	}
	s.publishEvent(ctx, p, op, touched, staged.MajorRevision, nowIso)
	return buildResponse(p, staged, nowIso), nil
}

// checkLock verifies the advisory lock named in the options exists and is
// held by the acting user.
func (s *Store) checkLock(ctx context.Context, p Params) error {
	if p.Options.LockName == "" {
		return nil
	}
	owner, err := s.store.Client().Get(ctx, LockKey(p.ChannelType, p.ChannelName, p.Options.LockName)).Result()
	if err == redis.Nil {
		return newError(CodeLock, "lock %q is not held", p.Options.LockName)
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %q: %w", p.Options.LockName, err)
	}
	if owner != p.ActorUserID {
		return newError(CodeLock, "lock %q is held by another user", p.Options.LockName)
	}
	return nil
}

func (s *Store) readRecord(ctx context.Context, key string) (*record, bool, error) {
	raw, err := s.store.Client().Get(ctx, key).Result()
	if err == redis.Nil {
		return emptyRecord(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata record: %w", err)
	}
	return decodeRecord(raw)
}

func decodeRecord(raw string) (*record, bool, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt metadata record: %w", err)
	}
	if rec.Items == nil {
		rec.Items = map[string]Item{}
	}
	return &rec, true, nil
}

func (s *Store) publishEvent(ctx context.Context, p Params, op string, touched map[string]Item, major int64, nowIso string) {
	ev := Event{
		ChannelType:   p.ChannelType,
		ChannelName:   p.ChannelName,
		Operation:     op,
		Items:         touched,
		MajorRevision: major,
		Timestamp:     nowIso,
		AuthorUID:     p.ActorUserID,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, "failed to marshal metadata %s event for %s:%s: %v", op, p.ChannelType, p.ChannelName, err)
		return
	}
	// Events are best-effort; a failed publish never fails the mutation.
	if err := s.store.Publish(ctx, MetaEventsChannel(p.ChannelType, p.ChannelName), b); err != nil {
		s.logger.Error(ctx, "failed to publish metadata %s event for %s:%s: %v", op, p.ChannelType, p.ChannelName, err)
	}
}

// applyFunc stages one operation against a copy of the stored record. It
// returns the staged record, the items the operation touched and whether the
// record actually changed.
type applyFunc func(prev *record, exists bool, p Params, nowIso string) (*record, map[string]Item, bool, error)

func applySet(prev *record, exists bool, p Params, nowIso string) (*record, map[string]Item, bool, error) {
	items := make(map[string]Item, len(p.Data))
	for k, in := range p.Data {
		it := Item{Value: in.Value, Revision: 1}
		if p.Options.AddTimestamp {
			it.UpdatedIso = nowIso
		}
		if p.Options.AddUserID {
			it.AuthorUID = p.ActorUserID
		}
		items[k] = it
	}
	staged := &record{Items: items, MajorRevision: prev.MajorRevision + 1}
	touched := make(map[string]Item, len(items))
	for k, v := range items {
		touched[k] = v
	}
	return staged, touched, true, nil
}

func applyUpdate(prev *record, exists bool, p Params, nowIso string) (*record, map[string]Item, bool, error) {
	if !exists {
		return nil, nil, false, newError(CodeInvalid, "metadata record for %s:%s does not exist", p.ChannelType, p.ChannelName)
	}
	if len(p.Data) == 0 {
		return nil, nil, false, newError(CodeInvalid, "update requires at least one item")
	}
	staged := prev.clone()
	touched := make(map[string]Item, len(p.Data))
	for k, in := range p.Data {
		cur, ok := staged.Items[k]
		if !ok {
			return nil, nil, false, newError(CodeInvalid, "metadata item %q does not exist", k)
		}
		if in.Revision != nil && *in.Revision >= 0 && *in.Revision != cur.Revision {
			return nil, nil, false, newError(CodeConflict, "revision mismatch for item %q: have %d, caller expected %d", k, cur.Revision, *in.Revision)
		}
		next := Item{Value: in.Value, Revision: cur.Revision + 1, UpdatedIso: cur.UpdatedIso, AuthorUID: cur.AuthorUID}
		if p.Options.AddTimestamp {
			next.UpdatedIso = nowIso
		}
		if p.Options.AddUserID {
			next.AuthorUID = p.ActorUserID
		}
		staged.Items[k] = next
		touched[k] = next
	}
	staged.MajorRevision++
	return staged, touched, true, nil
}

func applyRemove(prev *record, exists bool, p Params, nowIso string) (*record, map[string]Item, bool, error) {
	staged := prev.clone()
	touched := map[string]Item{}
	if len(p.Data) == 0 {
		for k, v := range staged.Items {
			touched[k] = v
		}
		staged.Items = map[string]Item{}
	} else {
		for k := range p.Data {
			if cur, ok := staged.Items[k]; ok {
				touched[k] = cur
				delete(staged.Items, k)
			}
		}
	}
	if len(touched) == 0 {
		return staged, touched, false, nil
	}
	staged.MajorRevision++
	return staged, touched, true, nil
}

func checkMajorCAS(prev *record, opts Options) error {
	if opts.MajorRevision == nil || *opts.MajorRevision < 0 {
		return nil
	}
	if *opts.MajorRevision != prev.MajorRevision {
		return newError(CodeConflict, "major revision mismatch: have %d, caller expected %d", prev.MajorRevision, *opts.MajorRevision)
	}
	return nil
}

func validateChannel(p Params) error {
	if p.ChannelType == "" || p.ChannelName == "" {
		return newError(CodeInvalid, "channelType and channelName are required")
	}
	return nil
}

func buildResponse(p Params, rec *record, nowIso string) *Response {
	items := make(map[string]Item, len(rec.Items))
	for k, v := range rec.Items {
		items[k] = v
	}
	return &Response{
		Timestamp:     nowIso,
		ChannelType:   p.ChannelType,
		ChannelName:   p.ChannelName,
		TotalCount:    len(items),
		MajorRevision: rec.MajorRevision,
		Metadata:      items,
	}
}
