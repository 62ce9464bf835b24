package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatBatcher coalesces heartbeats into windowed flushes. A flush reads
// every buffered record in one pipeline, computes the merges in memory, writes
// all mutations in a second pipeline and publishes the resulting events in a
// third, so n heartbeats cost three round trips instead of 3n.
//
// The buffer is keyed by connId: a later heartbeat for the same connection
// replaces the earlier one outright, and every caller still waiting on that
// connection receives the outcome of the final write. Unlike the direct path,
// a missing record or stale epoch is reported to the caller as an error so the
// socket layer can tell the client to rejoin.
type heartbeatBatcher struct {
	svc     *Service
	window  time.Duration
	maxSize int

	queue    chan *heartbeatRequest
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the run goroutine.
	buf   map[string]*pendingHeartbeat
	order []string
}

type heartbeatRequest struct {
	connID         string
	patch          State
	requestedEpoch int64
	out            chan heartbeatOutcome
}

type pendingHeartbeat struct {
	patch          State
	requestedEpoch int64
	waiters        []chan heartbeatOutcome
}

type heartbeatOutcome struct {
	changed bool
	err     error
}

func newHeartbeatBatcher(svc *Service, window time.Duration, maxSize int) *heartbeatBatcher {
	return &heartbeatBatcher{
		svc:     svc,
		window:  window,
		maxSize: maxSize,
		queue:   make(chan *heartbeatRequest, 1000),
		done:    make(chan struct{}),
		buf:     make(map[string]*pendingHeartbeat),
	}
}

func (b *heartbeatBatcher) start() {
	b.wg.Add(1)
	go b.run()
}

// dispose stops the batcher and fails every pending heartbeat with
// ErrBatcherDisposed. Safe to call more than once.
func (b *heartbeatBatcher) dispose() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// heartbeat enqueues a heartbeat and blocks until its flush completes.
func (b *heartbeatBatcher) heartbeat(ctx context.Context, connID string, patch State, requestedEpoch int64) (bool, error) {
	req := &heartbeatRequest{
		connID:         connID,
		patch:          patch,
		requestedEpoch: requestedEpoch,
		out:            make(chan heartbeatOutcome, 1),
	}
	select {
	case b.queue <- req:
	case <-b.done:
		return false, ErrBatcherDisposed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case res := <-req.out:
		return res.changed, res.err
	case <-b.done:
		return false, ErrBatcherDisposed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (b *heartbeatBatcher) run() {
	defer b.wg.Done()

	timer := time.NewTimer(b.window)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-b.done:
			b.rejectPending()
			return

		case req := <-b.queue:
			fresh := len(b.buf) == 0
			b.add(req)
			if fresh {
				timer.Reset(b.window)
				armed = true
			}
			if len(b.buf) >= b.maxSize {
				if armed && !timer.Stop() {
					<-timer.C
				}
				armed = false
				b.flush(context.Background())
			}

		case <-timer.C:
			armed = false
			b.flush(context.Background())
		}
	}
}

func (b *heartbeatBatcher) add(req *heartbeatRequest) {
	entry, ok := b.buf[req.connID]
	if !ok {
		entry = &pendingHeartbeat{}
		b.buf[req.connID] = entry
		b.order = append(b.order, req.connID)
	}
	entry.patch = req.patch
	entry.requestedEpoch = req.requestedEpoch
	entry.waiters = append(entry.waiters, req.out)
}

func (b *heartbeatBatcher) rejectPending() {
	for _, entry := range b.buf {
		for _, w := range entry.waiters {
			w <- heartbeatOutcome{err: ErrBatcherDisposed}
		}
	}
	b.buf = make(map[string]*pendingHeartbeat)
	b.order = nil
	for {
		select {
		case req := <-b.queue:
			req.out <- heartbeatOutcome{err: ErrBatcherDisposed}
		default:
			return
		}
	}
}

type flushItem struct {
	connID   string
	entry    *pendingHeartbeat
	rec      *Record
	merged   State
	changed  bool
	newEpoch int64
}

func (b *heartbeatBatcher) flush(ctx context.Context) {
	if len(b.buf) == 0 {
		return
	}
	batchFlushSize.Observe(float64(len(b.order)))

	conns := b.order
	entries := b.buf
	b.buf = make(map[string]*pendingHeartbeat)
	b.order = nil

	// Read pipeline: every buffered record in one round trip.
	cmds := make([]*redis.MapStringStringCmd, len(conns))
	_, err := b.svc.store.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, connID := range conns {
			cmds[i] = pipe.HGetAll(ctx, ConnKey(connID))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		b.failAll(entries, err)
		return
	}

	nowMs := time.Now().UnixMilli()
	items := make([]*flushItem, 0, len(conns))
	for i, connID := range conns {
		entry := entries[connID]
		m, cerr := cmds[i].Result()
		if cerr != nil && cerr != redis.Nil {
			b.deliver(entry, heartbeatOutcome{err: cerr}, outcomeError)
			continue
		}
		if len(m) == 0 {
			b.deliver(entry, heartbeatOutcome{err: ErrConnectionNotFound}, outcomeNoop)
			continue
		}
		rec, perr := parseRecord(m)
		if perr != nil {
			b.deliver(entry, heartbeatOutcome{err: perr}, outcomeError)
			continue
		}
		if entry.requestedEpoch > 0 && entry.requestedEpoch < rec.Epoch {
			b.deliver(entry, heartbeatOutcome{err: ErrStaleEpoch}, outcomeNoop)
			continue
		}
		merged, changed := mergePatch(rec.State, entry.patch)
		newEpoch := rec.Epoch
		if entry.requestedEpoch > rec.Epoch {
			newEpoch = entry.requestedEpoch
		}
		items = append(items, &flushItem{
			connID:   connID,
			entry:    entry,
			rec:      rec,
			merged:   merged,
			changed:  changed,
			newEpoch: newEpoch,
		})
	}
	if len(items) == 0 {
		return
	}

	// Write pipeline: all surviving mutations in one MULTI/EXEC.
	_, err = b.svc.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			b.svc.registry.touchPipe(ctx, pipe, it.connID, nowMs)
			b.svc.index.touchLastSeenPipe(ctx, pipe, it.rec.RoomID, it.connID, nowMs)
			if it.changed {
				if perr := b.svc.registry.patchStatePipe(ctx, pipe, it.connID, it.merged); perr != nil {
					return perr
				}
			}
			if it.newEpoch > it.rec.Epoch {
				b.svc.registry.setEpochPipe(ctx, pipe, it.connID, it.newEpoch)
				if perr := b.svc.index.recordUserForConnPipe(ctx, pipe, it.rec.RoomID, it.connID, ConnMeta{UserID: it.rec.UserID, Epoch: it.newEpoch}); perr != nil {
					return perr
				}
			}
		}
		return nil
	})
	if err != nil {
		for _, it := range items {
			b.deliver(it.entry, heartbeatOutcome{err: err}, outcomeError)
		}
		return
	}

	// Publish pipeline: one event per changed connection.
	var events []Event
	for _, it := range items {
		if it.changed {
			events = append(events, Event{
				Type:   EventUpdate,
				RoomID: it.rec.RoomID,
				UserID: it.rec.UserID,
				ConnID: it.connID,
				State:  it.merged,
				Ts:     nowMs,
				Epoch:  it.newEpoch,
			})
		}
	}
	if len(events) > 0 {
		_, perr := b.svc.store.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, ev := range events {
				payload, merr := json.Marshal(ev)
				if merr != nil {
					continue
				}
				pipe.Publish(ctx, RoomEventsChannel(ev.RoomID), payload)
			}
			return nil
		})
		if perr != nil {
			b.svc.logger.Error(ctx, "failed to publish batched update events: %v", perr)
		}
	}

	for _, it := range items {
		if it.changed {
			b.deliver(it.entry, heartbeatOutcome{changed: true}, outcomeOK)
		} else {
			b.deliver(it.entry, heartbeatOutcome{}, outcomeNoop)
		}
	}
}

func (b *heartbeatBatcher) failAll(entries map[string]*pendingHeartbeat, err error) {
	for _, entry := range entries {
		b.deliver(entry, heartbeatOutcome{err: err}, outcomeError)
	}
}

func (b *heartbeatBatcher) deliver(entry *pendingHeartbeat, out heartbeatOutcome, outcome string) {
	presenceOps.WithLabelValues("heartbeat", outcome).Inc()
	for _, w := range entry.waiters {
		w <- out
	}
}
