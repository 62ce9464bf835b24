package presence

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/realtime-ai/presenced/internal/utils"
)

// Reaper sweeps the active rooms on an interval and evicts connections whose
// record TTL lapsed without an explicit leave. Every instance runs a reaper;
// the conn metadata entry acts as the departure token, so exactly one of them
// publishes the leave event for a given connection.
type Reaper struct {
	svc      *Service
	index    *RoomIndex
	logger   *utils.Logger
	interval time.Duration
	lookback time.Duration

	pool *ants.Pool
	done chan struct{}
	wg   sync.WaitGroup
}

// NewReaper creates a reaper sweeping every interval. Connections whose last
// seen timestamp is older than lookback are candidates; concurrency bounds the
// number of rooms swept in parallel.
func NewReaper(svc *Service, index *RoomIndex, logger *utils.Logger, interval, lookback time.Duration, concurrency int) (*Reaper, error) {
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	return &Reaper{
		svc:      svc,
		index:    index,
		logger:   logger,
		interval: interval,
		lookback: lookback,
		pool:     pool,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the periodic sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the loop and waits for the sweep in flight to finish.
func (r *Reaper) Stop() {
	close(r.done)
	r.wg.Wait()
	r.pool.Release()
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep scans every active room once and reaps its expired connections. It
// returns after all room sweeps complete.
func (r *Reaper) Sweep(ctx context.Context) {
	rooms, err := r.index.ActiveRooms(ctx)
	if err != nil {
		r.logger.Error(ctx, "reaper failed to list active rooms: %v", err)
		return
	}
	if len(rooms) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, roomID := range rooms {
		roomID := roomID
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.sweepRoom(ctx, roomID)
		}); err != nil {
			wg.Done()
			r.logger.Error(ctx, "reaper failed to schedule sweep of room %s: %v", roomID, err)
		}
	}
	wg.Wait()
}

func (r *Reaper) sweepRoom(ctx context.Context, roomID string) {
	cutoff := time.Now().Add(-r.lookback).UnixMilli()
	stale, err := r.index.ListStaleConnections(ctx, roomID, cutoff)
	if err != nil {
		r.logger.Error(ctx, "reaper failed to list stale connections in room %s: %v", roomID, err)
		return
	}
	for _, connID := range stale {
		if err := r.reapConnection(ctx, roomID, connID); err != nil {
			r.logger.Error(ctx, "reaper failed to evict connection %s from room %s: %v", connID, roomID, err)
		}
	}
	// Settle the active set last. This also heals rooms that were emptied
	// without settling, such as an instance dying between unindex and settle
	// or a silent clean above.
	if _, err := r.index.DropRoomIfEmpty(ctx, roomID); err != nil {
		r.logger.Error(ctx, "reaper failed to settle active set for room %s: %v", roomID, err)
	}
}

func (r *Reaper) reapConnection(ctx context.Context, roomID, connID string) error {
	alive, err := r.svc.registry.Exists(ctx, connID)
	if err != nil {
		return err
	}
	if alive {
		// A heartbeat landed after the index read; not expired after all.
		return nil
	}

	meta, err := r.index.ReadUserForConn(ctx, roomID, connID)
	if err != nil {
		return err
	}
	if meta == nil {
		// Another reaper or an explicit leave already owns this departure.
		// Clear any index leftovers without publishing.
		_, err := r.index.RemoveConnection(ctx, roomID, "", connID)
		return err
	}

	released, err := r.index.RemoveConnection(ctx, roomID, meta.UserID, connID)
	if err != nil {
		return err
	}
	if err := r.svc.settleRoomAfterDeparture(ctx, roomID, meta.UserID); err != nil {
		return err
	}
	if released {
		r.svc.publishEvent(ctx, roomID, Event{
			Type:   EventLeave,
			RoomID: roomID,
			UserID: meta.UserID,
			ConnID: connID,
			Ts:     time.Now().UnixMilli(),
			Epoch:  meta.Epoch,
		})
		reapedConnections.Inc()
		r.logger.Info(ctx, "reaped expired connection %s of user %s from room %s", connID, meta.UserID, roomID)
	}
	return nil
}
