package eventbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/realtime-ai/presenced/internal/store"
	"github.com/realtime-ai/presenced/internal/utils"
)

// Handler receives the raw payload published on a matched channel.
// Handlers run sequentially on the listener goroutine, so delivery within one
// channel preserves publish order.
type Handler func(channel string, payload []byte)

// Bus multiplexes the instance's pattern subscriptions over one duplicated
// store connection. The connection is opened lazily when the first handler
// subscribes and torn down when the last handler disposes.
type Bus struct {
	store    *store.Store
	logger   *utils.Logger
	patterns []string

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
	total    int
	pubsub   *redis.PubSub
	done     chan struct{}
	closed   bool

	wg sync.WaitGroup
}

// New creates a bus that will subscribe to the given patterns.
func New(st *store.Store, logger *utils.Logger, patterns ...string) *Bus {
	return &Bus{
		store:    st,
		logger:   logger,
		patterns: patterns,
		handlers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for one of the bus patterns and returns a
// disposer. The first subscription opens the pub/sub listener; disposing the
// last one closes it.
func (b *Bus) Subscribe(pattern string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	if b.handlers[pattern] == nil {
		b.handlers[pattern] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[pattern][id] = h
	b.total++

	if b.total == 1 {
		b.openLocked()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.handlers[pattern][id]; !ok {
				return
			}
			delete(b.handlers[pattern], id)
			b.total--
			if b.total == 0 {
				b.teardownLocked()
			}
		})
	}
}

// Close tears the listener down regardless of remaining handlers and waits
// for the dispatch goroutine to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[string]map[int]Handler)
	b.total = 0
	b.teardownLocked()
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) openLocked() {
	// Subscription outlives any single request context.
	pubsub := b.store.PSubscribe(context.Background(), b.patterns...)
	done := make(chan struct{})
	b.pubsub = pubsub
	b.done = done

	b.wg.Add(1)
	go b.listen(pubsub, done)
}

func (b *Bus) teardownLocked() {
	if b.pubsub == nil {
		return
	}
	close(b.done)
	if err := b.pubsub.Close(); err != nil {
		b.logger.Error(context.Background(), "failed to close pub/sub listener: %v", err)
	}
	b.pubsub = nil
	b.done = nil
}

func (b *Bus) listen(pubsub *redis.PubSub, done chan struct{}) {
	defer b.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Pattern, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(pattern, channel string, payload []byte) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.handlers[pattern]))
	for _, h := range b.handlers[pattern] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		b.deliver(h, channel, payload)
	}
}

// deliver contains a handler failure so the remaining handlers still run.
func (b *Bus) deliver(h Handler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "event handler panicked on channel %s: %v", channel, r)
		}
	}()
	h(channel, payload)
}
