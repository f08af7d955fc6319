package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Listener receives transitions for a subscribed key.
type Listener func(ctx context.Context, t Transition)

// Bus is the in-process per-key fan-out used by websocket subscribers.
// Listeners run synchronously in publish order, so they must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Listener
	log    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]Listener),
		log:  log.Named("bus"),
	}
}

// Subscribe registers l for key and returns a function that removes it.
func (b *Bus) Subscribe(key string, l Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]Listener)
	}
	b.subs[key][id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[key], id)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}
}

// Publish delivers t to every listener of every key in t.Keys(). A listener
// subscribed under two matching keys is called twice.
func (b *Bus) Publish(ctx context.Context, t Transition) error {
	var targets []Listener
	b.mu.RLock()
	for _, key := range t.Keys() {
		for _, l := range b.subs[key] {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range targets {
		b.deliver(ctx, l, t)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, l Listener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panicked",
				zap.String("request_id", t.RequestID),
				zap.Any("panic", r))
		}
	}()
	l(ctx, t)
}

// Subscribers returns the number of listeners on key.
func (b *Bus) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
