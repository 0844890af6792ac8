package cache

import (
	"sync"
	"time"

	"github.com/devctx/contextcache/types"
)

// eventBus delivers cache events to subscribers over channels. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// blocking cache operations.
type eventBus struct {
	mu     sync.Mutex
	subs   map[int64]chan types.CacheEvent
	nextID int64
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int64]chan types.CacheEvent)}
}

func (b *eventBus) subscribe(buffer int) (<-chan types.CacheEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan types.CacheEvent)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan types.CacheEvent, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	return ch, cancel
}

func (b *eventBus) publish(eventType types.EventType, key, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.subs) == 0 {
		return
	}

	event := types.CacheEvent{
		Type:   eventType,
		Key:    key,
		Time:   time.Now(),
		Detail: detail,
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
