package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events to retain for replay.
	DefaultHistorySize = 1000

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 256
)

// SubscriptionID is a unique identifier for event subscriptions.
type SubscriptionID string

// Subscription represents a single event subscription.
type Subscription struct {
	ID        SubscriptionID
	EventType EventType
	Handler   func(Event)
	Channel   chan Event
	done      chan struct{}
}

// Bus is a thread-safe pub/sub with wildcard support and event history.
// Each subscription is served by its own goroutine, so a handler sees events
// in publish order. A subscriber whose buffer is full loses events, except
// errors and state changes: Publish waits for room for those.
type Bus struct {
	subscriptions   map[SubscriptionID]*Subscription
	subscriptionsMu sync.RWMutex
	subCounter      atomic.Uint64

	typedSubs   map[EventType]map[SubscriptionID]*Subscription
	typedSubsMu sync.RWMutex

	wildcardSubs   map[SubscriptionID]*Subscription
	wildcardSubsMu sync.RWMutex

	history     []Event
	historyMu   sync.RWMutex
	historySize int

	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with default configuration.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus with a custom history size.
func NewWithHistory(historySize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subscriptions: make(map[SubscriptionID]*Subscription),
		typedSubs:     make(map[EventType]map[SubscriptionID]*Subscription),
		wildcardSubs:  make(map[SubscriptionID]*Subscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe registers a handler for a specific event type.
// Use EventType("") to subscribe to all events (wildcard).
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	return b.SubscribeWithBuffer(eventType, DefaultChannelBuffer, handler)
}

// SubscribeWithBuffer is Subscribe with an explicit channel buffer size.
func (b *Bus) SubscribeWithBuffer(eventType EventType, buffer int, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}

	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter.Add(1)))
	sub := &Subscription{
		ID:        id,
		EventType: eventType,
		Handler:   handler,
		Channel:   make(chan Event, buffer),
		done:      make(chan struct{}),
	}

	b.subscriptionsMu.Lock()
	b.subscriptions[id] = sub
	b.subscriptionsMu.Unlock()

	if eventType == "" {
		b.wildcardSubsMu.Lock()
		b.wildcardSubs[id] = sub
		b.wildcardSubsMu.Unlock()
	} else {
		b.typedSubsMu.Lock()
		if b.typedSubs[eventType] == nil {
			b.typedSubs[eventType] = make(map[SubscriptionID]*Subscription)
		}
		b.typedSubs[eventType][id] = sub
		b.typedSubsMu.Unlock()
	}

	b.wg.Add(1)
	go b.handleSubscription(sub)

	return id
}

func (b *Bus) handleSubscription(sub *Subscription) {
	defer b.wg.Done()

	for {
		select {
		case event := <-sub.Channel:
			sub.Handler(event)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			// Drain what was already queued so Close does not lose the tail.
			for {
				select {
				case event := <-sub.Channel:
					sub.Handler(event)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.subscriptionsMu.Lock()
	sub, exists := b.subscriptions[id]
	if !exists {
		b.subscriptionsMu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subscriptions, id)
	b.subscriptionsMu.Unlock()

	if sub.EventType == "" {
		b.wildcardSubsMu.Lock()
		delete(b.wildcardSubs, id)
		b.wildcardSubsMu.Unlock()
	} else {
		b.typedSubsMu.Lock()
		if subs, ok := b.typedSubs[sub.EventType]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.typedSubs, sub.EventType)
			}
		}
		b.typedSubsMu.Unlock()
	}

	close(sub.done)
	return nil
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.addToHistory(event)

	// Snapshot the targets so a blocking delivery never holds a lock that
	// Unsubscribe needs.
	b.wildcardSubsMu.RLock()
	targets := make([]*Subscription, 0, len(b.wildcardSubs))
	for _, sub := range b.wildcardSubs {
		targets = append(targets, sub)
	}
	b.wildcardSubsMu.RUnlock()

	b.typedSubsMu.RLock()
	for _, sub := range b.typedSubs[event.Type] {
		targets = append(targets, sub)
	}
	b.typedSubsMu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
	return nil
}

// mustDeliver reports whether losing the event would leave a subscriber with
// a wrong picture of the session.
func mustDeliver(t EventType) bool {
	return t == EventError || t == EventStateChanged
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	if mustDeliver(event.Type) {
		select {
		case sub.Channel <- event:
		case <-sub.done:
		case <-b.ctx.Done():
			b.dropped.Add(1)
		}
		return
	}
	select {
	case sub.Channel <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) addToHistory(event Event) {
	if b.historySize <= 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the recent event history.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	result := make([]Event, len(b.history))
	copy(result, b.history)
	return result
}

// HistorySlice returns the last n events.
func (b *Bus) HistorySlice(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n > len(b.history) {
		n = len(b.history)
	}
	if n < 0 {
		n = 0
	}
	result := make([]Event, n)
	copy(result, b.history[len(b.history)-n:])
	return result
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// Close shuts down the bus and all subscriptions. Events already queued are
// delivered before Close returns.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.subscriptionsMu.Lock()
	b.subscriptions = make(map[SubscriptionID]*Subscription)
	b.subscriptionsMu.Unlock()

	b.typedSubsMu.Lock()
	b.typedSubs = make(map[EventType]map[SubscriptionID]*Subscription)
	b.typedSubsMu.Unlock()

	b.wildcardSubsMu.Lock()
	b.wildcardSubs = make(map[SubscriptionID]*Subscription)
	b.wildcardSubsMu.Unlock()

	return nil
}
