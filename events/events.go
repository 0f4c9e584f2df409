// Package events provides a simple publish-subscribe mechanism for event handling. Subscriptions
// are keyed by event type; any comparable struct can be used as an event.
package events

import (
	"sync"
	"sync/atomic"
)

type Event comparable

var (
	subscriptions   = make(map[any]map[*Subscription[any]]func(any))
	subscriptionsMu sync.RWMutex
	nextID          atomic.Uint64
)

// Subscription allows unsubscribing from an event.
type Subscription[T Event] struct {
	id uint64
}

// Subscribe registers callback for every event of type T emitted after this call.
func Subscribe[T Event](callback func(evt T)) *Subscription[T] {
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	var evt T
	if subscriptions[evt] == nil {
		subscriptions[evt] = make(map[*Subscription[any]]func(any))
	}
	sub := &Subscription[T]{id: nextID.Add(1)}
	subscriptions[evt][(*Subscription[any])(sub)] = func(e any) { callback(e.(T)) }
	return sub
}

// SubscribeOnce registers callback for the next event of type T only.
func SubscribeOnce[T Event](callback func(evt T)) *Subscription[T] {
	var (
		once sync.Once
		sub  *Subscription[T]
		mu   sync.Mutex
	)
	mu.Lock()
	defer mu.Unlock()
	sub = Subscribe(func(evt T) {
		once.Do(func() {
			mu.Lock()
			s := sub
			mu.Unlock()
			Unsubscribe(s)
			callback(evt)
		})
	})
	return sub
}

// Unsubscribe removes the given subscription.
func Unsubscribe[T Event](sub *Subscription[T]) {
	if sub == nil {
		return
	}
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	var evt T
	if subs, ok := subscriptions[evt]; ok {
		delete(subs, (*Subscription[any])(sub))
		if len(subs) == 0 {
			delete(subscriptions, evt)
		}
	}
}

// Emit notifies all subscribers of the event, passing event data.
// Callbacks are invoked asynchronously in separate goroutines.
func Emit[T Event](evt T) {
	subscriptionsMu.RLock()
	defer subscriptionsMu.RUnlock()
	var e T
	if subs, ok := subscriptions[e]; ok {
		for _, cb := range subs {
			go cb(evt)
		}
	}
}
