// Package watch broadcasts the latest value of an observable state to subscribers.
package watch

import "sync"

// Value holds the current value and fans every update out to subscribers.
// Each subscriber channel buffers one value; a slow subscriber only ever sees
// the newest value, never a stale one queued behind it.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[int]chan T
	nextID int
	closed bool
}

// New returns a Value starting at initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores val and publishes it to every subscriber.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = val
	for _, ch := range v.subs {
		publish(ch, val)
	}
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}

	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	ch <- v.cur

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if sub, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes all subscriber channels. Later Sets are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}

// publish must run with the owning mutex held; it is the only writer.
func publish[T any](ch chan T, val T) {
	select {
	case ch <- val:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- val
}
