// Package observer provides a typed subscriber list for callback-style event
// emission: any number of handlers may subscribe, and each subscription
// returns its own unsubscribe function.
package observer

import "sync"

// List holds the subscribers of one event kind. The zero value is ready to use.
// It is safe for concurrent use; handlers run on the emitting goroutine and
// may subscribe or unsubscribe from inside a callback.
type List[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (l *List[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

// Emit calls every current subscriber with v, in subscription order.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), len(l.subs))
	for i, e := range l.subs {
		snapshot[i] = e.fn
	}
	l.mu.Unlock()
	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Clear removes every subscriber.
func (l *List[T]) Clear() {
	l.mu.Lock()
	l.subs = nil
	l.mu.Unlock()
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.subs {
		if e.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}
