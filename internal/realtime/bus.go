package realtime

import (
	"sync"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// topic is a typed listener list. Publish works on a snapshot so
// listeners may subscribe or unsubscribe from inside a callback.
type topic[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[T]
}

func (t *topic[T]) subscribe(fn func(T)) Unsubscribe {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *topic[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.subs)
}

// publish calls every listener in subscription order. A panicking
// listener is reported through onPanic and does not stop its siblings.
func (t *topic[T]) publish(v T, onPanic func(any)) {
	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()

			s.fn(v)
		}()
	}
}
