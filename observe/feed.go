package observe

import "sync"

// Feed is an in-process Source: whatever is published reaches every current
// subscriber.
type Feed struct {
	mu   sync.Mutex
	subs map[int]func(Batch)
	next int
}

// Subscribe implements Source.
func (f *Feed) Subscribe(fn func(Batch)) (cancel func()) {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]func(Batch))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Publish delivers b to every subscriber on the caller's goroutine.
func (f *Feed) Publish(b Batch) {
	f.mu.Lock()
	fns := make([]func(Batch), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(b)
	}
}

// Len returns the number of subscribers.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
