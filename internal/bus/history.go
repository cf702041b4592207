package bus

import "sync"

// ringBuffer keeps the last capacity events for introspection. It is not
// a durable log; restart loses it.
type ringBuffer struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]Event, capacity)}
}

func (r *ringBuffer) append(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns up to limit events newest first, filtered by topic
// when topic is non-empty
func (r *ringBuffer) snapshot(topic Topic, limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= r.count && len(out) < limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		evt := r.buf[idx]
		if topic != "" && evt.Topic != topic {
			continue
		}
		out = append(out, evt)
	}
	return out
}
