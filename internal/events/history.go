package events

// ringBuffer keeps the most recent events up to a fixed capacity.
type ringBuffer struct {
	buf   []Event
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{buf: make([]Event, capacity)}
}

func (r *ringBuffer) add(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns events oldest first.
func (r *ringBuffer) snapshot() []Event {
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ringBuffer) len() int { return r.size }
