package session

// Ring is a fixed-capacity byte ring used for pre-roll audio: it always
// holds the most recent writes, dropping the oldest bytes on overflow.
// Long idle periods therefore cost a constant amount of memory.
type Ring struct {
	buf   []byte
	start int
	size  int
}

// NewRing creates a ring holding at most capacity bytes. A capacity of
// zero disables buffering; writes become no-ops.
func NewRing(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes if the ring is full.
func (r *Ring) Write(p []byte) {
	c := len(r.buf)
	if c == 0 || len(p) == 0 {
		return
	}
	if len(p) >= c {
		copy(r.buf, p[len(p)-c:])
		r.start = 0
		r.size = c
		return
	}

	pos := (r.start + r.size) % c
	n := copy(r.buf[pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	if r.size > c {
		r.start = (r.start + r.size - c) % c
		r.size = c
	}
}

// Bytes returns the buffered audio in write order as a fresh copy.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.size)
	end := r.start + r.size
	if end <= len(r.buf) {
		copy(out, r.buf[r.start:end])
		return out
	}
	n := copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:end-len(r.buf)])
	return out
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.size }

// Cap returns the ring's capacity in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// Reset discards all buffered bytes.
func (r *Ring) Reset() {
	r.start = 0
	r.size = 0
}
