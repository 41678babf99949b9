// Package history implements the bounded per-session scrollback buffer.
package history

// DefaultCapacity is the scrollback kept per session unless configured.
const DefaultCapacity = 64 * 1024

// Ring is a bounded byte buffer. When an append would exceed the
// configured capacity the oldest bytes are evicted in one contiguous
// prefix; a single append is never torn.
//
// The backing buffer is rounded up to a power of two purely so wrap
// arithmetic reduces to a mask; the eviction bound is always the capacity
// the caller asked for, so size never exceeds it.
//
// Ring is not internally synchronised: the owning session serialises the
// writer and takes snapshots under its own lock.
type Ring struct {
	buf   []byte // power-of-two scratch space, len(buf) >= limit
	limit int    // configured capacity; size never exceeds this
	head  int    // index of the oldest byte
	size  int    // bytes currently held
	total uint64 // bytes ever appended
}

// New returns a Ring holding at most capacity bytes.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := 1
	for b < capacity {
		b <<= 1
	}
	return &Ring{buf: make([]byte, b), limit: capacity}
}

// Capacity returns the maximum number of bytes the ring retains.
func (r *Ring) Capacity() int { return r.limit }

// Len returns the number of bytes currently held.
func (r *Ring) Len() int { return r.size }

// TotalWritten returns the cumulative byte count since creation.
func (r *Ring) TotalWritten() uint64 { return r.total }

// Append copies p into the ring, evicting the oldest bytes as needed.
// A zero-length append is a no-op.
func (r *Ring) Append(p []byte) {
	n := len(p)
	if n == 0 {
		return
	}
	r.total += uint64(n)

	if n >= r.limit {
		// Only the final limit bytes of p survive.
		copy(r.buf, p[n-r.limit:])
		r.head = 0
		r.size = r.limit
		return
	}

	// Write at the tail in at most two contiguous copies. When the new
	// total spills past the limit, the spilled region only ever covers
	// bytes that are being evicted anyway (len(buf) >= limit).
	mask := len(r.buf) - 1
	w := (r.head + r.size) & mask
	k := copy(r.buf[w:], p)
	copy(r.buf, p[k:])

	if r.size+n <= r.limit {
		r.size += n
	} else {
		r.head = (r.head + r.size + n - r.limit) & mask
		r.size = r.limit
	}
}

// Snapshot returns a copy of the current contents, oldest byte first.
// The returned slice is owned by the caller.
func (r *Ring) Snapshot() []byte {
	out := make([]byte, r.size)
	end := r.head + r.size
	if end > len(r.buf) {
		end = len(r.buf)
	}
	k := copy(out, r.buf[r.head:end])
	copy(out[k:], r.buf[:r.size-k])
	return out
}
