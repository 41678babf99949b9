package session

import (
	"sync"
	"time"
)

// Frame is one queued outbound unit: a JSON-marshalable control object
// and, when the control object announces one, the binary body that follows
// it on the wire. A nil Body means no binary frame; an empty non-nil Body
// is sent as a zero-length binary frame.
type Frame struct {
	Control any
	Body    []byte
}

// Subscriber is one (client, session) attachment: a bounded outbound queue
// drained by the owning client's writer, plus slow-consumer bookkeeping.
type Subscriber struct {
	ClientID string

	queue chan Frame

	stop     chan struct{}
	stopOnce sync.Once

	// Slow-consumer state, touched only by the session's reader loop.
	lagging    bool
	lagSince   time.Time
	lastResync time.Time
	dropped    uint64
}

// NewSubscriber returns a subscriber whose queue holds up to depth frames.
func NewSubscriber(clientID string, depth int) *Subscriber {
	return &Subscriber{
		ClientID: clientID,
		queue:    make(chan Frame, depth),
		stop:     make(chan struct{}),
	}
}

// Frames exposes the outbound queue to the draining writer.
func (s *Subscriber) Frames() <-chan Frame { return s.queue }

// Done is closed when the subscription ends (detach, disconnect, or the
// session being killed). Queued frames should still be drained first.
func (s *Subscriber) Done() <-chan struct{} { return s.stop }

// Stop ends the subscription. Idempotent.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// trySend enqueues f without blocking; false means the queue is full.
func (s *Subscriber) trySend(f Frame) bool {
	select {
	case s.queue <- f:
		return true
	default:
		return false
	}
}

// sendTimeout enqueues f, giving a slow consumer up to d to make room.
func (s *Subscriber) sendTimeout(f Frame, d time.Duration) bool {
	select {
	case s.queue <- f:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case s.queue <- f:
		return true
	case <-t.C:
		return false
	}
}

// free returns the number of unused queue slots.
func (s *Subscriber) free() int { return cap(s.queue) - len(s.queue) }
