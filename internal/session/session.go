// Package session owns one PTY child process, its scrollback, and the set
// of subscribers receiving its output.
//
// Architecture overview
//
//	┌──────────────────────────────────────┐
//	│  Session                             │
//	│  ┌────────────┐                      │
//	│  │ child proc │◄── PTY slave         │
//	│  └────────────┘                      │
//	│         ▲  ▼                         │
//	│       PTY master                     │
//	│      ▲         │                     │
//	│  writeLoop   readLoop                │
//	│  (drains     ├── appends to ring     │
//	│   writeCh)   └── fans out to every   │
//	│                  subscriber queue    │
//	└──────────────────────────────────────┘
//
// The reader loop is the ring's only writer; clients see history through
// snapshot copies taken under the session lock. Subscriber queues are
// bounded and enqueued without blocking, so one stalled client can never
// stall the PTY or the other subscribers.
package session

import (
	"bytes"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termmux/internal/history"
	"github.com/ianremillard/termmux/internal/proto"
)

const (
	readBufSize = 32 * 1024

	// killEscalateAfter is how long Kill waits after the first signal
	// before following up with SIGKILL.
	killEscalateAfter = 3 * time.Second

	// exitEventPatience bounds how long the exit broadcast waits on a
	// full subscriber queue before giving up on that subscriber.
	exitEventPatience = time.Second
)

// Errors mapped onto wire error kinds by the daemon.
var (
	ErrExited  = errors.New("session has exited")
	ErrTimeout = errors.New("timed out")
	ErrBadSize = errors.New("invalid dimensions")
)

// Options bound a session's buffers and pacing.
type Options struct {
	HistoryBytes int           // scrollback capacity
	WriteDepth   int           // pending PTY input buffers
	SlowGrace    time.Duration // minimum interval between resyncs per subscriber
}

// Session is one supervised PTY child plus its scrollback and subscribers.
// It stays addressable after the child exits; only an explicit kill (or
// daemon shutdown) removes it.
type Session struct {
	ID        string
	Name      string
	Cwd       string
	CreatedAt time.Time

	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	child    *Child
	ring     *history.Ring
	cols     int
	rows     int
	alive    bool
	exitCode int
	exitedAt time.Time
	subs     map[*Subscriber]struct{}

	writeCh chan []byte
	done    chan struct{} // closed once the exit event has been broadcast
}

// Start spawns the PTY child and launches the session's reader and writer
// loops.
func Start(id, name string, argv []string, cwd string, env map[string]string, cols, rows int, opts Options, log *logrus.Entry) (*Session, error) {
	if opts.WriteDepth <= 0 {
		opts.WriteDepth = 64
	}
	child, err := StartChild(argv, cwd, env, cols, rows)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        id,
		Name:      name,
		Cwd:       cwd,
		CreatedAt: time.Now(),
		opts:      opts,
		log:       log,
		child:     child,
		ring:      history.New(opts.HistoryBytes),
		cols:      cols,
		rows:      rows,
		alive:     true,
		subs:      make(map[*Subscriber]struct{}),
		writeCh:   make(chan []byte, opts.WriteDepth),
		done:      make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	s.log.WithFields(logrus.Fields{"pid": child.Pid(), "argv": argv}).Info("session started")
	return s, nil
}

// Alive reports whether the child is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Done is closed once the child has exited and the exit event has been
// broadcast to the subscribers that were attached at that moment.
func (s *Session) Done() <-chan struct{} { return s.done }

// Attach registers sub and returns the state a client needs to render the
// session. The snapshot is taken atomically with the registration, so the
// subscriber sees exactly the output produced after the snapshot: nothing
// missed, nothing duplicated.
func (s *Session) Attach(sub *Subscriber) (alive bool, snapshot []byte, cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot = s.ring.Snapshot()
	s.subs[sub] = struct{}{}
	return s.alive, snapshot, s.cols, s.rows
}

// Detach removes sub. Detaching a subscriber that is not attached is a
// no-op.
func (s *Session) Detach(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Write queues input bytes for the PTY child. With a positive timeout the
// call gives up with ErrTimeout once the pending-input buffer has stayed
// full that long; the bytes may still reach the child if the enqueue won.
func (s *Session) Write(p []byte, timeout time.Duration) error {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return ErrExited
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	if timeout <= 0 {
		select {
		case s.writeCh <- buf:
			return nil
		case <-s.done:
			return ErrExited
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.writeCh <- buf:
		return nil
	case <-s.done:
		return ErrExited
	case <-t.C:
		return ErrTimeout
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrBadSize
	}
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrExited
	}
	child := s.child
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return child.Resize(cols, rows)
}

// History returns a copy of the current scrollback.
func (s *Session) History() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Snapshot()
}

// Info returns a serialisable snapshot of the session's metadata.
func (s *Session) Info() proto.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := proto.SessionInfo{
		ID:        s.ID,
		Name:      s.Name,
		Alive:     s.alive,
		Cols:      s.cols,
		Rows:      s.rows,
		Cwd:       s.Cwd,
		CreatedAt: s.CreatedAt.Unix(),
	}
	if !s.alive {
		code := s.exitCode
		info.ExitCode = &code
		info.ExitedAt = s.exitedAt.Unix()
	}
	return info
}

// Kill signals the child (process group), escalating to SIGKILL after
// killEscalateAfter, and waits for the exit event to be broadcast so
// callers can tear subscriptions down afterwards without losing it.
func (s *Session) Kill(sig syscall.Signal) {
	s.mu.Lock()
	alive := s.alive
	child := s.child
	s.mu.Unlock()
	if !alive {
		// The exit broadcast only stopped the subscribers attached when the
		// child exited; stop any that attached afterwards as well.
		<-s.done
		s.mu.Lock()
		subs := s.subscribers()
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Stop()
		}
		return
	}

	child.Signal(sig)
	select {
	case <-s.done:
		return
	case <-time.After(killEscalateAfter):
	}

	child.Signal(syscall.SIGKILL)
	select {
	case <-s.done:
	case <-time.After(killEscalateAfter):
		s.log.Warn("child did not exit after SIGKILL")
	}
}

// ─── Internal loops ───────────────────────────────────────────────────────────

// writeLoop drains pending input into the PTY master so a full kernel
// buffer never stalls the daemon's client read loops.
func (s *Session) writeLoop() {
	for {
		select {
		case p := <-s.writeCh:
			if _, err := s.child.Write(p); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop drains the PTY master until the slave side closes, appending
// each chunk to the ring and fanning it out, then reaps the child and
// broadcasts the exit event.
func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.child.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.ring.Append(chunk)
			subs := s.subscribers()
			s.mu.Unlock()

			bell := bytes.IndexByte(chunk, 0x07) >= 0
			for _, sub := range subs {
				s.deliver(sub, chunk)
				if bell {
					sub.trySend(Frame{Control: proto.Event{Event: proto.EventBell, SessionID: s.ID}})
				}
			}
		}
		if err != nil {
			// PTY read error means the slave side closed.
			break
		}
	}

	code := s.child.Wait()
	s.child.Close()

	s.mu.Lock()
	s.alive = false
	s.exitCode = code
	s.exitedAt = time.Now()
	subs := s.subscribers()
	s.mu.Unlock()

	ev := proto.Event{Event: proto.EventExit, SessionID: s.ID, ExitCode: &code}
	for _, sub := range subs {
		if !sub.sendTimeout(Frame{Control: ev}, exitEventPatience) {
			s.log.WithField("client", sub.ClientID).Warn("dropped exit event for stalled subscriber")
		}
		sub.Stop()
	}

	close(s.done)
	s.log.WithField("exit_code", code).Info("session exited")
}

// subscribers returns the current subscriber set. Callers hold s.mu.
func (s *Session) subscribers() []*Subscriber {
	out := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// deliver enqueues one output chunk for sub, applying the slow-consumer
// policy: once the queue overflows, output is dropped for this subscriber
// until space returns, at which point the stream is replaced by the
// current history tail plus a resync marker. A lagging subscriber is
// resynced at most once per SlowGrace so overlapping episodes merge.
func (s *Session) deliver(sub *Subscriber, chunk []byte) {
	if sub.lagging {
		if time.Since(sub.lastResync) >= s.opts.SlowGrace && s.resync(sub) {
			return
		}
		sub.dropped += uint64(len(chunk))
		return
	}

	ok := sub.trySend(Frame{
		Control: proto.Event{Event: proto.EventOutput, SessionID: s.ID, Len: len(chunk)},
		Body:    chunk,
	})
	if !ok {
		sub.lagging = true
		sub.lagSince = time.Now()
		sub.dropped = uint64(len(chunk))
		s.log.WithField("client", sub.ClientID).Debug("subscriber queue full, dropping output")
	}
}

// resync replaces a lagging subscriber's stream with the current history
// tail (which already contains the chunk being delivered). It needs room
// for the marker and the payload; false means the queue is still full.
func (s *Session) resync(sub *Subscriber) bool {
	if sub.free() < 2 {
		return false
	}
	tail := s.History()
	sub.trySend(Frame{Control: proto.Event{Event: proto.EventResync, SessionID: s.ID, DroppedBytes: sub.dropped}})
	sub.trySend(Frame{Control: proto.Event{Event: proto.EventOutput, SessionID: s.ID, Len: len(tail)}, Body: tail})
	s.log.WithFields(logrus.Fields{"client": sub.ClientID, "dropped_bytes": sub.dropped, "lagged": time.Since(sub.lagSince)}).Info("resynced slow subscriber")
	sub.lagging = false
	sub.dropped = 0
	sub.lastResync = time.Now()
	return true
}
