package daemon

// client.go – per-connection handling: a read loop that decodes and
// dispatches control frames, per-subscriber forwarders, and a single
// writer loop that drains the merged outbound queue.

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termmux/internal/proto"
	"github.com/ianremillard/termmux/internal/session"
)

// outDepth is the merged per-client queue drained by the writer loop.
// The real fan-out bound is the per-subscriber queue; this only adds a
// little slack between the forwarders and the socket.
const outDepth = 64

// shutdownFlushTimeout bounds how long a closing connection waits for its
// forwarders and writer to flush queued frames to a slow client.
const shutdownFlushTimeout = 5 * time.Second

// clientConn is one accepted client connection.
type clientConn struct {
	id   string
	conn net.Conn
	d    *Daemon
	log  *logrus.Entry

	out chan session.Frame
	wmu sync.Mutex // serialises writes to conn (writer loop and fatal)
	fwd sync.WaitGroup // live forwarder goroutines

	mu   sync.Mutex
	subs map[string]*session.Subscriber // keyed by session id

	closed    chan struct{} // closed to start teardown; the writer flushes then closes conn
	wdone     chan struct{} // closed once the writer has flushed and released conn
	closeOnce sync.Once
}

func newClientConn(id string, conn net.Conn, d *Daemon) *clientConn {
	return &clientConn{
		id:     id,
		conn:   conn,
		d:      d,
		log:    d.log.WithField("client", id),
		out:    make(chan session.Frame, outDepth),
		subs:   make(map[string]*session.Subscriber),
		closed: make(chan struct{}),
		wdone:  make(chan struct{}),
	}
}

// ─── Outbound path ────────────────────────────────────────────────────────────

// send enqueues f for the writer loop, giving up if the connection closes.
func (c *clientConn) send(f session.Frame) {
	select {
	case c.out <- f:
	case <-c.closed:
	}
}

func (c *clientConn) respond(resp proto.Response) {
	c.send(session.Frame{Control: resp})
}

func (c *clientConn) respondErr(req proto.Request, kind, msg string) {
	c.respond(proto.Response{RequestID: req.RequestID, OK: false, Error: kind, Message: msg})
}

// fatal writes one last error frame directly (ahead of anything still
// queued; the connection is dying anyway) and tears the transport down.
func (c *clientConn) fatal(kind, msg string) {
	c.wmu.Lock()
	proto.WriteControl(c.conn, proto.Response{OK: false, Error: kind, Message: msg})
	c.wmu.Unlock()
	c.close()
}

// writeLoop is the connection's single writer: it drains the merged queue
// onto the socket, and flushes whatever is left when the connection
// closes. It owns the socket's release: conn is closed only after the
// final flush, so queued exit events are never cut off mid-teardown.
func (c *clientConn) writeLoop() {
	defer func() {
		c.conn.Close()
		close(c.wdone)
	}()
	for {
		select {
		case f := <-c.out:
			if err := c.writeFrame(f); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			for {
				select {
				case f := <-c.out:
					if c.writeFrame(f) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *clientConn) writeFrame(f session.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := proto.WriteControl(c.conn, f.Control); err != nil {
		return err
	}
	if f.Body != nil {
		return proto.WriteFrame(c.conn, proto.KindBinary, f.Body)
	}
	return nil
}

// forward drains one subscriber's queue into the merged client queue.
// Pending frames are flushed before a stop is honoured, so exit events
// enqueued just before teardown still reach the client.
func (c *clientConn) forward(sub *session.Subscriber) {
	for {
		select {
		case f := <-sub.Frames():
			select {
			case c.out <- f:
			case <-c.closed:
				return
			}
		default:
			select {
			case f := <-sub.Frames():
				select {
				case c.out <- f:
				case <-c.closed:
					return
				}
			case <-sub.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

// ─── Inbound path ─────────────────────────────────────────────────────────────

// readLoop decodes frames off the socket and dispatches them. Requests are
// handled serially, which is what guarantees responses arrive in
// request-id order.
func (c *clientConn) readLoop() {
	defer c.close()

	br := bufio.NewReader(c.conn)
	for {
		kind, payload, err := proto.ReadFrame(br, uint32(c.d.cfg.MaxFrameBytes))
		if err != nil {
			if errors.Is(err, proto.ErrFrameTooLarge) {
				c.fatal(proto.ErrFrameTooBig, "frame exceeds limit")
			}
			return
		}
		if kind != proto.KindControl {
			// Binary frames are only legal directly after a write header.
			c.fatal(proto.ErrProtocolViolation, "unexpected binary frame")
			return
		}
		var req proto.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			c.fatal(proto.ErrProtocolViolation, "malformed control frame: "+err.Error())
			return
		}
		if !c.handle(br, req) {
			return
		}
	}
}

// handle dispatches one request; false tears the connection down.
func (c *clientConn) handle(br *bufio.Reader, req proto.Request) bool {
	switch req.Op {
	case proto.OpPing:
		c.respond(proto.Response{RequestID: req.RequestID, OK: true})
	case proto.OpCreate:
		c.handleCreate(req)
	case proto.OpList:
		c.respond(proto.Response{RequestID: req.RequestID, OK: true, Sessions: c.d.reg.List()})
	case proto.OpAttach:
		c.handleAttach(req)
	case proto.OpDetach:
		c.handleDetach(req)
	case proto.OpWrite:
		return c.handleWrite(br, req)
	case proto.OpResize:
		c.handleResize(req)
	case proto.OpKill:
		c.handleKill(req)
	case proto.OpHistory:
		c.handleHistory(req)
	default:
		c.respondErr(req, proto.ErrUnknownOp, "unknown op: "+req.Op)
	}
	return true
}

func (c *clientConn) handleCreate(req proto.Request) {
	s, err := c.d.reg.Create(req.Name, req.Argv, req.Cwd, req.Env, req.Cols, req.Rows)
	if err != nil {
		c.respondErr(req, proto.ErrSpawnFailed, err.Error())
		return
	}
	info := s.Info()
	c.respond(proto.Response{
		RequestID: req.RequestID,
		OK:        true,
		ID:        s.ID,
		Cols:      info.Cols,
		Rows:      info.Rows,
		Cwd:       s.Cwd,
		CreatedAt: info.CreatedAt,
	})
}

func (c *clientConn) handleAttach(req proto.Request) {
	s, ok := c.d.reg.Lookup(req.ID)
	if !ok {
		c.respondErr(req, proto.ErrNotFound, "no such session: "+req.ID)
		return
	}

	// Re-attaching replaces any existing subscription for the session.
	c.mu.Lock()
	if old := c.subs[req.ID]; old != nil {
		s.Detach(old)
		old.Stop()
	}
	sub := session.NewSubscriber(c.id, c.d.cfg.QueueFrames)
	c.subs[req.ID] = sub
	c.mu.Unlock()

	alive, snapshot, cols, rows := s.Attach(sub)

	// The response (with the history snapshot) must be queued before the
	// forwarder starts, so no output event can overtake it.
	c.send(session.Frame{
		Control: proto.Response{
			RequestID:  req.RequestID,
			OK:         true,
			Alive:      alive,
			Cols:       cols,
			Rows:       rows,
			HistoryLen: len(snapshot),
		},
		Body: snapshot,
	})
	c.fwd.Add(1)
	go func() {
		defer c.fwd.Done()
		c.forward(sub)
	}()
}

func (c *clientConn) handleDetach(req proto.Request) {
	c.mu.Lock()
	sub := c.subs[req.ID]
	delete(c.subs, req.ID)
	c.mu.Unlock()

	if sub != nil {
		if s, ok := c.d.reg.Lookup(req.ID); ok {
			s.Detach(sub)
		}
		sub.Stop()
	}
	// Idempotent: detaching an unknown or unattached session succeeds.
	c.respond(proto.Response{RequestID: req.RequestID, OK: true})
}

// handleWrite consumes the binary frame that must follow a write header,
// then pushes the bytes at the session. False tears the connection down.
func (c *clientConn) handleWrite(br *bufio.Reader, req proto.Request) bool {
	kind, payload, err := proto.ReadFrame(br, uint32(c.d.cfg.MaxFrameBytes))
	if err != nil {
		if errors.Is(err, proto.ErrFrameTooLarge) {
			c.fatal(proto.ErrFrameTooBig, "frame exceeds limit")
		}
		return false
	}
	if kind != proto.KindBinary || len(payload) != req.Len {
		c.fatal(proto.ErrProtocolViolation, "write header not followed by matching binary frame")
		return false
	}

	s, ok := c.d.reg.Lookup(req.ID)
	if !ok {
		c.respondErr(req, proto.ErrNotFound, "no such session: "+req.ID)
		return true
	}

	switch err := s.Write(payload, reqTimeout(req)); {
	case err == nil:
		c.respond(proto.Response{RequestID: req.RequestID, OK: true})
	case errors.Is(err, session.ErrExited):
		c.respondErr(req, proto.ErrSessionExited, "session has exited")
	case errors.Is(err, session.ErrTimeout):
		c.respondErr(req, proto.ErrTimeout, "write did not complete in time")
	default:
		c.respondErr(req, proto.ErrIO, err.Error())
	}
	return true
}

func (c *clientConn) handleResize(req proto.Request) {
	s, ok := c.d.reg.Lookup(req.ID)
	if !ok {
		c.respondErr(req, proto.ErrNotFound, "no such session: "+req.ID)
		return
	}
	switch err := s.Resize(req.Cols, req.Rows); {
	case err == nil:
		c.respond(proto.Response{RequestID: req.RequestID, OK: true})
	case errors.Is(err, session.ErrBadSize):
		c.respondErr(req, proto.ErrInvalidDimensions, "cols and rows must be positive")
	case errors.Is(err, session.ErrExited):
		c.respondErr(req, proto.ErrSessionExited, "session has exited")
	default:
		c.respondErr(req, proto.ErrIO, err.Error())
	}
}

func (c *clientConn) handleKill(req proto.Request) {
	sig, known := session.LookupSignal(req.Signal)
	if !known {
		c.log.WithField("signal", req.Signal).Warn("unknown signal name, using SIGTERM")
	}

	// Kill waits for the child to be reaped (escalating to SIGKILL), so
	// honour timeout_ms by letting the removal finish in the background.
	removed := make(chan bool, 1)
	go func() { removed <- c.d.reg.Remove(req.ID, sig) }()

	var ok bool
	if t := reqTimeout(req); t > 0 {
		select {
		case ok = <-removed:
		case <-time.After(t):
			c.respondErr(req, proto.ErrTimeout, "kill did not complete in time")
			return
		}
	} else {
		ok = <-removed
	}
	if !ok {
		c.respondErr(req, proto.ErrNotFound, "no such session: "+req.ID)
		return
	}

	// Drop this client's own subscription entry; the subscriber itself was
	// already stopped when the session was killed.
	c.mu.Lock()
	delete(c.subs, req.ID)
	c.mu.Unlock()
	c.respond(proto.Response{RequestID: req.RequestID, OK: true})
}

func (c *clientConn) handleHistory(req proto.Request) {
	s, ok := c.d.reg.Lookup(req.ID)
	if !ok {
		c.respondErr(req, proto.ErrNotFound, "no such session: "+req.ID)
		return
	}
	snapshot := s.History()
	c.send(session.Frame{
		Control: proto.Response{RequestID: req.RequestID, OK: true, Len: len(snapshot)},
		Body:    snapshot,
	})
}

// reqTimeout converts a request's optional timeout_ms field.
func reqTimeout(req proto.Request) time.Duration {
	if req.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(req.TimeoutMs) * time.Millisecond
}

// close tears the connection down exactly once: every subscription is
// dropped (sessions keep running) and the daemon forgets the client. The
// socket itself is released by the writer once it has flushed; the
// deadlines unblock the read loop immediately and bound the final flush
// against a stalled client.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.SetReadDeadline(time.Now())
		c.conn.SetWriteDeadline(time.Now().Add(shutdownFlushTimeout))

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*session.Subscriber)
		c.mu.Unlock()

		for id, sub := range subs {
			if s, ok := c.d.reg.Lookup(id); ok {
				s.Detach(sub)
			}
			sub.Stop()
		}

		c.d.removeClient(c)
		c.log.Info("client disconnected")
	})
}

// shutdown closes the connection for daemon shutdown, draining first:
// it waits for the forwarders to move queued frames (the exit events
// just broadcast by KillAll) into the writer, then for the writer's
// final flush. Both waits are bounded so one stalled client cannot hold
// the daemon's shutdown hostage.
func (c *clientConn) shutdown() {
	flushed := make(chan struct{})
	go func() {
		c.fwd.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(shutdownFlushTimeout):
		c.log.Warn("forwarders did not flush before shutdown")
	}

	c.close()

	select {
	case <-c.wdone:
	case <-time.After(shutdownFlushTimeout):
		c.log.Warn("writer did not flush before shutdown")
	}
}
