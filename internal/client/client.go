// Package client is the in-process façade collaborators use to drive the
// termmuxd daemon. It dials the per-user endpoint (spawning the daemon if
// it is not running), correlates requests with responses by request id,
// and dispatches output/bell/exit/resync events to callbacks registered
// per session.
//
// Callbacks run on the connection's read goroutine, so for one session
// they fire at most once per event and in the exact order the daemon sent
// them. A callback that blocks stalls event delivery for this client.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ianremillard/termmux/internal/config"
	"github.com/ianremillard/termmux/internal/proto"
)

// Options configure a Client. The zero value targets the default per-user
// daemon and spawns it on demand.
type Options struct {
	Root       string        // data root; defaults to config.Root()
	SocketPath string        // defaults to config.SocketPath(Root)
	DaemonBin  string        // daemon binary; defaults to termmuxd next to the executable, then $PATH
	SpawnWait  time.Duration // how long to wait for a spawned daemon's endpoint (default: spawn_wait_ms from config.yaml, 5s)
	NoSpawn    bool          // fail instead of spawning a missing daemon
	MaxFrame   int           // frame size cap (default proto.DefaultMaxFrame)
}

func (o *Options) fillDefaults() {
	if o.Root == "" {
		o.Root = config.Root()
	}
	if o.SocketPath == "" {
		o.SocketPath = config.SocketPath(o.Root)
	}
	if o.SpawnWait <= 0 {
		o.SpawnWait = time.Duration(config.DefaultSpawnWaitMs) * time.Millisecond
		if cfg, err := config.Load(o.Root); err == nil {
			o.SpawnWait = cfg.SpawnWait()
		}
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = proto.DefaultMaxFrame
	}
}

// Error is a structured daemon error carrying the wire error kind.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// IsKind reports whether err is a daemon error of the given kind.
func IsKind(err error, kind string) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// Event callback types.
type (
	OutputFunc func(sessionID string, data []byte)
	BellFunc   func(sessionID string)
	ExitFunc   func(sessionID string, exitCode int)
	ResyncFunc func(sessionID string, droppedBytes uint64)
)

// CreateParams describe a session to create. Zero-valued fields take the
// daemon's defaults (shell, 80x24, the user's home directory).
type CreateParams struct {
	Name string
	Argv []string
	Cwd  string
	Env  map[string]string
	Cols int
	Rows int
}

// Created is the result of CreateSession.
type Created struct {
	ID        string
	Cols      int
	Rows      int
	Cwd       string
	CreatedAt time.Time
}

// AttachResult carries the attach handshake state.
type AttachResult struct {
	Alive   bool
	Cols    int
	Rows    int
	History []byte
}

type result struct {
	resp proto.Response
	body []byte
	err  error
}

type pendingCall struct {
	op string
	ch chan result
}

// Client is one connection to the daemon.
type Client struct {
	opts Options

	wmu sync.Mutex // serialises frame writes so request+binary pairs stay adjacent

	mu        sync.Mutex
	conn      net.Conn
	nextID    uint64
	pending   map[uint64]*pendingCall
	attached  map[string]bool
	output    map[string]OutputFunc
	bell      map[string]BellFunc
	exit      map[string]ExitFunc
	resync    map[string]ResyncFunc
	reconnect func()
	closed    bool
}

// Dial connects to the daemon, spawning it first if the endpoint is not
// answering (unless Options.NoSpawn is set).
func Dial(opts Options) (*Client, error) {
	opts.fillDefaults()
	conn, err := connect(opts)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:     opts,
		conn:     conn,
		pending:  make(map[uint64]*pendingCall),
		attached: make(map[string]bool),
		output:   make(map[string]OutputFunc),
		bell:     make(map[string]BellFunc),
		exit:     make(map[string]ExitFunc),
		resync:   make(map[string]ResyncFunc),
	}
	go c.readLoop(conn)
	return c, nil
}

// connect dials the endpoint, spawning the daemon and polling for the
// socket when the first dial fails.
func connect(opts Options) (net.Conn, error) {
	if conn, err := net.DialTimeout("unix", opts.SocketPath, time.Second); err == nil {
		return conn, nil
	}
	if opts.NoSpawn {
		return nil, fmt.Errorf("daemon not running at %s", opts.SocketPath)
	}
	if err := spawnDaemon(opts); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	deadline := time.Now().Add(opts.SpawnWait)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", opts.SocketPath, time.Second); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("daemon did not come up within %s", opts.SpawnWait)
}

// spawnDaemon starts termmuxd detached from the current terminal.
func spawnDaemon(opts Options) error {
	bin := opts.DaemonBin
	if bin == "" {
		if exe, err := os.Executable(); err == nil {
			cand := filepath.Join(filepath.Dir(exe), "termmuxd")
			if _, err := os.Stat(cand); err == nil {
				bin = cand
			}
		}
		if bin == "" {
			bin = "termmuxd"
		}
	}
	cmd := exec.Command(bin, "--root", opts.Root)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Close tears the connection down and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	err := conn.Close()
	for _, pc := range pending {
		pc.ch <- result{err: errors.New("client closed")}
	}
	return err
}

// ─── Request surface ──────────────────────────────────────────────────────────

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	_, _, err := c.call(proto.Request{Op: proto.OpPing}, nil)
	return err
}

// CreateSession spawns a new session.
func (c *Client) CreateSession(p CreateParams) (Created, error) {
	resp, _, err := c.call(proto.Request{
		Op:   proto.OpCreate,
		Name: p.Name,
		Argv: p.Argv,
		Cwd:  p.Cwd,
		Env:  p.Env,
		Cols: p.Cols,
		Rows: p.Rows,
	}, nil)
	if err != nil {
		return Created{}, err
	}
	return Created{
		ID:        resp.ID,
		Cols:      resp.Cols,
		Rows:      resp.Rows,
		Cwd:       resp.Cwd,
		CreatedAt: time.Unix(resp.CreatedAt, 0),
	}, nil
}

// ListSessions returns every session's metadata, oldest first.
func (c *Client) ListSessions() ([]proto.SessionInfo, error) {
	resp, _, err := c.call(proto.Request{Op: proto.OpList}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Attach subscribes to a session and returns its replay state. Output,
// bell, exit and resync events for the session start flowing to the
// registered callbacks after the returned history snapshot.
func (c *Client) Attach(id string) (AttachResult, error) {
	resp, body, err := c.call(proto.Request{Op: proto.OpAttach, ID: id}, nil)
	if err != nil {
		return AttachResult{}, err
	}
	c.mu.Lock()
	c.attached[id] = true
	c.mu.Unlock()
	return AttachResult{Alive: resp.Alive, Cols: resp.Cols, Rows: resp.Rows, History: body}, nil
}

// Detach unsubscribes from a session. Idempotent.
func (c *Client) Detach(id string) error {
	_, _, err := c.call(proto.Request{Op: proto.OpDetach, ID: id}, nil)
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
	return err
}

// WriteInput sends input bytes to a session's PTY.
func (c *Client) WriteInput(id string, data []byte) error {
	if data == nil {
		// The write header always announces a binary frame; keep the
		// pairing intact for empty input.
		data = []byte{}
	}
	_, _, err := c.call(proto.Request{Op: proto.OpWrite, ID: id, Len: len(data)}, data)
	return err
}

// Resize changes a session's PTY window size.
func (c *Client) Resize(id string, cols, rows int) error {
	_, _, err := c.call(proto.Request{Op: proto.OpResize, ID: id, Cols: cols, Rows: rows}, nil)
	return err
}

// KillSession terminates a session and removes it from the daemon.
// An empty signal means SIGTERM.
func (c *Client) KillSession(id, signal string) error {
	_, _, err := c.call(proto.Request{Op: proto.OpKill, ID: id, Signal: signal}, nil)
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
	return err
}

// History returns a copy of the session's current scrollback.
func (c *Client) History(id string) ([]byte, error) {
	_, body, err := c.call(proto.Request{Op: proto.OpHistory, ID: id}, nil)
	return body, err
}

// ─── Event registration ───────────────────────────────────────────────────────

// OnOutput registers a callback for a session's output bytes. An empty id
// registers a fallback for sessions without their own callback.
func (c *Client) OnOutput(id string, fn OutputFunc) {
	c.mu.Lock()
	c.output[id] = fn
	c.mu.Unlock()
}

// OnBell registers a callback for a session's bell events.
func (c *Client) OnBell(id string, fn BellFunc) {
	c.mu.Lock()
	c.bell[id] = fn
	c.mu.Unlock()
}

// OnExit registers a callback for a session's exit event.
func (c *Client) OnExit(id string, fn ExitFunc) {
	c.mu.Lock()
	c.exit[id] = fn
	c.mu.Unlock()
}

// OnResync registers a callback for slow-consumer resync markers.
func (c *Client) OnResync(id string, fn ResyncFunc) {
	c.mu.Lock()
	c.resync[id] = fn
	c.mu.Unlock()
}

// OnReconnect registers a callback fired after the client has re-dialed a
// lost daemon connection and re-attached its sessions.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.reconnect = fn
	c.mu.Unlock()
}

// ─── Wire plumbing ────────────────────────────────────────────────────────────

// call sends one request (plus optional binary body) and waits for the
// matching response. Daemon-side failures come back as *Error.
func (c *Client) call(req proto.Request, body []byte) (proto.Response, []byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return proto.Response{}, nil, errors.New("client closed")
	}
	c.nextID++
	req.RequestID = c.nextID
	pc := &pendingCall{op: req.Op, ch: make(chan result, 1)}
	c.pending[req.RequestID] = pc
	conn := c.conn
	c.mu.Unlock()

	c.wmu.Lock()
	err := proto.WriteControl(conn, req)
	if err == nil && body != nil {
		err = proto.WriteFrame(conn, proto.KindBinary, body)
	}
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return proto.Response{}, nil, err
	}

	res := <-pc.ch
	if res.err != nil {
		return proto.Response{}, nil, res.err
	}
	if !res.resp.OK {
		return res.resp, nil, &Error{Kind: res.resp.Error, Message: res.resp.Message}
	}
	return res.resp, res.body, nil
}

// readLoop decodes frames off conn, completing pending calls and
// dispatching events, until the connection dies.
func (c *Client) readLoop(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		kind, payload, err := proto.ReadFrame(br, uint32(c.opts.MaxFrame))
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if kind != proto.KindControl {
			c.handleDisconnect(conn, errors.New("unexpected binary frame"))
			return
		}

		var peek struct {
			Event     string  `json:"event"`
			RequestID *uint64 `json:"request_id"`
		}
		if err := json.Unmarshal(payload, &peek); err != nil {
			c.handleDisconnect(conn, fmt.Errorf("malformed frame: %w", err))
			return
		}

		switch {
		case peek.Event != "":
			var ev proto.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			var body []byte
			if ev.Event == proto.EventOutput {
				k2, p2, err := proto.ReadFrame(br, uint32(c.opts.MaxFrame))
				if err != nil || k2 != proto.KindBinary {
					c.handleDisconnect(conn, errors.New("output event without binary body"))
					return
				}
				body = p2
			}
			c.dispatch(ev, body)

		case peek.RequestID != nil:
			var resp proto.Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			pc := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()

			var body []byte
			if pc != nil && resp.OK && (pc.op == proto.OpAttach || pc.op == proto.OpHistory) {
				k2, p2, err := proto.ReadFrame(br, uint32(c.opts.MaxFrame))
				if err != nil || k2 != proto.KindBinary {
					if pc != nil {
						pc.ch <- result{err: errors.New("response without binary body")}
					}
					c.handleDisconnect(conn, errors.New("response without binary body"))
					return
				}
				body = p2
			}
			if pc != nil {
				pc.ch <- result{resp: resp, body: body}
			}
		}
	}
}

// dispatch fires the callback registered for the event's session, falling
// back to the "" wildcard registration.
func (c *Client) dispatch(ev proto.Event, body []byte) {
	c.mu.Lock()
	outFn := c.output[ev.SessionID]
	if outFn == nil {
		outFn = c.output[""]
	}
	bellFn := c.bell[ev.SessionID]
	if bellFn == nil {
		bellFn = c.bell[""]
	}
	exitFn := c.exit[ev.SessionID]
	if exitFn == nil {
		exitFn = c.exit[""]
	}
	resyncFn := c.resync[ev.SessionID]
	if resyncFn == nil {
		resyncFn = c.resync[""]
	}
	c.mu.Unlock()

	switch ev.Event {
	case proto.EventOutput:
		if outFn != nil {
			outFn(ev.SessionID, body)
		}
	case proto.EventBell:
		if bellFn != nil {
			bellFn(ev.SessionID)
		}
	case proto.EventExit:
		if exitFn != nil {
			code := 0
			if ev.ExitCode != nil {
				code = *ev.ExitCode
			}
			exitFn(ev.SessionID, code)
		}
	case proto.EventResync:
		if resyncFn != nil {
			resyncFn(ev.SessionID, ev.DroppedBytes)
		}
	}
}

// handleDisconnect fails pending calls and starts the background
// reconnect loop. Sessions are untouched by a lost connection; the
// daemon drops our subscriptions and we re-attach after re-dialing.
func (c *Client) handleDisconnect(old net.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != old {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	old.Close()
	if cause == nil {
		cause = errors.New("connection lost")
	}
	for _, pc := range pending {
		pc.ch <- result{err: fmt.Errorf("connection lost: %w", cause)}
	}

	go c.reconnectLoop()
}

// reconnectLoop re-dials until it succeeds (or the client is closed),
// then re-attaches every previously attached session and fires the
// reconnect callback.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := connect(c.opts)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		attached := make([]string, 0, len(c.attached))
		for id := range c.attached {
			attached = append(attached, id)
		}
		rec := c.reconnect
		c.mu.Unlock()

		go c.readLoop(conn)

		for _, id := range attached {
			if _, err := c.Attach(id); err != nil && IsKind(err, proto.ErrNotFound) {
				c.mu.Lock()
				delete(c.attached, id)
				c.mu.Unlock()
			}
		}
		if rec != nil {
			rec()
		}
		return
	}
}
