// Package daemon implements the termmuxd supervisor: it owns the session
// registry, listens on the per-user Unix socket, and routes frames between
// clients and sessions.
//
// Concurrency model: one accept loop, one read loop and one writer loop
// per client connection, one reader and one writer loop per PTY child
// (see internal/session), and one forwarder per (client, session)
// subscription draining its bounded queue into the client's writer. No
// I/O happens under the registry or session locks.
package daemon

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termmux/internal/config"
	"github.com/ianremillard/termmux/internal/proto"
)

// ErrInUse reports that a live daemon already owns the endpoint.
var ErrInUse = errors.New("endpoint already in use")

// Daemon accepts clients and routes frames between them and the registry.
type Daemon struct {
	cfg *config.Config
	log *logrus.Logger
	reg *Registry

	mu      sync.Mutex
	clients map[*clientConn]struct{}
	ln      net.Listener
}

// New returns a daemon with an empty registry.
func New(cfg *config.Config, log *logrus.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		log:     log,
		reg:     NewRegistry(cfg, log),
		clients: make(map[*clientConn]struct{}),
	}
}

// Registry exposes the session registry (used by tests and shutdown).
func (d *Daemon) Registry() *Registry { return d.reg }

// Listen binds the Unix socket endpoint with owner-only permissions.
// An existing socket is probed first: a live responder means ErrInUse; a
// dead socket left by a crashed daemon is unlinked and rebound.
func (d *Daemon) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(socketPath); err == nil {
		if pingSocket(socketPath) {
			return ErrInUse
		}
		os.Remove(socketPath)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	d.ln = ln
	return nil
}

// Serve accepts clients until the listener is closed by Shutdown.
func (d *Daemon) Serve() error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			return nil
		}
		c := newClientConn(shortID(uuid.NewString()), conn, d)
		d.mu.Lock()
		d.clients[c] = struct{}{}
		d.mu.Unlock()
		c.log.Info("client connected")
		go c.readLoop()
		go c.writeLoop()
	}
}

// Shutdown stops accepting, kills every session (exit events are
// broadcast before subscriptions die), drains and closes all clients,
// and unlinks the endpoint.
func (d *Daemon) Shutdown(socketPath string) {
	if d.ln != nil {
		d.ln.Close()
	}

	// KillAll stops every subscription, so each client's forwarders
	// flush their queued exit events and then finish; shutdown blocks on
	// that drain per client instead of guessing with a sleep.
	d.reg.KillAll()

	d.mu.Lock()
	clients := make([]*clientConn, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}

	os.Remove(socketPath)
	d.log.Info("daemon stopped")
}

func (d *Daemon) removeClient(c *clientConn) {
	d.mu.Lock()
	delete(d.clients, c)
	d.mu.Unlock()
}

// pingSocket reports whether a live daemon answers on path.
func pingSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))

	if err := proto.WriteControl(conn, proto.Request{Op: proto.OpPing, RequestID: 1}); err != nil {
		return false
	}
	kind, payload, err := proto.ReadFrame(conn, 0)
	if err != nil || kind != proto.KindControl {
		return false
	}
	var resp proto.Response
	return json.Unmarshal(payload, &resp) == nil && resp.OK
}
