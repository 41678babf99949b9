package daemon

import (
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termmux/internal/config"
	"github.com/ianremillard/termmux/internal/proto"
	"github.com/ianremillard/termmux/internal/session"
)

// Registry is the process-wide id → Session mapping. Sessions stay
// registered after their child exits; only Remove (or KillAll at
// shutdown) takes one out.
type Registry struct {
	cfg *config.Config
	log *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg *config.Config, log *logrus.Logger) *Registry {
	return &Registry{cfg: cfg, log: log, sessions: make(map[string]*session.Session)}
}

// Create spawns a new session. Empty argv runs the configured default
// shell; zero dimensions default to 80x24; empty cwd defaults to the
// user's home directory.
func (r *Registry) Create(name string, argv []string, cwd string, env map[string]string, cols, rows int) (*session.Session, error) {
	if len(argv) == 0 {
		argv = []string{r.cfg.DefaultShell}
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if cwd == "" {
		cwd, _ = os.UserHomeDir()
	}

	id := r.newID()
	opts := session.Options{
		HistoryBytes: r.cfg.HistoryBytes,
		SlowGrace:    r.cfg.SlowGrace(),
	}
	s, err := session.Start(id, name, argv, cwd, env, cols, rows, opts, r.log.WithField("session", shortID(id)))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

// newID returns a fresh random id, retrying on the astronomically
// unlikely collision with a live session.
func (r *Registry) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

// Lookup resolves id to its session.
func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove kills the session and drops it from the registry. The kill is
// synchronous: remaining subscribers receive the exit event before the
// call returns, so callers can tear subscriptions down afterwards.
func (r *Registry) Remove(id string, sig syscall.Signal) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Kill(sig)
	return true
}

// List returns every session's metadata, oldest first.
func (r *Registry) List() []proto.SessionInfo {
	r.mu.Lock()
	infos := make([]proto.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt != infos[j].CreatedAt {
			return infos[i].CreatedAt < infos[j].CreatedAt
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// KillAll terminates every session concurrently. Used at daemon shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	all := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Kill(syscall.SIGTERM)
		}(s)
	}
	wg.Wait()
}

// shortID trims a uuid for log fields.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
