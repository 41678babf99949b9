package config

import (
	"os"
	"path/filepath"
)

const appName = "termmux"

// Root returns the daemon data directory.
// Precedence: TERMMUX_ROOT env var > ~/.termmux.
func Root() string {
	if env := os.Getenv("TERMMUX_ROOT"); env != "" {
		if abs, err := filepath.Abs(env); err == nil {
			return abs
		}
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// SocketPath returns the endpoint the daemon binds and clients dial:
// $XDG_RUNTIME_DIR/termmux/mux.sock when the runtime dir is available,
// otherwise <root>/mux.sock. When TERMMUX_ROOT is set the socket always
// lives under the root so test daemons stay isolated per directory.
func SocketPath(root string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && os.Getenv("TERMMUX_ROOT") == "" {
		return filepath.Join(dir, appName, "mux.sock")
	}
	return filepath.Join(root, "mux.sock")
}

// PidPath returns the daemon pidfile location.
func PidPath(root string) string { return filepath.Join(root, appName+"d.pid") }

// LogPath returns the daemon log file location.
func LogPath(root string) string { return filepath.Join(root, appName+"d.log") }
