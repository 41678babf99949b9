//go:build integration

// Integration tests for termmux + termmuxd.
//
// Each test builds both binaries once (via TestMain) and runs them against
// an isolated TERMMUX_ROOT temp directory, so no daemon state leaks
// between runs or into the developer's real data directory.
//
// Run with:
//
//	go test -tags=integration -v ./test/

package integration_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Paths to the compiled binaries, set once in TestMain.
var (
	termmuxBin  string
	termmuxdBin string
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "termmux-bin")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	termmuxBin = filepath.Join(dir, "termmux")
	termmuxdBin = filepath.Join(dir, "termmuxd")

	for bin, pkg := range map[string]string{
		termmuxBin:  "../cmd/termmux",
		termmuxdBin: "../cmd/termmuxd",
	} {
		out, err := exec.Command("go", "build", "-o", bin, pkg).CombinedOutput()
		if err != nil {
			panic("build " + pkg + ": " + err.Error() + "\n" + string(out))
		}
	}

	os.Exit(m.Run())
}

// run invokes the termmux CLI against the given root and returns stdout.
func run(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(termmuxBin, args...)
	cmd.Env = append(os.Environ(), "TERMMUX_ROOT="+root)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func stopDaemon(t *testing.T, root string) {
	t.Helper()
	run(t, root, "daemon", "stop")
}

func TestDaemonLifecycle(t *testing.T) {
	root := t.TempDir()
	defer stopDaemon(t, root)

	// The daemon binary must sit next to the client for autostart.
	out, err := run(t, root, "daemon", "start")
	require.NoError(t, err, out)
	assert.Contains(t, out, "daemon started")

	out, err = run(t, root, "daemon", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "running")

	out, err = run(t, root, "daemon", "stop")
	require.NoError(t, err, out)
	assert.Contains(t, out, "stopped")
}

func TestSessionSurvivesClientExit(t *testing.T) {
	root := t.TempDir()
	defer stopDaemon(t, root)

	// create autostarts the daemon.
	out, err := run(t, root, "create", "--name", "keeper", "--", "/bin/cat")
	require.NoError(t, err, out)
	require.Contains(t, out, "created session ")

	var id string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "created session ") {
			id = strings.TrimPrefix(line, "created session ")
		}
	}
	require.NotEmpty(t, id)

	// A fresh CLI process (a brand-new client) still sees the session.
	out, err = run(t, root, "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "alive")

	out, err = run(t, root, "kill", id)
	require.NoError(t, err, out)

	out, err = run(t, root, "list")
	require.NoError(t, err, out)
	assert.NotContains(t, out, id)
}

func TestHistoryAcrossClients(t *testing.T) {
	root := t.TempDir()
	defer stopDaemon(t, root)

	out, err := run(t, root, "create", "--", "/bin/sh", "-c", "printf 'banner\\n'; sleep 60")
	require.NoError(t, err, out)

	var id string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "created session ") {
			id = strings.TrimPrefix(line, "created session ")
		}
	}
	require.NotEmpty(t, id)

	// The banner was printed with no client attached; a later client
	// still reads it from history.
	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err = run(t, root, "history", id)
		if err == nil && strings.Contains(out, "banner") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never contained banner: %q (%v)", out, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	run(t, root, "kill", id)
}
