package session

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Child is one OS process whose stdio is bound to a pseudo-terminal.
type Child struct {
	cmd *exec.Cmd
	ptm *os.File // PTY master
}

// StartChild spawns argv with stdio bound to a new PTY of the given size.
// The child inherits the daemon's environment overlaid with env, and always
// sees TERM=xterm-256color.
func StartChild(argv []string, cwd string, env map[string]string, cols, rows int) (*Child, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	e := os.Environ()
	for k, v := range env {
		e = append(e, k+"="+v)
	}
	cmd.Env = append(e, "TERM=xterm-256color")

	// pty.StartWithSize sets Setsid on the child, so it becomes its own
	// session leader and PGID = PID, which gives kill(-pid) semantics.
	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	return &Child{cmd: cmd, ptm: ptm}, nil
}

// Read pulls output bytes from the PTY master. It returns an error once the
// slave side has closed (the process exited).
func (c *Child) Read(p []byte) (int, error) { return c.ptm.Read(p) }

// Write pushes input bytes into the PTY master.
func (c *Child) Write(p []byte) (int, error) { return c.ptm.Write(p) }

// Resize changes the PTY window size.
func (c *Child) Resize(cols, rows int) error {
	return pty.Setsize(c.ptm, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Pid returns the child process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Signal delivers sig to the child's process group, falling back to the
// process itself if the group cannot be resolved.
func (c *Child) Signal(sig syscall.Signal) {
	pid := c.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
		return
	}
	syscall.Kill(pid, sig)
}

// Wait reaps the child and returns its exit code (-1 if killed by signal).
func (c *Child) Wait() int {
	_ = c.cmd.Wait()
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// Close closes the PTY master.
func (c *Child) Close() { c.ptm.Close() }
