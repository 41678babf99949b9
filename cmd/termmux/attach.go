package main

// attach.go – interactive attach: raw terminal mode, stdin forwarding,
// SIGWINCH-driven resize, Ctrl-] to detach.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/termmux/internal/client"
	"github.com/ianremillard/termmux/internal/proto"
)

// detachByte is the escape that ends an attach session (Ctrl-]).
const detachByte = 0x1D

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "attach your terminal to a session (detach: Ctrl-])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(args[0])
		},
	}
}

func runAttach(id string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan struct{}, 1)
	finish := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// The history snapshot must hit stdout before any live output, and
	// callbacks run on the client's read goroutine, so hold them until
	// the replay is printed.
	replayed := make(chan struct{})
	c.OnOutput(id, func(_ string, data []byte) {
		<-replayed
		os.Stdout.Write(data)
	})
	c.OnExit(id, func(_ string, code int) {
		<-replayed
		finish()
	})
	c.OnReconnect(func() {
		fmt.Fprintf(os.Stderr, "\r\n[termmux] reconnected\r\n")
	})

	res, err := c.Attach(id)
	if err != nil {
		close(replayed)
		return err
	}

	// Raw mode so every keystroke goes straight to the session.
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		close(replayed)
		return fmt.Errorf("cannot set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "[termmux] attached to %s  (detach: Ctrl-])\r\n", id)
	if len(res.History) > 0 {
		os.Stdout.Write(res.History)
	}
	close(replayed)
	if !res.Alive {
		fmt.Fprintf(os.Stdout, "\r\n[termmux] session has exited\r\n")
		return nil
	}

	// Match the session to this terminal's size, now and on SIGWINCH.
	sendSize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			c.Resize(id, cols, rows)
		}
	}
	sendSize()
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			sendSize()
		}
	}()

	// Forward stdin, watching for the detach escape.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == detachByte {
						finish()
						return
					}
				}
				if werr := c.WriteInput(id, buf[:n]); werr != nil {
					if client.IsKind(werr, proto.ErrSessionExited) {
						finish()
						return
					}
				}
			}
			if err != nil {
				finish()
				return
			}
		}
	}()

	<-done
	term.Restore(fd, oldState)
	fmt.Fprintf(os.Stdout, "\n[termmux] detached from %s\n", id)
	return nil
}
