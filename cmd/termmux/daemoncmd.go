package main

// daemoncmd.go – manage the termmuxd process: start it detached, stop it
// via the pidfile (SIGTERM, escalating to SIGKILL), report status.

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/termmux/internal/client"
	"github.com/ianremillard/termmux/internal/config"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "manage the termmuxd daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "start the daemon in the background",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return daemonStart() },
		},
		&cobra.Command{
			Use:   "stop",
			Short: "stop the daemon",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return daemonStop() },
		},
		&cobra.Command{
			Use:   "status",
			Short: "show whether the daemon is running",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return daemonStatus() },
		},
	)
	return cmd
}

func daemonStart() error {
	root := rootDir()
	if ping(root) {
		fmt.Printf("daemon already running (pid %d)\n", readPid(root))
		return nil
	}

	// Find the termmuxd binary next to this executable, else on PATH.
	bin := "termmuxd"
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), "termmuxd")
		if _, err := os.Stat(cand); err == nil {
			bin = cand
		}
	}

	cmd := exec.Command(bin, "--root", root)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	cmd.Process.Release()

	// Wait for the endpoint to appear.
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if ping(root) {
			fmt.Printf("daemon started (pid %d)\n", readPid(root))
			return nil
		}
	}
	return fmt.Errorf("daemon did not become ready within 5s")
}

func daemonStop() error {
	root := rootDir()
	pid := readPid(root)
	if pid == 0 || !processAlive(pid) {
		fmt.Println("daemon not running")
		os.Remove(config.PidPath(root))
		return nil
	}

	syscall.Kill(pid, syscall.SIGTERM)
	for i := 0; i < 50; i++ {
		if !processAlive(pid) {
			fmt.Printf("daemon stopped (was pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "daemon did not stop within 5s, sending SIGKILL")
	syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	os.Remove(config.PidPath(root))
	os.Remove(config.SocketPath(root))
	return nil
}

func daemonStatus() error {
	root := rootDir()
	pid := readPid(root)
	if ping(root) {
		fmt.Printf("daemon is running (pid %d)\n", pid)
		return nil
	}
	fmt.Println("daemon is not running")
	os.Exit(1)
	return nil
}

// ping dials the socket without spawning a daemon.
func ping(root string) bool {
	c, err := client.Dial(client.Options{Root: root, NoSpawn: true})
	if err != nil {
		return false
	}
	defer c.Close()
	return c.Ping() == nil
}

func readPid(root string) int {
	data, err := os.ReadFile(config.PidPath(root))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
