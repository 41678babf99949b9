package main

// watch.go – live session dashboard, refreshed once a second.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/termmux/internal/client"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "live dashboard of sessions (Ctrl-C to exit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch()
		},
	}
}

func runWatch() error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	fd := int(os.Stdout.Fd())

	// Hide cursor; restore on exit.
	fmt.Print("\033[?25l")
	defer fmt.Print("\033[?25h")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	defer signal.Stop(winchCh)

	drawWatch(fd, c)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Print("\033[?25h")
			return nil
		case <-winchCh:
			drawWatch(fd, c)
		case <-ticker.C:
			drawWatch(fd, c)
		}
	}
}

func drawWatch(fd int, c *client.Client) {
	width, _, err := term.GetSize(fd)
	if err != nil || width < 60 {
		width = 120
	}

	sessions, err := c.ListSessions()
	if err != nil {
		fmt.Printf("\033[H\033[2Jdaemon not reachable: %v\n", err)
		return
	}

	// Column widths: ID(36), STATE(8), SIZE(9), UPTIME(10), NAME(dynamic).
	const idW, stateW, sizeW, uptimeW = 36, 8, 9, 10
	fixed := idW + stateW + sizeW + uptimeW + 4*2
	nameW := width - fixed
	if nameW < 8 {
		nameW = 8
	}

	fmt.Print("\033[H\033[2J")
	fmt.Printf("%-*s  %-*s  %-*s  %-*s  %s\n",
		idW, "ID", stateW, "STATE", sizeW, "SIZE", uptimeW, "UPTIME", "NAME")

	now := time.Now().Unix()
	for _, s := range sessions {
		state := "alive"
		color := "\033[32m"
		if !s.Alive {
			state = fmt.Sprintf("exit:%d", deref(s.ExitCode))
			color = "\033[2m"
		}
		fmt.Printf("%-*s  %s%-*s\033[0m  %-*s  %-*s  %s\n",
			idW, s.ID,
			color, stateW, state,
			sizeW, fmt.Sprintf("%dx%d", s.Cols, s.Rows),
			uptimeW, formatUptime(now-s.CreatedAt),
			clip(s.Name, nameW))
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
	}
}
