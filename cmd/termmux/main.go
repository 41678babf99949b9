// termmux – the CLI client for the termmuxd daemon.
//
// Usage:
//
//	termmux create [--name <n>] [-- <argv>...]  – spawn a new session
//	termmux list                                – list sessions
//	termmux attach <id>                         – attach the terminal (detach: Ctrl-])
//	termmux history <id>                        – print a session's scrollback
//	termmux resize <id> <cols> <rows>           – resize a session
//	termmux kill <id> [--signal <name>]         – terminate and remove a session
//	termmux watch                               – live session dashboard
//	termmux daemon start|stop|status            – manage the daemon process
//
// termmux starts the daemon automatically if it is not already running.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/termmux/internal/client"
	"github.com/ianremillard/termmux/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "termmux",
		Short:         "attach to persistent terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		createCmd(),
		listCmd(),
		attachCmd(),
		historyCmd(),
		resizeCmd(),
		killCmd(),
		watchCmd(),
		daemonCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "termmux: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to (or spawns) the daemon.
func dial() (*client.Client, error) {
	return client.Dial(client.Options{})
}

func createCmd() *cobra.Command {
	var name, cwd string
	var cols, rows int
	cmd := &cobra.Command{
		Use:   "create [-- argv...]",
		Short: "spawn a new session (default: your shell)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			created, err := c.CreateSession(client.CreateParams{
				Name: name,
				Argv: args,
				Cwd:  cwd,
				Cols: cols,
				Rows: rows,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created session %s\n", created.ID)
			fmt.Printf("run: termmux attach %s\n", created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable session name")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory (default: home)")
	cmd.Flags().IntVar(&cols, "cols", 0, "initial columns (default 80)")
	cmd.Flags().IntVar(&rows, "rows", 0, "initial rows (default 24)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			sessions, err := c.ListSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			fmt.Printf("%-36s  %-16s  %-8s  %-9s  %s\n", "ID", "NAME", "STATE", "SIZE", "UPTIME")
			now := time.Now().Unix()
			for _, s := range sessions {
				state := "alive"
				if !s.Alive {
					state = fmt.Sprintf("exit:%d", deref(s.ExitCode))
				}
				fmt.Printf("%-36s  %-16s  %-8s  %-9s  %s\n",
					s.ID, clip(s.Name, 16), state,
					fmt.Sprintf("%dx%d", s.Cols, s.Rows),
					formatUptime(now-s.CreatedAt))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "print a session's scrollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := c.History(args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func resizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <id> <cols> <rows>",
		Short: "resize a session's window",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cols, rows int
			if _, err := fmt.Sscanf(args[1], "%d", &cols); err != nil {
				return fmt.Errorf("bad cols: %q", args[1])
			}
			if _, err := fmt.Sscanf(args[2], "%d", &rows); err != nil {
				return fmt.Errorf("bad rows: %q", args[2])
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Resize(args[0], cols, rows)
		},
	}
}

func killCmd() *cobra.Command {
	var signal string
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "terminate and remove a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.KillSession(args[0], signal); err != nil {
				return err
			}
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&signal, "signal", "", "signal to deliver (default SIGTERM)")
	return cmd
}

// ─── Small formatting helpers ─────────────────────────────────────────────────

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func clip(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatUptime(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
}

// rootDir is shared by the daemon subcommands.
func rootDir() string { return config.Root() }
