// termmuxd – the terminal-multiplexing daemon.
//
// Usage:
//
//	termmuxd [--root <dir>]
//
// The daemon listens on the per-user Unix domain socket and supervises
// PTY sessions for termmux clients. It is normally started automatically
// by termmux (or the client library); you do not need to run it by hand.
//
// Exit codes: 0 normal shutdown, 2 endpoint already in use, 3 permission
// denied, 4 unrecoverable I/O error.
package main

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ianremillard/termmux/internal/config"
	"github.com/ianremillard/termmux/internal/daemon"
)

var rootDir string

func main() {
	cmd := &cobra.Command{
		Use:           "termmuxd",
		Short:         "persistent terminal-multiplexing daemon",
		Args:          cobra.NoArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringVar(&rootDir, "root", config.Root(), "data directory (env: TERMMUX_ROOT)")

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(exitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return err
	}
	cfg, err := config.Load(rootDir)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if f, err := os.OpenFile(config.LogPath(rootDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		defer f.Close()
	}

	socketPath := config.SocketPath(rootDir)
	d := daemon.New(cfg, log)
	if err := d.Listen(socketPath); err != nil {
		return err
	}
	os.WriteFile(config.PidPath(rootDir), []byte(strconv.Itoa(os.Getpid())), 0o600)
	log.WithField("socket", socketPath).Info("termmuxd listening")

	// Graceful shutdown on SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		d.Shutdown(socketPath)
		os.Remove(config.PidPath(rootDir))
		os.Exit(0)
	}()

	return d.Serve()
}

// exitCode maps startup failures onto the daemon's documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, daemon.ErrInUse):
		return 2
	case errors.Is(err, os.ErrPermission):
		return 3
	default:
		return 4
	}
}
