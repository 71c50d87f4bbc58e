// Command stratad is the union filesystem daemon. It serves the control
// socket and owns every FUSE session; the stratactl CLI starts it on
// demand when no daemon is running.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/control"
	"strata/internal/fs"
	"strata/internal/logging"
	"strata/internal/mount"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
)

var (
	cfgFile  string
	socket   string
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "stratad",
	Short: "Strata union filesystem daemon",
	Long: `stratad serves writable union views over FUSE. Each mount overlays
one or more layer directories onto a real directory tree: files shadow,
directories merge, and the mapping set of a live mount can be swapped
without remounting.

The daemon is controlled over a per-user unix socket; use stratactl to
mount, update and inspect. The first stratactl command starts stratad
automatically, so running it by hand is only needed for custom
configurations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/strata/config.yaml)")
	rootCmd.Flags().StringVar(&socket, "socket", "", "control socket path (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides config)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "log destination: stderr, stdout or a file path (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("stratad %s\n", version)
	},
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if socket != "" {
		cfg.Socket = socket
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFile != "" {
		cfg.Logging.Output = logFile
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	log := logging.WithComponent("daemon")
	log.WithField("version", version).WithField("socket", cfg.Socket).Info("starting stratad")

	mgr := mount.NewManager(fs.SessionFactory, nil)
	srv := control.NewServer(mgr, cfg.Socket, version, cfg.Metrics.Enabled)
	if err := srv.Listen(); err != nil {
		// Losing the startup race to another daemon is a normal outcome
		// when several clients spawn at once.
		if errdefs.IsConflict(err) {
			log.WithField("socket", cfg.Socket).Info("another daemon is already serving, exiting")
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := srv.Serve(ctx)

	// Unmount everything before exiting; a bounded wait keeps a stuck
	// kernel detach from wedging shutdown forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.CloseAll()
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.WithField("timeout", cfg.ShutdownTimeout.String()).Warn("shutdown timed out with mounts still draining")
	}

	log.Info("stratad stopped")
	return serveErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stratad: %v\n", err)
		os.Exit(1)
	}
}
