package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zane-ai/zane/anchor/internal/bridge"
	"github.com/zane-ai/zane/anchor/internal/config"
	"github.com/zane-ai/zane/anchor/internal/eventbus"
)

const defaultConfigPath = "orbit-anchor.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// stdout is the agent's channel, so logs go to stderr.
	logger := newLogger(os.Stderr, cfg.Logging)

	bus := eventbus.New()
	defer bus.Close()
	go logEvents(bus.Subscribe(64), logger)

	b := bridge.New(bridge.Options{
		Orbit: cfg.Orbit,
		In:    os.Stdin,
		Out:   os.Stdout,
		Bus:   bus,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("orbit-anchor starting", "version", version, "config", configPath, "orbit", cfg.Orbit.URL)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge error", "error", err)
		os.Exit(1)
	}

	logger.Info("orbit-anchor stopped", "dropped_events", bus.Dropped())
	return nil
}

// logEvents turns bridge lifecycle events into status log lines until the
// channel closes.
func logEvents(events <-chan eventbus.Event, logger *slog.Logger) {
	logger = logger.With("component", "status")
	for e := range events {
		switch e.Type {
		case eventbus.BridgeConnected:
			logger.Info("orbit link up", "url", e.Attr("url"))
		case eventbus.BridgeDisconnected:
			logger.Warn("orbit link down", "reason", e.Attr("reason"))
		case eventbus.BridgeReconnecting:
			logger.Info("orbit link retrying", "delay", e.Attr("delay"))
		case eventbus.BridgeHeartbeatTimeout:
			logger.Warn("orbit link stalled", "timeout", e.Attr("timeout"))
		case eventbus.ThreadSubscribed:
			logger.Debug("thread subscribed", "thread_id", e.Attr("thread_id"))
		default:
			logger.Debug("bridge event", "type", e.Type)
		}
	}
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. The default file, when it exists
// An empty result means environment-only configuration.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}
