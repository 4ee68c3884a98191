package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/daemon"
	"github.com/afk-tools/claude-afk/internal/logging"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/telegram"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the claude-afk daemon (internal — started automatically)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Set umask for secure file creation
		syscall.Umask(0077)

		// Ignore signals the host session might forward
		signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE)

		cfgPath, err := config.ConfigFilePath()
		if err != nil {
			return err
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		socketPath, err := config.SocketPath()
		if err != nil {
			return err
		}
		lockPath, err := config.LockFilePath()
		if err != nil {
			return err
		}
		statePath, err := config.StateFilePath()
		if err != nil {
			return err
		}

		logDir, err := config.LogDir()
		if err != nil {
			return err
		}
		if err := config.EnsureDir(logDir, 0700); err != nil {
			// Non-fatal: logging falls back to stderr
			fmt.Fprintf(os.Stderr, "claude-afk: cannot create log directory: %v\n", err)
		}

		level := logging.ParseLevel(cfg.LogLevel)
		if config.DebugEnabled() {
			level = slog.LevelDebug
		}
		logger, logCleanup, logErr := logging.Setup(logDir, level, daemonForeground)
		if logErr != nil {
			// Non-fatal: fall back to stderr-only logging
			fmt.Fprintf(os.Stderr, "claude-afk: cannot set up file logging: %v\n", logErr)
			logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))
			logCleanup = func() {}
		}
		defer logCleanup()

		store := state.New(statePath, logger)
		if err := store.CheckIntegrity(); err != nil {
			logger.Warn("state integrity check failed", "error", err)
		}

		tg := telegram.New(config.TelegramToken())
		if !tg.Configured() {
			logger.Warn("telegram bot token not set; requests will resolve not_configured")
		}

		d := daemon.New(cfg, store, tg, socketPath, lockPath, logger)

		// Write PID file
		pidPath, err := config.PIDFilePath()
		if err != nil {
			logger.Warn("cannot determine PID file path", "error", err)
		} else if err := config.AtomicWriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			logger.Warn("failed to write PID file", "error", err)
		} else {
			defer os.Remove(pidPath)
		}

		// Handle SIGTERM for graceful shutdown
		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("received SIGTERM, shutting down")
			cancel()
		}()

		return d.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Run in foreground")
	rootCmd.AddCommand(daemonCmd)
}
