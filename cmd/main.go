package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matthewgaim/homebot/internal/api"
	"github.com/matthewgaim/homebot/internal/bot"
	"github.com/matthewgaim/homebot/internal/config"
	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/logging"
	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/modules/core"
	"github.com/matthewgaim/homebot/internal/modules/rolepanel"
	"github.com/matthewgaim/homebot/internal/modules/welcome"
	"github.com/matthewgaim/homebot/internal/safety"
)

// exitRestart tells the supervisor to start the process again, into a
// restored or updated tree.
const exitRestart = 3

var errRestart = errors.New("restart requested")

var (
	envFile         string
	skipSafetyCheck bool

	cfg    *config.Config
	logger *zap.Logger
	hub    *logging.Hub
	guard  *safety.Guard
)

var rootCmd = &cobra.Command{
	Use:           "homebot",
	Short:         "Self-hosted Discord bot with an admin console and automatic rollback",
	Version:       bot.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dotenvErr := config.LoadDotEnv(envFile)
		if dotenvErr != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("load %s: %w", envFile, dotenvErr)
		}

		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		hub = logging.NewHub(logging.DefaultBacklog)
		if logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, hub); err != nil {
			return err
		}
		if dotenvErr != nil {
			logger.Info("No .env file loaded", zap.String("path", envFile), zap.Error(dotenvErr))
		}

		backups, err := safety.NewBackups(cfg.AppDir, cfg.BackupDir, cfg.DataDir, cfg.BackupExclude, cfg.BackupRetention, logger.Named("backup"))
		if err != nil {
			return err
		}
		guard = safety.NewGuard(cfg.DataDir, cfg.MaxCrashes, backups, logger.Named("safety"))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot and the admin API until interrupted",
	Long: `Run performs the boot safety check first. When the previous boots kept
failing and a backup exists, the backup is restored and the process exits
with code 3 so the supervisor restarts it into the restored tree.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireBot(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !skipSafetyCheck {
			if _, err := guard.Check(ctx, bot.Version); err != nil {
				if errors.Is(err, safety.ErrRestartRequired) {
					return errRestart
				}
				return fmt.Errorf("safety check: %w", err)
			}
		}
		return run(ctx)
	},
}

func run(ctx context.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := openSessions(ctx)
	if err != nil {
		return err
	}
	if c, ok := sessions.(io.Closer); ok {
		defer c.Close()
	}

	registry := modules.NewRegistry()
	registerModules(registry)

	b, err := bot.New(cfg, logger.Named("bot"), store, registry, guard)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		restartOnce   sync.Once
		restartReason string
	)
	requestRestart := func(reason string) {
		restartOnce.Do(func() {
			restartReason = reason
			logger.Warn("Restart requested", zap.String("reason", reason))
			cancel()
		})
	}

	server := api.NewServer(api.Options{
		Config:   cfg,
		Log:      logger.Named("api"),
		Store:    store,
		Manager:  b.Manager(),
		Bot:      b,
		Guard:    guard,
		Updater:  safety.NewUpdater(guard, cfg.UpdateCommand, cfg.AppDir, logger.Named("safety")),
		Sessions: sessions,
		Hub:      hub,
		Restart:  requestRestart,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if err := g.Wait(); err != nil {
		// not a clean exit, this boot keeps counting as a crash
		return err
	}

	if err := guard.MarkCleanExit(); err != nil {
		logger.Error("Recording clean exit failed", zap.Error(err))
	}
	if restartReason != "" {
		return errRestart
	}
	logger.Info("Gracefully shut down")
	return nil
}

func openStore(ctx context.Context) (db.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL is not set, module state is kept in memory only")
		return db.NewMemoryStore(), nil
	}
	return db.Connect(ctx, cfg.DatabaseURL, logger.Named("db"))
}

func openSessions(ctx context.Context) (api.SessionStore, error) {
	if cfg.RedisURL == "" {
		return api.NewMemorySessionStore(), nil
	}
	return api.NewRedisSessionStore(ctx, cfg.RedisURL)
}

// registerModules lists the built-in modules.
func registerModules(r *modules.Registry) {
	r.MustRegister(core.New(), welcome.New(), rolepanel.New())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	runCmd.Flags().BoolVar(&skipSafetyCheck, "skip-safety-check", false, "boot accounting was already done by safety-check")
	rootCmd.AddCommand(runCmd)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errRestart):
		fmt.Fprintln(os.Stderr, color.YellowString("Restart required, exiting with code %d", exitRestart))
		os.Exit(exitRestart)
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
