// Package main provides the relay coordinator: it accepts websocket
// connections from remote runner agents, tracks their liveness, relays tool
// approvals to a chat surface, and mirrors streamed session output into
// transcript channels.
//
// # Basic Usage
//
// Start the coordinator:
//
//	relay serve --config relay.yaml
//
// # Environment Variables
//
//   - RELAY_CONFIG: path to the configuration file
//   - DISCORD_BOT_TOKEN: referenced as ${DISCORD_BOT_TOKEN} from the config
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/approvals"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/registry"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/runners"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/stream"
	"github.com/haasonsaas/relay/internal/surface"
	"github.com/haasonsaas/relay/internal/surface/discord"
	"github.com/haasonsaas/relay/internal/syncer"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Coordinator between chat surfaces and remote CLI agents",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	runnerStore, sessionStore, cleanup, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer cleanup()

	var surf surface.Surface
	var discordSession *discordgo.Session
	if cfg.Discord.Token != "" {
		discordSession, err = discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		discordSession.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
		surf = discord.New(discordSession, logger)
	} else {
		logger.Warn("no discord token configured, running with a no-op surface")
		surf = surface.NewNoop(logger)
	}

	validator := registry.NewStaticTokens(cfg.Tokens)
	manager := registry.NewManager(registry.Config{
		OfflineGrace:      cfg.Registry.OfflineGrace,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Registry.HeartbeatTimeout,
		KeepAliveInterval: cfg.Registry.KeepAliveInterval,
	}, runnerStore, sessionStore, surf, validator, logger, metrics)
	defer manager.Close()

	approvalStore := approvals.NewStore()
	approvalSvc := approvals.NewService(approvalStore, runnerStore, manager, surf, metrics, logger)
	reconciler := syncer.NewReconciler(sessionStore, manager, metrics, logger)
	assembler := stream.NewAssembler(surf, metrics, logger)
	rt := router.New(sessionStore, approvalSvc, reconciler, assembler, surf, manager, metrics, logger)

	server := registry.NewServer(manager, rt.Dispatch, logger)
	server.SetOnRegistered(func(ctx context.Context, runnerID string, reclaimed bool) {
		if err := reconciler.StartSyncingRunner(ctx, runnerID); err != nil {
			logger.Warn("initial session sync failed", "runner_id", runnerID, "error", err)
		}
	})

	if discordSession != nil {
		unbind := discord.BindInteractions(discordSession, rt.HandleDecision, logger)
		defer unbind()
		if err := discordSession.Open(); err != nil {
			return fmt.Errorf("open discord session: %w", err)
		}
		defer discordSession.Close()
	}

	go manager.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.Listen, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// Nothing meaningful runs without the listener.
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// openStores builds the runner and session stores for the configured driver.
// Both share one database handle under the sqlite driver.
func openStores(cfg config.StorageConfig) (runners.Store, sessions.Store, func(), error) {
	if cfg.Driver == "memory" {
		return runners.NewMemoryStore(), sessions.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	runnerStore, err := runners.NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	sessionStore, err := sessions.NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return runnerStore, sessionStore, func() { db.Close() }, nil
}
