package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tejzpr/vetlink/internal/chat"
	"github.com/tejzpr/vetlink/internal/config"
	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/handler"
	"github.com/tejzpr/vetlink/internal/manager"
	"github.com/tejzpr/vetlink/internal/mongo"
	"github.com/tejzpr/vetlink/internal/presence"
	"github.com/tejzpr/vetlink/internal/signaling"
	"github.com/tejzpr/vetlink/internal/webserver"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "vetlink",
		Short:        "Consultation matching and session relay coordinator",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP, SSE and WebSocket coordinator",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "mcp",
			Short: "Serve consultation tools over MCP stdio against a running coordinator",
			RunE:  runMCP,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, out *os.File) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Init(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := db.NewStore(gdb)
	logger.Info().Str("path", cfg.DBPath).Msg("opened consultation store")

	var tracker presence.Tracker = presence.NewMemoryTracker()
	if cfg.RedisURL != "" {
		rt, err := presence.NewRedisTracker(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rt.Close()
		tracker = rt
		logger.Info().Msg("connected to Redis")
	}

	var messages chat.MessageStore = store
	if cfg.MongoURL != "" {
		mdb, err := mongo.NewDB(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer mdb.Client().Disconnect(context.Background())
		repo := mongo.NewMessageRepository(mdb)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		messages = repo
		logger.Info().Str("database", cfg.MongoDatabase).Msg("chat history in MongoDB")
	}

	broker := manager.NewBroker(cfg.SubscriberBuffer)
	m := manager.New(store, tracker, broker, manager.Options{
		PendingTimeout: cfg.PendingTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		Logger:         logger,
	})
	chatRelay := chat.NewRelay(messages, store, m, chat.Options{
		Retries: cfg.RelayRetries,
		Buffer:  cfg.SubscriberBuffer,
		Logger:  logger,
	})
	sigRelay := signaling.NewRelay(store, m, cfg.SubscriberBuffer, logger)
	m.OnTerminate(func(c *db.Consultation) {
		chatRelay.End(c.ID)
		sigRelay.End(c.ID)
	})

	go m.Run(ctx, cfg.ReaperInterval)

	web := webserver.New(webserver.Deps{
		Store:     store,
		Manager:   m,
		Broker:    broker,
		Presence:  tracker,
		Chat:      chatRelay,
		Signaling: sigRelay,
		Logger:    logger,
	})

	// No write timeout: SSE and WebSocket connections are long lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     web.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting vetlink coordinator")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	// stdout carries the MCP protocol.
	logger := newLogger(cfg, os.Stderr)

	client := webserver.NewClient(cfg.ServerURL)
	if err := client.Health(cmd.Context()); err != nil {
		logger.Warn().Err(err).Str("url", cfg.ServerURL).Msg("coordinator not reachable yet")
	}

	s := server.NewMCPServer(
		"vetlink",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	handler.NewTools(client).Register(s)

	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
