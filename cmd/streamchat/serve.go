package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/chat"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/observability"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat endpoints",
	Long: `Serve the chat endpoints over HTTP. Replies are pushed to /sse/messages as they stream,
and stream metrics are exposed on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, newLogger(os.Stderr, cfg.Log, verbose))
	},
}

func serve(ctx context.Context, cfg config, logger *slog.Logger) error {
	dbPath, err := cfg.dbPath()
	if err != nil {
		return err
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := handlers.NewEvents(logger)
	client := chat.NewClient(chat.Config{
		Transport:          services.NewBackend(cfg.Backend.Endpoint, nil, logger),
		Store:              boltDB,
		Auth:               tokenAuth(cfg.Backend.AuthToken),
		Observer:           events,
		Metrics:            observability.NewMetrics(reg),
		IdleTimeout:        cfg.IdleTimeout,
		MaxMalformedFrames: cfg.MaxMalformedFrames,
		Logger:             logger,
	})
	client.NewChat()

	m := handlers.NewMain(events, client, boltDB, cfg.defaultOptions(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats", m.HandleChats)
	mux.HandleFunc("GET /chats", m.HandleListChats)
	mux.HandleFunc("POST /chats/new", m.HandleNewChat)
	mux.HandleFunc("POST /chats/switch", m.HandleSwitchChat)
	mux.HandleFunc("POST /stop", m.HandleStop)
	mux.HandleFunc("POST /retry", m.HandleRetry)
	mux.HandleFunc("GET /messages", m.HandleMessages)
	mux.Handle("GET /sse/messages", events)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Start shutdown, context done")
	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
		if err := srv.Close(); err != nil {
			logger.Error("Forcing server close", slog.String("err", err.Error()))
		}
		return err
	}
	return nil
}
