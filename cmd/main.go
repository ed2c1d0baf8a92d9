package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelusa-v/pelusa-dm/internal/auth"
	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/config"
	"github.com/pelusa-v/pelusa-dm/internal/handlers"
	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/media"
	"github.com/pelusa-v/pelusa-dm/internal/presence"
	"github.com/pelusa-v/pelusa-dm/internal/retention"
	"github.com/pelusa-v/pelusa-dm/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pelusa-dm:", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Sink); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DBPath, store.Options{QueryTimeout: cfg.Store.QueryTimeout.Duration()})
	if err != nil {
		return err
	}
	defer st.Close()

	limiter := auth.NewLimiter(cfg.Auth.RateLimit.RPS, cfg.Auth.RateLimit.Burst)
	defer limiter.Shutdown()
	hub := chat.NewHub(presence.NewRegistry(cfg.Presence.MultiDevice), limiter)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	uploader, err := media.New(cfg.Media.Dir, cfg.Media.BaseURL, cfg.Media.MaxSize.Int64())
	if err != nil {
		return err
	}
	svc := chat.NewService(st, hub, uploader, chat.ServiceConfig{
		HistoryLimit: cfg.Store.HistoryLimit,
		PollLimit:    cfg.Store.PollLimit,
		PollTimeout:  cfg.Store.PollTimeout.Duration(),
	})

	if cfg.Retention.Enabled {
		rm, err := retention.New(st, retention.Config{
			Cron:      cfg.Retention.Cron,
			Period:    cfg.Retention.Period.Duration(),
			BatchSize: cfg.Retention.BatchSize,
		})
		if err != nil {
			return err
		}
		rm.Start(ctx)
	}

	resolver := auth.NewResolver(cfg.Auth.JWTSecret, cfg.Auth.TrustQueryUser)
	if cfg.Auth.TrustQueryUser {
		logger.Warn("auth_trust_query_user_enabled")
	}
	h := handlers.NewHandler(svc, hub, st, resolver, chat.SessionConfig{
		PingInterval: cfg.Presence.PingInterval.Duration(),
		PongWait:     cfg.Presence.PongWait.Duration(),
		WriteWait:    cfg.Presence.WriteWait.Duration(),
		MaxFrameSize: cfg.Presence.MaxFrameSize.Int64(),
		SendBuffer:   cfg.Presence.SendBuffer,
	})
	app := handlers.NewApp(h, auth.Protect(resolver, limiter, st), handlers.AppConfig{
		BodyLimit:      int(cfg.Server.BodyLimit.Int64()),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MediaURL:       cfg.Media.BaseURL,
		MediaDir:       cfg.Media.Dir,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.Addr(), "db", cfg.Store.DBPath, "multi_device", cfg.Presence.MultiDevice)
		errCh <- app.Listen(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_shutting_down")
	// sessions close before the listener drains
	stopHub()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	return nil
}
