package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/crewtask/internal/channels"
	"github.com/basket/crewtask/internal/config"
	"github.com/basket/crewtask/internal/persistence"
	"github.com/basket/crewtask/internal/router"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/robfig/cron/v3"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crewtask: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(cfg.DBPath, persistence.Options{
		RecomputeClaimantOnRelease: cfg.RecomputeClaimantOnRelease,
	})
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tg, err := channels.NewTelegram(cfg.BotToken, cfg.PollTimeoutSeconds, logger)
	if err != nil {
		logger.Error("telegram start failed", "error", err)
		os.Exit(1)
	}

	rt := router.New(store, tg, logger, router.Config{
		DefaultEmoji:    cfg.DefaultEmoji,
		DailyBoostLimit: cfg.DailyBoostLimit,
	})
	tg.SetHandler(rt)

	// Hourly sweep: a claimant whose completed task vanished must not stay
	// stuck awaiting a backlink forever.
	ttl := time.Duration(cfg.BacklinkTTLHours) * time.Hour
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		n, err := store.ClearExpiredBacklinks(ctx, ttl)
		if err != nil {
			logger.Error("backlink sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("cleared expired backlink markers", "count", n)
		}
	}); err != nil {
		logger.Error("register backlink sweep failed", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if err := tg.Start(ctx); err != nil {
		logger.Error("telegram channel stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
