package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/termpool/internal/config"
	"github.com/g960059/termpool/internal/daemon"
	"github.com/g960059/termpool/internal/db"
	"github.com/g960059/termpool/internal/ptyexec"
	"github.com/g960059/termpool/internal/termpool"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for termpoold")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.IntVar(&cfg.RenderContextLimit, "render-contexts", cfg.RenderContextLimit, "max concurrent accelerated render contexts")
	flag.DurationVar(&cfg.FrameInterval, "frame-interval", cfg.FrameInterval, "output flush interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	executor := ptyexec.New(cfg.ScrollbackLimitBytes)
	defer executor.Close()

	backend := daemon.NewHistoryBackend(executor, store, cfg)
	pool := termpool.NewPool(cfg, termpool.Options{Backend: backend})
	go daemon.RunPump(ctx, pool, store, executor.Data(), executor.Exits(), cfg.ScrollbackLimitBytes)

	srv := daemon.NewServer(cfg, store, pool, backend)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termpoold: %v\n", err)
	os.Exit(1)
}
