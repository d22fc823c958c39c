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

	"crewtrain/internal/app"
	"crewtrain/internal/db"
	"crewtrain/internal/events"
	"crewtrain/internal/platform/logger"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crewtrain: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := app.LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.OpenPostgres(ctx, db.PostgresConfig{
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
		AutoMigrate:     cfg.DBAutoMigrate,
	})
	if err != nil {
		log.Error("database error", "error", err)
		return err
	}
	defer dbConn.Close()

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = events.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			log.Error("redis error", "addr", cfg.RedisAddr, "error", err)
			return err
		}
		defer rdb.Close()
		log.Info("forwarding events to redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.NewRouter(cfg, app.Deps{DB: dbConn, Log: log, Redis: rdb}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("crewtrain web listening", "addr", cfg.HTTPAddr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", "error", err)
		return err
	}
	return nil
}
