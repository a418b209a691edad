package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"caseflow/internal/app"
	"caseflow/internal/relay"
	"caseflow/internal/server"
	"caseflow/internal/sweep"
	"caseflow/internal/telemetry"
)

var version = "dev"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event relay and automation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "127.0.0.1:8080", "listen address")
	flags.String("base-path", "/v1", "API base path")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.Bool("allow-staff-headers", false, "accept X-Staff-Id/X-Staff-Role headers")
	flags.Duration("sweep-interval", 15*time.Minute, "automation sweep interval (0 disables)")
	flags.Int("sweep-parallelism", 4, "cases evaluated concurrently per sweep")
	flags.String("redis-url", "", "redis URL for the cross-instance sweep lock")
	flags.String("log-level", "info", "debug, info, warn or error")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "allow-staff-headers", "sweep-interval", "sweep-parallelism", "redis-url", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	slog.SetDefault(logger)

	if err := telemetry.Init(ctx, "caseflow", version); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()

	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	e := a.Engine
	e.Logger = logger

	secret := viper.GetString("jwt-secret")
	if secret == "" {
		return fmt.Errorf("CASEFLOW_JWT_SECRET is required for bearer auth")
	}
	basePath := viper.GetString("base-path")
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: basePath,
		Metrics:  a.Metrics,
		Auth: server.AuthConfig{
			JWTSecret:               secret,
			AllowLegacyStaffHeaders: viper.GetBool("allow-staff-headers"),
			Logger:                  logger,
		},
	})
	if err != nil {
		return err
	}

	dispatcher, err := relay.New(e.Repo, a.Config.Relay, a.Metrics, logger.With("component", "relay"))
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	scheduler := sweep.Scheduler{
		Engine:      e,
		Interval:    viper.GetDuration("sweep-interval"),
		Parallelism: viper.GetInt("sweep-parallelism"),
		Logger:      logger.With("component", "sweep"),
	}
	if url := viper.GetString("redis-url"); url != "" {
		locker, err := sweep.NewRedisLocker(ctx, url)
		if err != nil {
			return err
		}
		defer locker.Close()
		scheduler.Locker = locker
	}

	addr := viper.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving caseflow API", "addr", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	if scheduler.Interval > 0 {
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	return g.Wait()
}
