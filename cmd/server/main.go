package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/repo/postgres"
)

type flags struct {
	envFile      string
	port         int
	dispatchMode string
	migrateOnly  bool
	migrateDown  bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("delivery-dispatch", pflag.ContinueOnError)
	fs.StringVar(&f.envFile, "env-file", "", "env file to load instead of ./.env")
	fs.IntVarP(&f.port, "port", "p", 0, "port to listen on (overrides PORT)")
	fs.StringVar(&f.dispatchMode, "dispatch-mode", "", "direct or proposal (overrides DISPATCH_MODE)")
	fs.BoolVar(&f.migrateOnly, "migrate-only", false, "apply migrations and exit")
	fs.BoolVar(&f.migrateDown, "migrate-down", false, "roll back every migration and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func (f flags) apply(cfg *config.Config) {
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.dispatchMode != "" {
		cfg.Dispatch.Mode = f.dispatchMode
	}
}

func newLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(newLogger(cfg.App))
	if !cfg.App.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	if f.migrateOnly || f.migrateDown {
		return migrate(cfg, f.migrateDown)
	}

	app, err := wireApp(cfg)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer app.Close()

	app.setupRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := app.Hub.Run(ctx); err != nil {
			slog.Error("realtime broker stopped", slog.String("error", err.Error()))
		}
	}()

	app.Jobs.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.Router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			slog.Int("port", cfg.Server.Port),
			slog.String("env", cfg.App.Env),
			slog.String("dispatch_mode", cfg.Dispatch.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	app.Jobs.Stop(shutdownCtx)
	app.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", slog.String("error", err.Error()))
	}
	stop()
	<-hubDone
	if err := app.OrderMirror.Drain(shutdownCtx); err != nil {
		slog.Warn("order mirror drain", slog.String("error", err.Error()))
	}

	slog.Info("shutdown complete")
	return nil
}

func migrate(cfg *config.Config, down bool) error {
	db, err := postgres.Connect(cfg.Postgres.DSN(), postgres.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if down {
		if err := postgres.RunMigrationsDown(db); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		slog.Info("migrations rolled back")
		return nil
	}
	if err := postgres.RunMigrationsUp(db); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}
