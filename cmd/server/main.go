package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"

	"github.com/npezzotti/go-timeclock/internal/api"
	"github.com/npezzotti/go-timeclock/internal/config"
	"github.com/npezzotti/go-timeclock/internal/database"
	"github.com/npezzotti/go-timeclock/internal/presence"
	"github.com/npezzotti/go-timeclock/internal/stats"
	"github.com/npezzotti/go-timeclock/internal/timeclock"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	driver         string
	dsn            string
	signingKey     string
	configFile     string
	verbose        bool
	allowedOrigins stringSliceFlag
)

func fatal(ctx context.Context, logger slog.Logger, msg string, err error) {
	logger.Critical(ctx, msg, slog.Error(err))
	os.Exit(1)
}

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&driver, "driver", database.DriverPostgres, "database driver (postgres or sqlite)")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&configFile, "config", "", "optional YAML config file, overrides flags")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	ctx := context.Background()
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	if configFile != "" {
		f, err := config.LoadFile(configFile)
		if err != nil {
			fatal(ctx, logger, "load config file", err)
		}
		origins := []string(allowedOrigins)
		f.Merge(&addr, &driver, &dsn, &signingKey, &origins)
		allowedOrigins = origins
	}

	cfg, err := config.NewConfig(addr, driver, dsn, signingKey, allowedOrigins)
	if err != nil {
		fatal(ctx, logger, "config", err)
	}

	clock := quartz.NewReal()
	db, err := database.NewTimeclockRepository(cfg.DatabaseDriver, cfg.DatabaseDSN, database.WithClock(clock))
	if err != nil {
		fatal(ctx, logger, "db open", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error(ctx, "db close", slog.Error(err))
		}
	}()

	if err := db.Migrate(); err != nil {
		fatal(ctx, logger, "db migrate", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	for _, name := range stats.All {
		statsUpdater.RegisterMetric(name)
	}

	hub := presence.NewHub(logger.Named("presence"), statsUpdater)

	svc := timeclock.NewService(db, timeclock.Options{
		Logger:    logger.Named("timeclock"),
		Clock:     clock,
		Stats:     statsUpdater,
		Publisher: hub,
	})

	srv := api.NewTimeclockApp(mux, logger.Named("api"), svc, hub, db, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	if err := svc.RefreshActiveTimers(ctx); err != nil {
		logger.Warn(ctx, "failed to count active timers", slog.Error(err))
	}

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info(ctx, "received signal", slog.F("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server", slog.Error(err))
		}
	}

	shutDownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown", slog.Error(err))
	}

	logger.Info(ctx, "shutting down presence hub")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Error(ctx, "presence hub shutdown", slog.Error(err))
	}

	logger.Info(ctx, "shutdown complete")
}
