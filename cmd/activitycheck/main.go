package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/npezzotti/go-timeclock/internal/activity"
	"github.com/npezzotti/go-timeclock/internal/agent"
	"github.com/npezzotti/go-timeclock/internal/client"
)

func main() {
	var (
		serverURL string
		email     string
		password  string
		stateFile string
		notify    bool
		verbose   bool
	)
	flag.StringVar(&serverURL, "url", "http://localhost:8000", "timeclock server URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", os.Getenv("TIMECLOCK_PASSWORD"), "account password (defaults to $TIMECLOCK_PASSWORD)")
	flag.StringVar(&stateFile, "state-file", "", "activity state file (defaults to the XDG state directory)")
	flag.BoolVar(&notify, "notify", false, "show desktop notifications when an activity check is due")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	if err := run(logger, serverURL, email, password, stateFile, notify); err != nil && !errors.Is(err, context.Canceled) {
		logger.Critical(context.Background(), "activity check", slog.Error(err))
		os.Exit(1)
	}
}

func run(logger slog.Logger, serverURL, email, password, stateFile string, notify bool) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stateFile == "" {
		path, err := activity.DefaultStatePath()
		if err != nil {
			return fmt.Errorf("resolve state path: %w", err)
		}
		stateFile = path
	}

	c, err := client.New(serverURL)
	if err != nil {
		return err
	}

	user, err := c.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info(ctx, "logged in", slog.F("user_id", user.Id), slog.F("state_file", stateFile))

	a := agent.New(agent.Options{
		API:      c,
		Logger:   logger.Named("agent"),
		Store:    activity.NewFileStore(stateFile),
		Notifier: activity.BeeepNotifier{Enabled: notify},
		Out:      os.Stdout,
	})

	fmt.Fprintf(os.Stdout, "Watching timer for %s. Press Ctrl-C to quit.\n", user.Email)
	return a.Run(ctx, os.Stdin)
}
