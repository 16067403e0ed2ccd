package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/npezzotti/go-timeclock/internal/activity"
	"github.com/npezzotti/go-timeclock/internal/client"
	"github.com/npezzotti/go-timeclock/internal/types"
)

const (
	DefaultSyncInterval = time.Minute

	// promptEvery spaces the terminal countdown lines while prompting.
	promptEvery = 60
)

// TimerAPI is the part of the server API the agent drives.
type TimerAPI interface {
	Mine(ctx context.Context) (client.MyTimer, error)
	CheckIn(ctx context.Context) (types.ActiveTimer, error)
	ClockOut(ctx context.Context) (*types.TimeEntry, error)
}

type Options struct {
	API      TimerAPI
	Clock    quartz.Clock
	Logger   slog.Logger
	Store    activity.Store
	Notifier activity.Notifier
	Out      io.Writer

	SyncInterval time.Duration
	// NewBackOff builds the retry policy for the auto-stop clock-out.
	NewBackOff func() backoff.BackOff
}

// Agent keeps the local activity watcher in step with the server timer and
// turns watcher decisions into API calls.
type Agent struct {
	api          TimerAPI
	clock        quartz.Clock
	log          slog.Logger
	out          io.Writer
	watcher      *activity.Watcher
	syncInterval time.Duration
	newBackOff   func() backoff.BackOff

	wg sync.WaitGroup

	mu         sync.Mutex
	ctx        context.Context
	lastPrompt int
}

func New(opts Options) *Agent {
	a := &Agent{
		api:          opts.API,
		clock:        opts.Clock,
		log:          opts.Logger,
		out:          opts.Out,
		syncInterval: opts.SyncInterval,
		newBackOff:   opts.NewBackOff,
		ctx:          context.Background(),
	}
	if a.clock == nil {
		a.clock = quartz.NewReal()
	}
	if a.out == nil {
		a.out = io.Discard
	}
	if a.syncInterval <= 0 {
		a.syncInterval = DefaultSyncInterval
	}
	if a.newBackOff == nil {
		a.newBackOff = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.MaxElapsedTime = 5 * time.Minute
			return eb
		}
	}

	a.watcher = activity.NewWatcher(activity.Options{
		Clock:      a.clock,
		Logger:     a.log.Named("activity"),
		Store:      opts.Store,
		Notifier:   opts.Notifier,
		OnPrompt:   a.onPrompt,
		OnConfirm:  a.onConfirm,
		OnAutoStop: a.onAutoStop,
	})

	return a
}

func (a *Agent) Watcher() *activity.Watcher {
	return a.watcher
}

// Wait blocks until every API call started by a watcher hook has returned.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Sync reads the server timer and updates the watcher. A window the watcher
// started on its own is sent to the server as a check-in.
func (a *Agent) Sync(ctx context.Context) error {
	mine, err := a.api.Mine(ctx)
	if err != nil {
		return fmt.Errorf("get timer: %w", err)
	}

	if mine.AutoStopped {
		a.log.Info(ctx, "server stopped the timer after missed check-ins")
		a.printf("Your timer was stopped by the server after missed activity checks.\n")
		a.watcher.Reset()
		return nil
	}

	if mine.Timer == nil {
		a.watcher.SetRunning(false)
		return nil
	}

	a.watcher.SyncCheckIn(mine.Timer.LastCheckIn)
	a.watcher.SetRunning(true)
	if a.watcher.Unsent() {
		a.goCheckIn(ctx)
	}
	return nil
}

// Run polls the server and the watcher until ctx is done. Each line read
// from in answers an open prompt.
func (a *Agent) Run(ctx context.Context, in io.Reader) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if err := a.Sync(ctx); err != nil {
		a.log.Warn(ctx, "initial sync failed", slog.Error(err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- a.watcher.Run(ctx)
	}()

	ticker := a.clock.NewTicker(a.syncInterval, "agent", "sync")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			a.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := a.Sync(ctx); err != nil {
				a.log.Warn(ctx, "sync failed", slog.Error(err))
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			a.HandleLine(line)
		}
	}
}

// HandleLine confirms an open prompt. Outside a prompt it prints the status.
func (a *Agent) HandleLine(line string) {
	if a.watcher.State() == activity.Prompting {
		a.watcher.Confirm()
		a.printf("Thanks, keeping your timer running.\n")
		return
	}

	if strings.TrimSpace(line) == "" {
		return
	}

	last := a.watcher.LastConfirmedAt()
	if last.IsZero() {
		a.printf("Status: %s\n", a.watcher.State())
		return
	}
	a.printf("Status: %s, last confirmed %s ago\n",
		a.watcher.State(), a.clock.Since(last).Truncate(time.Second))
}

func (a *Agent) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

func (a *Agent) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *Agent) onPrompt(left int) {
	a.mu.Lock()
	show := a.lastPrompt == 0 || a.lastPrompt-left >= promptEvery
	if show {
		a.lastPrompt = left
	}
	a.mu.Unlock()

	if show {
		a.printf("Are you still working? Press Enter to keep your timer running (auto-stop in %ds).\n", left)
	}
}

func (a *Agent) onConfirm() {
	a.mu.Lock()
	a.lastPrompt = 0
	a.mu.Unlock()

	a.goCheckIn(a.context())
}

func (a *Agent) goCheckIn(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.checkIn(ctx)
	}()
}

func (a *Agent) onAutoStop() {
	a.mu.Lock()
	a.lastPrompt = 0
	a.mu.Unlock()

	a.printf("No response, stopping your timer.\n")

	ctx := a.context()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.stop(ctx)
	}()
}

func (a *Agent) checkIn(ctx context.Context) {
	timer, err := a.api.CheckIn(ctx)
	if err == nil {
		a.watcher.Acknowledge(timer.LastCheckIn)
		return
	}

	if client.IsStatus(err, http.StatusNotFound) {
		a.log.Info(ctx, "timer already stopped on the server")
		a.printf("Your timer is no longer running.\n")
		a.watcher.Reset()
		return
	}

	a.log.Warn(ctx, "check-in failed", slog.Error(err))
}

// stop clocks out, retrying transient failures. The server reconciles the
// timer on its own if every attempt fails.
func (a *Agent) stop(ctx context.Context) {
	attempt := 0
	op := func() error {
		attempt++
		_, err := a.api.ClockOut(ctx)
		if err != nil && client.IsStatus(err, http.StatusUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(a.newBackOff(), ctx))
	if err != nil {
		a.log.Error(ctx, "clock-out failed", slog.F("attempts", attempt), slog.Error(err))
	} else {
		a.log.Info(ctx, "timer stopped after unanswered activity check", slog.F("attempts", attempt))
	}

	a.watcher.Reset()
}
