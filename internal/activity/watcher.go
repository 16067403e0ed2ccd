package activity

import (
	"context"
	"math"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	// CheckInterval is how long a timer may run unconfirmed before the user
	// is asked whether they are still working.
	CheckInterval = 90 * time.Minute
	// GracePeriod is how long an unanswered prompt stays up before the timer
	// is treated as abandoned.
	GracePeriod = 5 * time.Minute
	// NotifyRepeatInterval spaces repeated notifications for the same prompt.
	NotifyRepeatInterval = 15 * time.Minute

	WatchPollInterval  = 60 * time.Second
	PromptPollInterval = time.Second

	notificationTitle   = "Timeclock - Activity Check"
	notificationMessage = "Your timer is still running. Are you still working?"
)

// WasRunning distinguishes the first observation of a running timer from a
// resume after an explicit pause.
type WasRunning int

const (
	Unknown WasRunning = iota
	Paused
	Running
)

func (w WasRunning) String() string {
	switch w {
	case Paused:
		return "paused"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

type State int

const (
	Idle State = iota
	Watching
	Prompting
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Prompting:
		return "prompting"
	default:
		return "idle"
	}
}

// Store persists the last confirmation time between runs.
type Store interface {
	Load() (time.Time, error)
	Save(t time.Time) error
	Clear() error
}

// Notifier delivers a best-effort desktop alert.
type Notifier interface {
	Notify(title, message string) error
}

type Options struct {
	Clock    quartz.Clock
	Logger   slog.Logger
	Store    Store
	Notifier Notifier

	// OnPrompt is called on every poll while prompting with the seconds left
	// before auto-stop.
	OnPrompt func(secondsLeft int)
	// OnConfirm is called after each confirmation.
	OnConfirm func()
	// OnAutoStop is called once when a prompt goes unanswered for the whole
	// grace period. The caller is responsible for stopping the timer.
	OnAutoStop func()
}

// Watcher runs the activity confirmation cycle for a single local timer.
// Hooks run on the goroutine that caused the transition, after the new
// state is in place, and must not block.
type Watcher struct {
	clock    quartz.Clock
	log      slog.Logger
	store    Store
	notifier Notifier

	onPrompt   func(int)
	onConfirm  func()
	onAutoStop func()

	wake chan struct{}

	mu              sync.Mutex
	state           State
	wasRunning      WasRunning
	lastConfirmedAt time.Time
	lastNotifiedAt  time.Time
	modalShownAt    time.Time
	// unsent is set while a locally started window has not been
	// acknowledged by the server.
	unsent bool
}

func NewWatcher(opts Options) *Watcher {
	w := &Watcher{
		clock:      opts.Clock,
		log:        opts.Logger,
		store:      opts.Store,
		notifier:   opts.Notifier,
		onPrompt:   opts.OnPrompt,
		onConfirm:  opts.OnConfirm,
		onAutoStop: opts.OnAutoStop,
		wake:       make(chan struct{}, 1),
	}
	if w.clock == nil {
		w.clock = quartz.NewReal()
	}

	if w.store != nil {
		t, err := w.store.Load()
		if err != nil {
			w.log.Warn(context.Background(), "failed to load activity state", slog.Error(err))
		}
		w.lastConfirmedAt = t
	}

	return w
}

// SetRunning tells the watcher whether the local timer is running. Resuming
// after an observed pause restarts the confirmation window. The first
// observation after start does not, so a restored timer keeps counting.
func (w *Watcher) SetRunning(running bool) {
	w.mu.Lock()

	if !running {
		if w.wasRunning == Running {
			w.wasRunning = Paused
		}
		w.state = Idle
		w.modalShownAt = time.Time{}
		w.lastNotifiedAt = time.Time{}
		w.mu.Unlock()
		return
	}

	now := w.clock.Now()
	if w.wasRunning == Paused && !w.lastConfirmedAt.IsZero() {
		w.setConfirmedLocked(now)
	}
	w.wasRunning = Running
	if w.lastConfirmedAt.IsZero() {
		w.setConfirmedLocked(now)
	}
	if w.state == Idle {
		w.state = Watching
	}
	w.mu.Unlock()

	w.poke()
}

// Check evaluates the confirmation window once and returns the new state.
func (w *Watcher) Check() State {
	w.mu.Lock()

	if w.state == Idle {
		w.mu.Unlock()
		return Idle
	}

	now := w.clock.Now()
	if now.Sub(w.lastConfirmedAt) < CheckInterval {
		w.state = Watching
		w.mu.Unlock()
		return Watching
	}

	if w.modalShownAt.IsZero() {
		w.modalShownAt = now
	}

	if now.Sub(w.modalShownAt) >= GracePeriod {
		w.modalShownAt = time.Time{}
		w.lastNotifiedAt = time.Time{}
		w.state = Idle
		w.mu.Unlock()

		w.log.Info(context.Background(), "activity check unanswered, stopping timer")
		if w.onAutoStop != nil {
			w.onAutoStop()
		}
		return Idle
	}

	w.state = Prompting
	notify := w.lastNotifiedAt.IsZero() || now.Sub(w.lastNotifiedAt) >= NotifyRepeatInterval
	if notify {
		w.lastNotifiedAt = now
	}
	left := w.secondsLeftLocked(now)
	w.mu.Unlock()

	if notify {
		w.notify()
	}
	if w.onPrompt != nil {
		w.onPrompt(left)
	}

	return Prompting
}

// Confirm records that the user is still working and ends any prompt.
func (w *Watcher) Confirm() {
	w.mu.Lock()
	w.setConfirmedLocked(w.clock.Now())
	w.lastNotifiedAt = time.Time{}
	w.modalShownAt = time.Time{}
	if w.state == Prompting {
		w.state = Watching
	}
	w.mu.Unlock()

	w.poke()
	if w.onConfirm != nil {
		w.onConfirm()
	}
}

// SyncCheckIn aligns the window with the last check-in the server stored for
// the running timer, so the local window never ends after the server's. A
// local confirmation the server has not acknowledged is kept.
func (w *Watcher) SyncCheckIn(serverAt time.Time) {
	if serverAt.IsZero() {
		return
	}

	w.mu.Lock()
	if w.unsent || w.lastConfirmedAt.Equal(serverAt) {
		w.mu.Unlock()
		return
	}
	if serverAt.After(w.lastConfirmedAt) {
		w.lastNotifiedAt = time.Time{}
		w.modalShownAt = time.Time{}
		if w.state == Prompting {
			w.state = Watching
		}
	}
	w.saveLocked(serverAt)
	w.mu.Unlock()

	w.poke()
}

// Acknowledge records the check-in time the server stored for the last
// confirmation.
func (w *Watcher) Acknowledge(serverAt time.Time) {
	w.mu.Lock()
	if w.lastConfirmedAt.IsZero() {
		w.mu.Unlock()
		return
	}
	w.unsent = false
	if !serverAt.IsZero() && !serverAt.Equal(w.lastConfirmedAt) {
		w.saveLocked(serverAt)
	}
	w.mu.Unlock()

	w.poke()
}

// Unsent reports whether the current window was started locally and has not
// been acknowledged by the server.
func (w *Watcher) Unsent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unsent
}

// Dismiss closes the prompt. Closing it counts as a confirmation.
func (w *Watcher) Dismiss() {
	w.Confirm()
}

// Reset forgets all confirmation state, including the persisted time.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.lastConfirmedAt = time.Time{}
	w.lastNotifiedAt = time.Time{}
	w.modalShownAt = time.Time{}
	w.wasRunning = Unknown
	w.state = Idle
	w.unsent = false
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.Clear(); err != nil {
			w.log.Warn(context.Background(), "failed to clear activity state", slog.Error(err))
		}
	}
	w.poke()
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) WasRunning() WasRunning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wasRunning
}

func (w *Watcher) LastConfirmedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastConfirmedAt
}

// SecondsLeft returns the seconds remaining before auto-stop, and false when
// no prompt is showing.
func (w *Watcher) SecondsLeft() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.modalShownAt.IsZero() {
		return 0, false
	}
	return w.secondsLeftLocked(w.clock.Now()), true
}

// PollInterval is coarse while watching and fine while a prompt counts down.
func (w *Watcher) PollInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Prompting {
		return PromptPollInterval
	}
	return WatchPollInterval
}

// Run polls until ctx is done. It checks once on start and again whenever
// the running state or a confirmation changes the schedule.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.PollInterval(), "activity", "poll")
	defer ticker.Stop()

	w.Check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}

		w.Check()
		ticker.Reset(w.PollInterval(), "activity", "reset")
	}
}

func (w *Watcher) secondsLeftLocked(now time.Time) int {
	left := GracePeriod - now.Sub(w.modalShownAt)
	if left < 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func (w *Watcher) setConfirmedLocked(t time.Time) {
	w.unsent = true
	w.saveLocked(t)
}

func (w *Watcher) saveLocked(t time.Time) {
	w.lastConfirmedAt = t
	if w.store == nil {
		return
	}
	if err := w.store.Save(t); err != nil {
		w.log.Warn(context.Background(), "failed to persist activity state", slog.Error(err))
	}
}

func (w *Watcher) notify() {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(notificationTitle, notificationMessage); err != nil {
		w.log.Debug(context.Background(), "notification not delivered", slog.Error(err))
	}
}

func (w *Watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
