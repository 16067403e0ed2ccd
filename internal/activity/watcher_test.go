package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-timeclock/internal/testutil"
)

var t0 = time.Date(2030, time.March, 4, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	t       time.Time
	cleared bool
}

func (s *memStore) Load() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t, nil
}

func (s *memStore) Save(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = t
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = time.Time{}
	s.cleared = true
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
	err   error
}

func (n *countingNotifier) Notify(title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return n.err
}

func (n *countingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type fixture struct {
	w         *Watcher
	clock     *quartz.Mock
	store     *memStore
	notifier  *countingNotifier
	autoStops int
	confirms  int
	prompts   []int
}

func newFixture(t *testing.T, lastConfirmed time.Time) *fixture {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(t0)
	f := &fixture{
		clock:    clock,
		store:    &memStore{t: lastConfirmed},
		notifier: &countingNotifier{},
	}
	f.w = NewWatcher(Options{
		Clock:      clock,
		Logger:     testutil.TestLogger(t),
		Store:      f.store,
		Notifier:   f.notifier,
		OnPrompt:   func(left int) { f.prompts = append(f.prompts, left) },
		OnConfirm:  func() { f.confirms++ },
		OnAutoStop: func() { f.autoStops++ },
	})
	return f
}

func TestWatcherIdleUntilRunning(t *testing.T) {
	f := newFixture(t, time.Time{})

	assert.Equal(t, Idle, f.w.State())
	assert.Equal(t, Unknown, f.w.WasRunning())
	assert.Equal(t, Idle, f.w.Check())
	assert.Equal(t, WatchPollInterval, f.w.PollInterval())
}

func TestWatcherInitializesConfirmation(t *testing.T) {
	f := newFixture(t, time.Time{})

	f.w.SetRunning(true)

	assert.Equal(t, Watching, f.w.State())
	assert.Equal(t, Running, f.w.WasRunning())
	assert.True(t, f.w.LastConfirmedAt().Equal(t0))
	assert.True(t, f.store.t.Equal(t0), "fresh start is persisted")
}

func TestWatcherPromptsAndConfirms(t *testing.T) {
	f := newFixture(t, t0.Add(-91*time.Minute))

	f.w.SetRunning(true)
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(-91*time.Minute)), "first mount keeps the stored time")

	assert.Equal(t, Prompting, f.w.Check())
	assert.Equal(t, PromptPollInterval, f.w.PollInterval())
	assert.Equal(t, 1, f.notifier.calls())
	left, ok := f.w.SecondsLeft()
	require.True(t, ok)
	assert.Equal(t, 300, left)

	f.clock.Set(t0.Add(2 * time.Minute))
	assert.Equal(t, Prompting, f.w.Check())
	assert.Equal(t, []int{300, 180}, f.prompts)

	f.w.Confirm()
	assert.Equal(t, Watching, f.w.State())
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(2*time.Minute)))
	assert.True(t, f.store.t.Equal(t0.Add(2*time.Minute)))
	_, ok = f.w.SecondsLeft()
	assert.False(t, ok)
	assert.Equal(t, 1, f.confirms)

	f.clock.Set(t0.Add(10 * time.Minute))
	assert.Equal(t, Watching, f.w.Check())
	assert.Equal(t, WatchPollInterval, f.w.PollInterval())
	assert.Equal(t, 0, f.autoStops)
}

func TestWatcherAutoStopsOnce(t *testing.T) {
	f := newFixture(t, t0.Add(-CheckInterval))

	f.w.SetRunning(true)
	assert.Equal(t, Prompting, f.w.Check())

	f.clock.Set(t0.Add(GracePeriod - time.Second))
	assert.Equal(t, Prompting, f.w.Check())
	assert.Equal(t, 0, f.autoStops)

	f.clock.Set(t0.Add(GracePeriod))
	assert.Equal(t, Idle, f.w.Check())
	assert.Equal(t, 1, f.autoStops)

	f.clock.Set(t0.Add(GracePeriod + time.Minute))
	assert.Equal(t, Idle, f.w.Check())
	assert.Equal(t, 1, f.autoStops)
	_, ok := f.w.SecondsLeft()
	assert.False(t, ok)
}

func TestWatcherRestoreAfterLongAbsence(t *testing.T) {
	f := newFixture(t, t0.Add(-10*time.Hour))

	f.w.SetRunning(true)
	assert.Equal(t, Prompting, f.w.Check(), "the grace period starts when the prompt is shown")
	assert.Equal(t, 0, f.autoStops)
}

func TestWatcherPauseResume(t *testing.T) {
	tcases := []struct {
		name        string
		stored      time.Time
		pause       bool
		wantConfirm time.Time
	}{
		{
			name:        "resume after pause restarts window",
			stored:      t0.Add(-80 * time.Minute),
			pause:       true,
			wantConfirm: t0.Add(time.Hour),
		},
		{
			name:        "first mount keeps window",
			stored:      t0.Add(-80 * time.Minute),
			pause:       false,
			wantConfirm: t0.Add(-80 * time.Minute),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.stored)

			if tc.pause {
				f.w.SetRunning(true)
				f.clock.Set(t0.Add(10 * time.Minute))
				f.w.SetRunning(false)
				assert.Equal(t, Paused, f.w.WasRunning())
				assert.Equal(t, Idle, f.w.State())
			}

			f.clock.Set(t0.Add(time.Hour))
			f.w.SetRunning(true)

			assert.True(t, f.w.LastConfirmedAt().Equal(tc.wantConfirm),
				"last confirmed %s, want %s", f.w.LastConfirmedAt(), tc.wantConfirm)
		})
	}
}

func TestWatcherStopBeforeStartStaysUnknown(t *testing.T) {
	f := newFixture(t, t0.Add(-80*time.Minute))

	f.w.SetRunning(false)
	assert.Equal(t, Unknown, f.w.WasRunning())

	f.clock.Set(t0.Add(time.Hour))
	f.w.SetRunning(true)
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(-80*time.Minute)))
}

func TestWatcherDismissConfirms(t *testing.T) {
	f := newFixture(t, t0.Add(-95*time.Minute))

	f.w.SetRunning(true)
	require.Equal(t, Prompting, f.w.Check())

	f.clock.Set(t0.Add(30 * time.Second))
	f.w.Dismiss()

	assert.Equal(t, Watching, f.w.State())
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(30*time.Second)))
	assert.Equal(t, 1, f.confirms)
}

func TestWatcherNotifiesOncePerPrompt(t *testing.T) {
	f := newFixture(t, t0.Add(-CheckInterval))
	f.notifier.err = errors.New("no notification daemon")

	f.w.SetRunning(true)
	for i := 0; i < 5; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Second))
		assert.Equal(t, Prompting, f.w.Check())
	}
	assert.Equal(t, 1, f.notifier.calls())

	f.w.Confirm()
	f.clock.Set(t0.Add(CheckInterval + time.Minute))
	assert.Equal(t, Prompting, f.w.Check())
	assert.Equal(t, 2, f.notifier.calls(), "a new prompt notifies again")
}

func TestWatcherSecondsLeftRoundsUp(t *testing.T) {
	f := newFixture(t, t0.Add(-CheckInterval))

	f.w.SetRunning(true)
	f.w.Check()
	f.clock.Set(t0.Add(1500 * time.Millisecond))

	left, ok := f.w.SecondsLeft()
	require.True(t, ok)
	assert.Equal(t, 299, left)
}

func TestWatcherReset(t *testing.T) {
	f := newFixture(t, t0.Add(-CheckInterval))

	f.w.SetRunning(true)
	f.w.Check()
	f.w.Reset()

	assert.Equal(t, Idle, f.w.State())
	assert.Equal(t, Unknown, f.w.WasRunning())
	assert.True(t, f.w.LastConfirmedAt().IsZero())
	assert.True(t, f.store.cleared)

	f.clock.Set(t0.Add(time.Minute))
	f.w.SetRunning(true)
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(time.Minute)))
	assert.Equal(t, Watching, f.w.Check())
}

func TestWatcherRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, t0.Add(-CheckInterval+time.Minute))
	f.w.SetRunning(true)

	tickerTrap := f.clock.Trap().NewTicker("activity")
	defer tickerTrap.Close()
	resetTrap := f.clock.Trap().TickerReset("activity")
	defer resetTrap.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- f.w.Run(runCtx)
	}()

	call := tickerTrap.MustWait(ctx)
	assert.Equal(t, WatchPollInterval, call.Duration)
	call.MustRelease(ctx)

	// SetRunning queued a wake before Run started.
	reset := resetTrap.MustWait(ctx)
	assert.Equal(t, WatchPollInterval, reset.Duration)
	reset.MustRelease(ctx)

	f.clock.Advance(WatchPollInterval)
	reset = resetTrap.MustWait(ctx)
	assert.Equal(t, PromptPollInterval, reset.Duration, "prompting polls every second")
	reset.MustRelease(ctx)
	assert.Equal(t, Prompting, f.w.State())

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherSyncCheckIn(t *testing.T) {
	tcases := []struct {
		name        string
		stored      time.Time
		confirm     bool
		serverAt    time.Time
		wantConfirm time.Time
		wantState   State
	}{
		{
			name:        "no saved state takes the server time",
			serverAt:    t0.Add(-80 * time.Minute),
			wantConfirm: t0.Add(-80 * time.Minute),
			wantState:   Watching,
		},
		{
			name:        "older server time shortens the window",
			stored:      t0.Add(-10 * time.Minute),
			serverAt:    t0.Add(-91 * time.Minute),
			wantConfirm: t0.Add(-91 * time.Minute),
			wantState:   Prompting,
		},
		{
			name:        "newer server time ends the prompt",
			stored:      t0.Add(-91 * time.Minute),
			serverAt:    t0.Add(-time.Minute),
			wantConfirm: t0.Add(-time.Minute),
			wantState:   Watching,
		},
		{
			name:        "unsent confirmation is kept",
			stored:      t0.Add(-91 * time.Minute),
			confirm:     true,
			serverAt:    t0.Add(-91 * time.Minute),
			wantConfirm: t0,
			wantState:   Watching,
		},
		{
			name:        "zero server time is ignored",
			stored:      t0.Add(-10 * time.Minute),
			wantConfirm: t0.Add(-10 * time.Minute),
			wantState:   Watching,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.stored)
			if !tc.stored.IsZero() {
				f.w.SetRunning(true)
				f.w.Check()
			}
			if tc.confirm {
				f.w.Confirm()
			}

			f.w.SyncCheckIn(tc.serverAt)
			f.w.SetRunning(true)

			assert.True(t, f.w.LastConfirmedAt().Equal(tc.wantConfirm),
				"last confirmed %s, want %s", f.w.LastConfirmedAt(), tc.wantConfirm)
			assert.True(t, f.store.t.Equal(tc.wantConfirm))
			assert.Equal(t, tc.wantState, f.w.Check())
			assert.Equal(t, tc.confirm, f.w.Unsent())
		})
	}
}

func TestWatcherAcknowledge(t *testing.T) {
	f := newFixture(t, time.Time{})

	f.w.SetRunning(true)
	assert.True(t, f.w.Unsent(), "a locally started window is unsent")

	f.w.Acknowledge(t0.Add(-2 * time.Second))
	assert.False(t, f.w.Unsent())
	assert.True(t, f.w.LastConfirmedAt().Equal(t0.Add(-2*time.Second)), "the server time wins")
	assert.True(t, f.store.t.Equal(t0.Add(-2*time.Second)))

	f.w.Reset()
	f.w.Acknowledge(t0)
	assert.True(t, f.w.LastConfirmedAt().IsZero(), "a late acknowledgement after reset is dropped")
}
