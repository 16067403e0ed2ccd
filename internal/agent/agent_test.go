package agent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-timeclock/internal/activity"
	"github.com/npezzotti/go-timeclock/internal/client"
	"github.com/npezzotti/go-timeclock/internal/testutil"
	"github.com/npezzotti/go-timeclock/internal/types"
)

var t0 = time.Date(2030, time.March, 4, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	clock       quartz.Clock
	mu          sync.Mutex
	mine        client.MyTimer
	mineErr     error
	checkInErr  error
	clockOutErr []error
	mines       int
	checkIns    int
	clockOuts   int
}

func (f *fakeAPI) Mine(ctx context.Context) (client.MyTimer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mines++
	mine := f.mine
	if mine.Timer != nil {
		timer := *mine.Timer
		mine.Timer = &timer
	}
	return mine, f.mineErr
}

func (f *fakeAPI) CheckIn(ctx context.Context) (types.ActiveTimer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIns++
	if f.checkInErr != nil {
		return types.ActiveTimer{}, f.checkInErr
	}
	if f.mine.Timer == nil {
		return types.ActiveTimer{}, &client.Error{StatusCode: http.StatusNotFound, Message: "no active timer"}
	}
	f.mine.Timer.LastCheckIn = f.clock.Now()
	return *f.mine.Timer, nil
}

func (f *fakeAPI) setMine(mine client.MyTimer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mine = mine
}

func (f *fakeAPI) setCheckInErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkInErr = err
}

func (f *fakeAPI) serverCheckIn() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mine.Timer == nil {
		return time.Time{}
	}
	return f.mine.Timer.LastCheckIn
}

func (f *fakeAPI) ClockOut(ctx context.Context) (*types.TimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockOuts++
	if len(f.clockOutErr) > 0 {
		err := f.clockOutErr[0]
		f.clockOutErr = f.clockOutErr[1:]
		return nil, err
	}
	return &types.TimeEntry{}, nil
}

func (f *fakeAPI) counts() (mines, checkIns, clockOuts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mines, f.checkIns, f.clockOuts
}

type memStore struct {
	mu sync.Mutex
	t  time.Time
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
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	agent *Agent
	api   *fakeAPI
	clock *quartz.Mock
	store *memStore
	out   *syncBuffer
}

func newFixture(t *testing.T, lastConfirmed time.Time) *fixture {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(t0)
	serverCheckIn := lastConfirmed
	if serverCheckIn.IsZero() {
		serverCheckIn = t0
	}
	return newFixtureWithServer(t, clock, lastConfirmed, serverCheckIn)
}

// newFixtureWithServer builds an agent whose saved state and server timer
// disagree.
func newFixtureWithServer(t *testing.T, clock *quartz.Mock, lastConfirmed, serverCheckIn time.Time) *fixture {
	t.Helper()

	f := &fixture{
		api: &fakeAPI{
			clock: clock,
			mine:  client.MyTimer{Timer: runningTimer(serverCheckIn)},
		},
		clock: clock,
		store: &memStore{t: lastConfirmed},
		out:   &syncBuffer{},
	}
	f.agent = New(Options{
		API:    f.api,
		Clock:  clock,
		Logger: testutil.TestLogger(t),
		Store:  f.store,
		Out:    f.out,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 4)
		},
	})
	return f
}

func runningTimer(lastCheckIn time.Time) *types.ActiveTimer {
	return &types.ActiveTimer{
		UserId:      "u-1",
		CategoryId:  "c-1",
		StartTime:   lastCheckIn.Add(-time.Hour),
		LastCheckIn: lastCheckIn,
	}
}

func TestSync(t *testing.T) {
	tcases := []struct {
		name       string
		mine       client.MyTimer
		wantState  activity.State
		wantWas    activity.WasRunning
		wantOutput string
	}{
		{
			name:      "running timer starts watching",
			mine:      client.MyTimer{Timer: runningTimer(t0)},
			wantState: activity.Watching,
			wantWas:   activity.Running,
		},
		{
			name:      "no timer pauses",
			mine:      client.MyTimer{},
			wantState: activity.Idle,
			wantWas:   activity.Paused,
		},
		{
			name:       "auto-stopped timer resets",
			mine:       client.MyTimer{AutoStopped: true},
			wantState:  activity.Idle,
			wantWas:    activity.Unknown,
			wantOutput: "stopped by the server",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, time.Time{})
			require.NoError(t, f.agent.Sync(context.Background()))
			require.Equal(t, activity.Watching, f.agent.Watcher().State())

			f.api.setMine(tc.mine)
			require.NoError(t, f.agent.Sync(context.Background()))

			assert.Equal(t, tc.wantState, f.agent.Watcher().State())
			assert.Equal(t, tc.wantWas, f.agent.Watcher().WasRunning())
			assert.Contains(t, f.out.String(), tc.wantOutput)
		})
	}
}

func TestSyncError(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.api.mineErr = errors.New("connection refused")

	assert.Error(t, f.agent.Sync(context.Background()))
	assert.Equal(t, activity.Idle, f.agent.Watcher().State())
}

func TestConfirmChecksIn(t *testing.T) {
	f := newFixture(t, t0.Add(-activity.CheckInterval))
	require.NoError(t, f.agent.Sync(context.Background()))

	require.Equal(t, activity.Prompting, f.agent.Watcher().Check())
	assert.Contains(t, f.out.String(), "auto-stop in 300s")

	f.clock.Set(t0.Add(30 * time.Second))
	f.agent.HandleLine("")
	f.agent.Wait()

	_, checkIns, clockOuts := f.api.counts()
	assert.Equal(t, 1, checkIns)
	assert.Zero(t, clockOuts)
	assert.Equal(t, activity.Watching, f.agent.Watcher().State())
	assert.True(t, f.store.t.Equal(t0.Add(30*time.Second)))
}

func TestPromptOutputIsThrottled(t *testing.T) {
	f := newFixture(t, t0.Add(-activity.CheckInterval))
	require.NoError(t, f.agent.Sync(context.Background()))

	for i := 0; i <= 90; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Second))
		f.agent.Watcher().Check()
	}

	assert.Equal(t, 2, strings.Count(f.out.String(), "Are you still working"))
}

func TestCheckInAfterServerStop(t *testing.T) {
	f := newFixture(t, t0.Add(-activity.CheckInterval))
	f.api.setCheckInErr(&client.Error{StatusCode: http.StatusNotFound, Message: "no active timer"})
	require.NoError(t, f.agent.Sync(context.Background()))
	require.Equal(t, activity.Prompting, f.agent.Watcher().Check())

	f.agent.HandleLine("y")
	f.agent.Wait()

	assert.Equal(t, activity.Idle, f.agent.Watcher().State())
	assert.True(t, f.agent.Watcher().LastConfirmedAt().IsZero())
	assert.Contains(t, f.out.String(), "no longer running")
}

func TestAutoStopClocksOut(t *testing.T) {
	transient := errors.New("503")

	tcases := []struct {
		name          string
		errs          []error
		wantClockOuts int
	}{
		{
			name:          "first attempt succeeds",
			wantClockOuts: 1,
		},
		{
			name:          "transient failures are retried",
			errs:          []error{transient, transient},
			wantClockOuts: 3,
		},
		{
			name:          "retries are bounded",
			errs:          []error{transient, transient, transient, transient, transient, transient},
			wantClockOuts: 5,
		},
		{
			name:          "unauthorized is not retried",
			errs:          []error{&client.Error{StatusCode: http.StatusUnauthorized, Message: "unauthorized"}},
			wantClockOuts: 1,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, t0.Add(-activity.CheckInterval))
			f.api.clockOutErr = tc.errs
			require.NoError(t, f.agent.Sync(context.Background()))
			require.Equal(t, activity.Prompting, f.agent.Watcher().Check())

			f.clock.Set(t0.Add(activity.GracePeriod))
			assert.Equal(t, activity.Idle, f.agent.Watcher().Check())
			f.agent.Wait()

			_, checkIns, clockOuts := f.api.counts()
			assert.Zero(t, checkIns)
			assert.Equal(t, tc.wantClockOuts, clockOuts)
			assert.Equal(t, activity.Unknown, f.agent.Watcher().WasRunning())
			assert.True(t, f.store.t.IsZero(), "persisted state is cleared")
			assert.Contains(t, f.out.String(), "No response")
		})
	}
}

func TestHandleLineOutsidePrompt(t *testing.T) {
	f := newFixture(t, t0.Add(-10*time.Minute))
	require.NoError(t, f.agent.Sync(context.Background()))

	f.agent.HandleLine("")
	assert.Empty(t, f.out.String())

	f.agent.HandleLine("status")
	assert.Contains(t, f.out.String(), "Status: watching, last confirmed 10m0s ago")

	_, checkIns, _ := f.api.counts()
	assert.Zero(t, checkIns, "a line outside a prompt is not a confirmation")
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, t0)
	trap := f.clock.Trap().NewTicker("agent")
	defer trap.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- f.agent.Run(runCtx, strings.NewReader("status\n"))
	}()

	call := trap.MustWait(ctx)
	assert.Equal(t, DefaultSyncInterval, call.Duration)
	call.MustRelease(ctx)

	f.clock.Advance(DefaultSyncInterval).MustWait(ctx)
	require.Eventually(t, func() bool {
		mines, _, _ := f.api.counts()
		return mines >= 2
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("agent did not stop")
	}
}

func TestSyncFollowsServerCheckIn(t *testing.T) {
	tcases := []struct {
		name          string
		lastConfirmed time.Time
		serverCheckIn time.Time
	}{
		{
			name:          "no saved state",
			serverCheckIn: t0.Add(-80 * time.Minute),
		},
		{
			name:          "saved state newer than the server",
			lastConfirmed: t0.Add(-10 * time.Minute),
			serverCheckIn: t0.Add(-80 * time.Minute),
		},
		{
			name:          "confirmed elsewhere",
			lastConfirmed: t0.Add(-85 * time.Minute),
			serverCheckIn: t0.Add(-20 * time.Minute),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			clock := quartz.NewMock(t)
			clock.Set(t0)
			f := newFixtureWithServer(t, clock, tc.lastConfirmed, tc.serverCheckIn)

			require.NoError(t, f.agent.Sync(context.Background()))
			f.agent.Wait()

			w := f.agent.Watcher()
			assert.True(t, w.LastConfirmedAt().Equal(tc.serverCheckIn),
				"last confirmed %s, want %s", w.LastConfirmedAt(), tc.serverCheckIn)
			assert.True(t, f.store.t.Equal(tc.serverCheckIn))
			assert.False(t, w.Unsent())
			_, checkIns, _ := f.api.counts()
			assert.Zero(t, checkIns)

			// The prompt and the auto-stop both land before the server
			// would treat the timer as stale.
			serverDeadline := tc.serverCheckIn.Add(activity.CheckInterval + activity.GracePeriod)
			prompt := tc.serverCheckIn.Add(activity.CheckInterval)
			clock.Set(prompt.Add(-time.Second))
			assert.Equal(t, activity.Watching, w.Check())
			clock.Set(prompt)
			assert.Equal(t, activity.Prompting, w.Check())
			clock.Set(serverDeadline)
			assert.Equal(t, activity.Idle, w.Check())
			f.agent.Wait()

			_, _, clockOuts := f.api.counts()
			assert.Equal(t, 1, clockOuts)
		})
	}
}

func TestSyncResendsUnsentConfirmation(t *testing.T) {
	f := newFixture(t, t0.Add(-activity.CheckInterval))
	require.NoError(t, f.agent.Sync(context.Background()))
	require.Equal(t, activity.Prompting, f.agent.Watcher().Check())

	f.api.setCheckInErr(errors.New("connection refused"))
	f.clock.Set(t0.Add(time.Minute))
	f.agent.HandleLine("")
	f.agent.Wait()
	assert.True(t, f.agent.Watcher().Unsent())
	assert.True(t, f.api.serverCheckIn().Equal(t0.Add(-activity.CheckInterval)))

	// A sync while the confirmation is unsent keeps the local window.
	require.NoError(t, f.agent.Sync(context.Background()))
	f.agent.Wait()
	assert.True(t, f.agent.Watcher().LastConfirmedAt().Equal(t0.Add(time.Minute)))

	f.api.setCheckInErr(nil)
	f.clock.Set(t0.Add(2 * time.Minute))
	require.NoError(t, f.agent.Sync(context.Background()))
	f.agent.Wait()

	_, checkIns, _ := f.api.counts()
	assert.Equal(t, 3, checkIns)
	assert.False(t, f.agent.Watcher().Unsent())
	assert.True(t, f.api.serverCheckIn().Equal(t0.Add(2*time.Minute)))
	assert.True(t, f.agent.Watcher().LastConfirmedAt().Equal(t0.Add(2*time.Minute)),
		"the server time replaces the local confirmation")
}

func TestSyncResumeChecksIn(t *testing.T) {
	f := newFixture(t, t0.Add(-10*time.Minute))
	require.NoError(t, f.agent.Sync(context.Background()))

	f.api.setMine(client.MyTimer{})
	require.NoError(t, f.agent.Sync(context.Background()))
	require.Equal(t, activity.Paused, f.agent.Watcher().WasRunning())

	f.clock.Set(t0.Add(30 * time.Minute))
	f.api.setMine(client.MyTimer{Timer: runningTimer(t0)})
	require.NoError(t, f.agent.Sync(context.Background()))
	f.agent.Wait()

	_, checkIns, _ := f.api.counts()
	assert.Equal(t, 1, checkIns, "a restarted window is sent to the server")
	assert.True(t, f.api.serverCheckIn().Equal(t0.Add(30*time.Minute)))
	assert.True(t, f.agent.Watcher().LastConfirmedAt().Equal(t0.Add(30*time.Minute)))
	assert.False(t, f.agent.Watcher().Unsent())
}
