package timeclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/npezzotti/go-timeclock/internal/activity"
	"github.com/npezzotti/go-timeclock/internal/database"
	"github.com/npezzotti/go-timeclock/internal/stats"
	"github.com/npezzotti/go-timeclock/internal/types"
)

const (
	CheckInterval = activity.CheckInterval
	GracePeriod   = activity.GracePeriod
	// StaleThreshold is the server cutoff. It must never be shorter than the
	// client's prompt plus grace window.
	StaleThreshold = CheckInterval + GracePeriod
)

var (
	// ErrNoActiveTimer is returned by operations that need a running timer.
	ErrNoActiveTimer = errors.New("no active timer")
	// ErrClockInRequired is returned when joining a gated room without a timer.
	ErrClockInRequired = errors.New("you must be clocked in to join this room")
)

type trigger string

const (
	triggerUser     trigger = "user"
	triggerClockIn  trigger = "clock_in"
	triggerCheckIn  trigger = "check_in"
	triggerRead     trigger = "read"
	triggerRoomJoin trigger = "room_join"
	triggerRoster   trigger = "roster"
)

// Publisher receives presence events after they are committed.
type Publisher interface {
	Publish(ev types.Event)
}

type Options struct {
	Logger    slog.Logger
	Clock     quartz.Clock
	Stats     stats.StatsProvider
	Publisher Publisher
}

// Service owns the active timer lifecycle. It keeps no state of its own;
// every decision is made from what is persisted in the repository.
type Service struct {
	db    database.TimeclockRepository
	log   slog.Logger
	clock quartz.Clock
	stats stats.StatsProvider
	pub   Publisher
	bulk  singleflight.Group
}

func NewService(db database.TimeclockRepository, opts Options) *Service {
	s := &Service{
		db:    db,
		log:   opts.Logger,
		clock: opts.Clock,
		stats: opts.Stats,
		pub:   opts.Publisher,
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.stats == nil {
		s.stats = nopStats{}
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}

	return s
}

// Now returns the current time in UTC.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

// IsStale reports whether a timer last confirmed at lastCheckIn has gone
// unconfirmed for at least StaleThreshold.
func IsStale(lastCheckIn, now time.Time) bool {
	return now.Sub(lastCheckIn) >= StaleThreshold
}

type ClockInParams struct {
	UserId      string
	CategoryId  string
	TagId       *string
	Description *string
	StartTime   time.Time
}

// ClockIn starts a timer for the user, replacing any timer they already had.
// A stale prior timer is reconciled first so its time is kept.
func (s *Service) ClockIn(ctx context.Context, params ClockInParams) (database.ActiveTimer, error) {
	if _, _, err := s.reconcileIfStale(ctx, params.UserId, triggerClockIn); err != nil {
		return database.ActiveTimer{}, err
	}

	_, err := s.db.GetActiveTimer(ctx, params.UserId)
	replacing := err == nil
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return database.ActiveTimer{}, fmt.Errorf("get active timer: %w", err)
	}

	timer, err := s.db.UpsertActiveTimer(ctx, database.UpsertActiveTimerParams{
		UserId:      params.UserId,
		CategoryId:  params.CategoryId,
		TagId:       params.TagId,
		Description: params.Description,
		StartTime:   params.StartTime,
	})
	if err != nil {
		return database.ActiveTimer{}, err
	}

	s.stats.Incr(stats.ClockInsTotal)
	if !replacing {
		s.refreshActiveTimers(ctx)
	}
	s.log.Info(ctx, "clocked in",
		slog.F("user_id", timer.UserId),
		slog.F("category_id", timer.CategoryId),
		slog.F("start_time", timer.StartTime),
		slog.F("replaced", replacing),
	)
	s.publish(types.EventClockIn, timer.UserId, &timer, nil)

	return timer, nil
}

// CheckIn records that the user is still present. A timer that is already
// stale is reconciled instead and ErrNoActiveTimer is returned.
func (s *Service) CheckIn(ctx context.Context, userId string) (database.ActiveTimer, error) {
	_, fired, err := s.reconcileIfStale(ctx, userId, triggerCheckIn)
	if err != nil {
		return database.ActiveTimer{}, err
	}
	if fired {
		return database.ActiveTimer{}, ErrNoActiveTimer
	}

	timer, err := s.db.CheckInActiveTimer(ctx, userId, s.Now())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.ActiveTimer{}, ErrNoActiveTimer
		}
		return database.ActiveTimer{}, err
	}

	s.log.Debug(ctx, "checked in", slog.F("user_id", userId), slog.F("last_check_in", timer.LastCheckIn))
	s.publish(types.EventCheckIn, userId, &timer, nil)

	return timer, nil
}

type UpdateParams struct {
	UserId      string
	CategoryId  string
	TagId       *string
	Description *string
}

// Update changes what the running timer is tracking without confirming
// presence.
func (s *Service) Update(ctx context.Context, params UpdateParams) (database.ActiveTimer, error) {
	timer, err := s.db.UpdateActiveTimer(ctx, database.UpdateActiveTimerParams{
		UserId:      params.UserId,
		CategoryId:  params.CategoryId,
		TagId:       params.TagId,
		Description: params.Description,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.ActiveTimer{}, ErrNoActiveTimer
		}
		return database.ActiveTimer{}, err
	}

	s.publish(types.EventUpdate, params.UserId, &timer, nil)

	return timer, nil
}

// ClockOutResult reports whether a timer was stopped. Entry is nil when
// there was no timer, and also when the timer ended where it started.
type ClockOutResult struct {
	Stopped bool
	Entry   *database.TimeEntry
}

// ClockOut stops the user's timer and removes them from every room. The
// entry ends now, or at the stale bound if the timer went unconfirmed for
// longer than that. Clocking out without a timer is a no-op.
func (s *Service) ClockOut(ctx context.Context, userId string) (ClockOutResult, error) {
	res, err := s.close(ctx, database.CloseActiveTimerParams{
		UserId:        userId,
		Bound:         StaleThreshold,
		EndTime:       s.Now(),
		LeaveAllRooms: true,
	}, triggerUser)
	if err != nil {
		return ClockOutResult{}, err
	}

	return ClockOutResult{Stopped: res.Closed, Entry: res.Entry}, nil
}

// MineResult is the caller's view of their own timer. At most one of Timer
// and AutoStopped is set.
type MineResult struct {
	Timer       *database.ActiveTimer
	AutoStopped bool
	Entry       *database.TimeEntry
}

// Mine returns the user's timer, reconciling it first if it went stale.
func (s *Service) Mine(ctx context.Context, userId string) (MineResult, error) {
	entry, fired, err := s.reconcileIfStale(ctx, userId, triggerRead)
	if err != nil {
		return MineResult{}, err
	}
	if fired {
		return MineResult{AutoStopped: true, Entry: entry}, nil
	}

	timer, err := s.db.GetActiveTimer(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return MineResult{}, nil
		}
		return MineResult{}, err
	}

	return MineResult{Timer: &timer}, nil
}

type RosterEntry struct {
	database.ActiveTimerWithUser
	ElapsedSeconds int64
}

// Roster reconciles every stale timer and returns the ones still running.
// A reconciliation failure is logged and does not fail the read.
func (s *Service) Roster(ctx context.Context) ([]RosterEntry, error) {
	if _, err := s.ReconcileAllStale(ctx); err != nil {
		s.log.Error(ctx, "bulk reconciliation failed", slog.Error(err))
	}

	timers, err := s.db.ListActiveTimersWithUsers(ctx)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	roster := make([]RosterEntry, 0, len(timers))
	for _, t := range timers {
		roster = append(roster, RosterEntry{
			ActiveTimerWithUser: t,
			ElapsedSeconds:      database.DurationSeconds(t.StartTime, now),
		})
	}
	s.stats.Set(stats.ActiveTimers, float64(len(roster)))

	return roster, nil
}

// JoinRoom moves the user into the room. Rooms that require a clock-in only
// admit users whose timer is running and not stale.
func (s *Service) JoinRoom(ctx context.Context, room database.Room, userId string) error {
	params := database.JoinRoomParams{RoomId: room.Id, UserId: userId}
	if room.RequireClockIn {
		if _, _, err := s.reconcileIfStale(ctx, userId, triggerRoomJoin); err != nil {
			return err
		}
		cutoff := s.Now().Add(-StaleThreshold)
		params.ActiveSince = &cutoff
	}

	if err := s.db.JoinRoom(ctx, params); err != nil {
		if errors.Is(err, database.ErrNoActiveTimer) {
			return ErrClockInRequired
		}
		return err
	}

	s.log.Debug(ctx, "joined room", slog.F("user_id", userId), slog.F("room_id", room.ExternalId))
	s.pub.Publish(types.Event{Type: types.EventRoomJoin, UserId: userId, RoomId: room.ExternalId, At: s.Now()})

	return nil
}

func (s *Service) LeaveRoom(ctx context.Context, room database.Room, userId string) error {
	if err := s.db.LeaveRoom(ctx, room.Id, userId); err != nil {
		return err
	}

	s.pub.Publish(types.Event{Type: types.EventRoomLeave, UserId: userId, RoomId: room.ExternalId, At: s.Now()})

	return nil
}

// RefreshActiveTimers sets the active timer gauge from the store.
func (s *Service) RefreshActiveTimers(ctx context.Context) error {
	n, err := s.db.CountActiveTimers(ctx)
	if err != nil {
		return err
	}

	s.stats.Set(stats.ActiveTimers, float64(n))
	return nil
}

func (s *Service) refreshActiveTimers(ctx context.Context) {
	if err := s.RefreshActiveTimers(ctx); err != nil {
		s.log.Warn(ctx, "failed to count active timers", slog.Error(err))
	}
}

func (s *Service) publish(typ types.EventType, userId string, timer *database.ActiveTimer, entry *database.TimeEntry) {
	ev := types.Event{Type: typ, UserId: userId, At: s.Now()}
	if timer != nil {
		t := TimerResponse(*timer)
		ev.Timer = &t
	}
	if entry != nil {
		e := TimeEntryResponse(*entry)
		ev.Entry = &e
	}
	s.pub.Publish(ev)
}

func TimerResponse(t database.ActiveTimer) types.ActiveTimer {
	return types.ActiveTimer{
		UserId:      t.UserId,
		CategoryId:  t.CategoryId,
		TagId:       t.TagId,
		Description: t.Description,
		StartTime:   t.StartTime,
		LastCheckIn: t.LastCheckIn,
	}
}

func TimeEntryResponse(e database.TimeEntry) types.TimeEntry {
	return types.TimeEntry{
		Id:          e.Id,
		UserId:      e.UserId,
		CategoryId:  e.CategoryId,
		TagId:       e.TagId,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		Duration:    e.Duration,
		CreatedAt:   e.CreatedAt,
	}
}

type nopStats struct{}

func (nopStats) Incr(string)           {}
func (nopStats) Decr(string)           {}
func (nopStats) Set(string, float64)   {}
func (nopStats) RegisterMetric(string) {}
func (nopStats) Run()                  {}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Event) {}
