package timeclock

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/npezzotti/go-timeclock/internal/database"
	"github.com/npezzotti/go-timeclock/internal/stats"
	"github.com/npezzotti/go-timeclock/internal/types"
)

// ReconcileIfStale closes the user's timer if it is stale. It reports the
// entry written and whether this call performed the close. A user without
// a timer, or whose timer was closed concurrently, is not an error.
func (s *Service) ReconcileIfStale(ctx context.Context, userId string) (*database.TimeEntry, bool, error) {
	return s.reconcileIfStale(ctx, userId, triggerRead)
}

func (s *Service) reconcileIfStale(ctx context.Context, userId string, trig trigger) (*database.TimeEntry, bool, error) {
	timer, err := s.db.GetActiveTimer(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get active timer: %w", err)
	}

	now := s.Now()
	if !IsStale(timer.LastCheckIn, now) {
		return nil, false, nil
	}

	cutoff := now.Add(-StaleThreshold)
	res, err := s.close(ctx, database.CloseActiveTimerParams{
		UserId:      userId,
		StaleCutoff: &cutoff,
		Bound:       StaleThreshold,
	}, trig)
	if err != nil {
		return nil, false, err
	}

	return res.Entry, res.Closed, nil
}

// ReconcileAllStale closes every stale timer and returns how many this call
// closed. Concurrent callers share a single pass. A timer that fails to close
// is logged and left in place for the next pass.
func (s *Service) ReconcileAllStale(ctx context.Context) (int, error) {
	v, err, _ := s.bulk.Do("reconcile-all", func() (any, error) {
		return s.reconcileAllStale(ctx)
	})
	if err != nil {
		return 0, err
	}

	return v.(int), nil
}

func (s *Service) reconcileAllStale(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-StaleThreshold)

	timers, err := s.db.ListStaleActiveTimers(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale timers: %w", err)
	}

	closed := 0
	for _, t := range timers {
		res, err := s.close(ctx, database.CloseActiveTimerParams{
			UserId:      t.UserId,
			StaleCutoff: &cutoff,
			Bound:       StaleThreshold,
		}, triggerRoster)
		if err != nil {
			continue
		}
		if res.Closed {
			closed++
		}
	}

	return closed, nil
}

func (s *Service) close(ctx context.Context, params database.CloseActiveTimerParams, trig trigger) (database.CloseResult, error) {
	reconcile := params.StaleCutoff != nil
	logger := s.log.With(slog.F("user_id", params.UserId), slog.F("trigger", trig))

	res, err := s.db.CloseActiveTimer(ctx, params)
	if err != nil {
		if reconcile {
			s.stats.Incr(stats.ReconcileFailuresTotal)
		}
		logger.Error(ctx, "failed to close active timer", slog.Error(err))
		return database.CloseResult{}, fmt.Errorf("close active timer: %w", err)
	}

	if !res.Closed {
		logger.Debug(ctx, "no active timer to close")
		return res, nil
	}

	fields := []slog.Field{
		slog.F("start_time", res.Timer.StartTime),
		slog.F("last_check_in", res.Timer.LastCheckIn),
		slog.F("rooms_left", res.RoomsLeft),
	}
	if res.Entry != nil {
		fields = append(fields,
			slog.F("end_time", res.Entry.EndTime),
			slog.F("duration", res.Entry.Duration),
		)
	}

	s.refreshActiveTimers(ctx)
	if reconcile {
		s.stats.Incr(stats.ReconciliationsTotal)
		logger.Info(ctx, "reconciled stale timer", fields...)
		s.publish(types.EventAutoStopped, params.UserId, nil, res.Entry)
	} else {
		s.stats.Incr(stats.ClockOutsTotal)
		logger.Info(ctx, "clocked out", fields...)
		s.publish(types.EventClockOut, params.UserId, nil, res.Entry)
	}

	return res, nil
}
