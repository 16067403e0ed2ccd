package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	activeTimerColumns = "user_id, category_id, tag_id, description, start_time, last_check_in, created_at"
	timeEntryColumns   = "id, user_id, category_id, tag_id, description, start_time, end_time, duration, created_at"
	roomColumns        = "id, external_id, name, meet_link, require_clock_in, created_at"

	defaultEntriesLimit = 100
)

func (db *SqlTimeclockRepository) now() time.Time {
	return db.clock.Now().UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "violates foreign key constraint")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func (db *SqlTimeclockRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	u := User{
		Id:           uuid.NewString(),
		Email:        params.Email,
		Name:         params.Name,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    db.now(),
	}
	if u.Role == "" {
		u.Role = RoleUser
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO users (id, email, name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
		u.Id, u.Email, u.Name, u.PasswordHash, u.Role, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

func (db *SqlTimeclockRepository) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM users"); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return n, nil
}

func (db *SqlTimeclockRepository) GetUserById(ctx context.Context, id string) (User, error) {
	var u User
	err := db.conn.GetContext(ctx, &u, db.conn.Rebind(
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE id = ?"), id)

	return u, notFound(err)
}

func (db *SqlTimeclockRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := db.conn.GetContext(ctx, &u, db.conn.Rebind(
		"SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = ?"), email)

	return u, notFound(err)
}

func (db *SqlTimeclockRepository) CreateCategory(ctx context.Context, params CreateCategoryParams) (Category, error) {
	c := Category{
		Id:        uuid.NewString(),
		Name:      params.Name,
		Color:     params.Color,
		CreatedAt: db.now(),
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO categories (id, name, color, created_at) VALUES (?, ?, ?, ?)"),
		c.Id, c.Name, c.Color, c.CreatedAt,
	)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}

	return c, nil
}

func (db *SqlTimeclockRepository) ListCategories(ctx context.Context) ([]Category, error) {
	categories := make([]Category, 0)
	err := db.conn.SelectContext(ctx, &categories,
		"SELECT id, name, color, created_at FROM categories ORDER BY created_at ASC")

	return categories, err
}

func (db *SqlTimeclockRepository) CreateTag(ctx context.Context, params CreateTagParams) (Tag, error) {
	t := Tag{
		Id:        uuid.NewString(),
		Name:      params.Name,
		Color:     params.Color,
		CreatedAt: db.now(),
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO tags (id, name, color, created_at) VALUES (?, ?, ?, ?)"),
		t.Id, t.Name, t.Color, t.CreatedAt,
	)
	if err != nil {
		return Tag{}, fmt.Errorf("insert tag: %w", err)
	}

	return t, nil
}

func (db *SqlTimeclockRepository) ListTags(ctx context.Context) ([]Tag, error) {
	tags := make([]Tag, 0)
	err := db.conn.SelectContext(ctx, &tags,
		"SELECT id, name, color, created_at FROM tags ORDER BY created_at ASC")

	return tags, err
}

func (db *SqlTimeclockRepository) GetActiveTimer(ctx context.Context, userId string) (ActiveTimer, error) {
	var t ActiveTimer
	err := db.conn.GetContext(ctx, &t, db.conn.Rebind(
		"SELECT "+activeTimerColumns+" FROM active_timers WHERE user_id = ?"), userId)

	return t, notFound(err)
}

// UpsertActiveTimer clocks the user in, replacing any timer they already had.
func (db *SqlTimeclockRepository) UpsertActiveTimer(ctx context.Context, params UpsertActiveTimerParams) (ActiveTimer, error) {
	t := ActiveTimer{
		UserId:      params.UserId,
		CategoryId:  params.CategoryId,
		TagId:       params.TagId,
		Description: params.Description,
		StartTime:   params.StartTime.UTC(),
		LastCheckIn: params.StartTime.UTC(),
		CreatedAt:   db.now(),
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO active_timers ("+activeTimerColumns+") VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (user_id) DO UPDATE SET "+
			"category_id = excluded.category_id, tag_id = excluded.tag_id, description = excluded.description, "+
			"start_time = excluded.start_time, last_check_in = excluded.last_check_in, created_at = excluded.created_at"),
		t.UserId, t.CategoryId, t.TagId, t.Description, t.StartTime, t.LastCheckIn, t.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ActiveTimer{}, ErrInvalidReference
		}
		return ActiveTimer{}, fmt.Errorf("upsert active timer: %w", err)
	}

	return t, nil
}

// UpdateActiveTimer changes what the timer is tracking. It never touches
// last_check_in.
func (db *SqlTimeclockRepository) UpdateActiveTimer(ctx context.Context, params UpdateActiveTimerParams) (ActiveTimer, error) {
	res, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"UPDATE active_timers SET category_id = ?, tag_id = ?, description = ? WHERE user_id = ?"),
		params.CategoryId, params.TagId, params.Description, params.UserId,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ActiveTimer{}, ErrInvalidReference
		}
		return ActiveTimer{}, fmt.Errorf("update active timer: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ActiveTimer{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ActiveTimer{}, ErrNotFound
	}

	return db.GetActiveTimer(ctx, params.UserId)
}

// CheckInActiveTimer advances last_check_in to at. An at earlier than the
// stored value leaves the row unchanged so the column never moves backwards.
func (db *SqlTimeclockRepository) CheckInActiveTimer(ctx context.Context, userId string, at time.Time) (ActiveTimer, error) {
	at = at.UTC()
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"UPDATE active_timers SET last_check_in = ? WHERE user_id = ? AND last_check_in <= ?"),
		at, userId, at,
	)
	if err != nil {
		return ActiveTimer{}, fmt.Errorf("check in: %w", err)
	}

	return db.GetActiveTimer(ctx, userId)
}

func (db *SqlTimeclockRepository) CountActiveTimers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM active_timers"); err != nil {
		return 0, fmt.Errorf("count active timers: %w", err)
	}

	return n, nil
}

func (db *SqlTimeclockRepository) ListActiveTimersWithUsers(ctx context.Context) ([]ActiveTimerWithUser, error) {
	query := `
		SELECT
			a.user_id, a.category_id, a.tag_id, a.description,
			a.start_time, a.last_check_in, a.created_at,
			u.name AS user_name,
			u.email AS user_email,
			c.name AS category_name,
			c.color AS category_color,
			tg.name AS tag_name,
			tg.color AS tag_color
		FROM active_timers a
		JOIN users u ON a.user_id = u.id
		JOIN categories c ON a.category_id = c.id
		LEFT JOIN tags tg ON a.tag_id = tg.id
		ORDER BY a.start_time ASC`

	timers := make([]ActiveTimerWithUser, 0)
	if err := db.conn.SelectContext(ctx, &timers, query); err != nil {
		return nil, fmt.Errorf("list active timers: %w", err)
	}

	return timers, nil
}

// ListStaleActiveTimers returns every timer last confirmed at or before cutoff.
func (db *SqlTimeclockRepository) ListStaleActiveTimers(ctx context.Context, cutoff time.Time) ([]ActiveTimer, error) {
	timers := make([]ActiveTimer, 0)
	err := db.conn.SelectContext(ctx, &timers, db.conn.Rebind(
		"SELECT "+activeTimerColumns+" FROM active_timers WHERE last_check_in <= ? ORDER BY last_check_in ASC"),
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale active timers: %w", err)
	}

	return timers, nil
}

// CloseActiveTimer turns the user's timer into a time entry, removes the
// user from rooms and deletes the timer in a single transaction.
//
// The row is locked and deleted with an affected-row check, so of two
// concurrent closers only one observes the row; the other gets
// CloseResult{Closed: false} and creates nothing.
func (db *SqlTimeclockRepository) CloseActiveTimer(ctx context.Context, params CloseActiveTimerParams) (res CloseResult, err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return CloseResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || !res.Closed {
			tx.Rollback()
		}
	}()

	query := "SELECT " + activeTimerColumns + " FROM active_timers WHERE user_id = ?"
	args := []any{params.UserId}
	if params.StaleCutoff != nil {
		query += " AND last_check_in <= ?"
		args = append(args, params.StaleCutoff.UTC())
	}
	if db.driver == DriverPostgres {
		query += " FOR UPDATE"
	}

	var timer ActiveTimer
	if err = tx.GetContext(ctx, &timer, tx.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CloseResult{}, nil
		}
		return CloseResult{}, fmt.Errorf("select active timer: %w", err)
	}

	deleted, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM active_timers WHERE user_id = ?"), params.UserId)
	if err != nil {
		return CloseResult{}, fmt.Errorf("delete active timer: %w", err)
	}
	n, err := deleted.RowsAffected()
	if err != nil {
		return CloseResult{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return CloseResult{}, nil
	}

	end := closingTime(timer, params)
	var entry *TimeEntry
	if end.After(timer.StartTime) {
		e := timer.Close(uuid.NewString(), end)
		e.CreatedAt = db.now()
		if err = insertTimeEntry(ctx, tx, e); err != nil {
			return CloseResult{}, err
		}
		entry = &e
	}

	var left int64
	if params.LeaveAllRooms {
		left, err = leaveAllRooms(ctx, tx, params.UserId)
	} else {
		left, err = leaveRoomsRequiringClockIn(ctx, tx, params.UserId)
	}
	if err != nil {
		return CloseResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return CloseResult{}, fmt.Errorf("commit: %w", err)
	}

	return CloseResult{
		Closed:    true,
		Timer:     timer,
		Entry:     entry,
		RoomsLeft: left,
	}, nil
}

func closingTime(timer ActiveTimer, params CloseActiveTimerParams) time.Time {
	if params.Bound <= 0 {
		return params.EndTime.UTC()
	}

	end := timer.LastCheckIn.Add(params.Bound)
	if !params.EndTime.IsZero() && params.EndTime.Before(end) {
		end = params.EndTime
	}
	return end.UTC()
}

func insertTimeEntry(ctx context.Context, ext sqlx.ExtContext, e TimeEntry) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(
		"INSERT INTO time_entries ("+timeEntryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		e.Id, e.UserId, e.CategoryId, e.TagId, e.Description,
		e.StartTime.UTC(), e.EndTime.UTC(), e.Duration, e.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrInvalidReference
		}
		return fmt.Errorf("insert time entry: %w", err)
	}
	return nil
}

func (db *SqlTimeclockRepository) CreateTimeEntry(ctx context.Context, params CreateTimeEntryParams) (TimeEntry, error) {
	if !params.EndTime.After(params.StartTime) {
		return TimeEntry{}, ErrInvalidInterval
	}

	e := TimeEntry{
		Id:          uuid.NewString(),
		UserId:      params.UserId,
		CategoryId:  params.CategoryId,
		TagId:       params.TagId,
		Description: params.Description,
		StartTime:   params.StartTime.UTC(),
		EndTime:     params.EndTime.UTC(),
		Duration:    DurationSeconds(params.StartTime, params.EndTime),
		CreatedAt:   db.now(),
	}

	if err := insertTimeEntry(ctx, db.conn, e); err != nil {
		return TimeEntry{}, err
	}

	return e, nil
}

func (db *SqlTimeclockRepository) ListTimeEntries(ctx context.Context, userId string, limit int) ([]TimeEntry, error) {
	if limit <= 0 {
		limit = defaultEntriesLimit
	}

	entries := make([]TimeEntry, 0)
	err := db.conn.SelectContext(ctx, &entries, db.conn.Rebind(
		"SELECT "+timeEntryColumns+" FROM time_entries WHERE user_id = ? ORDER BY start_time DESC LIMIT ?"),
		userId, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}

	return entries, nil
}

func (db *SqlTimeclockRepository) GetTimeEntry(ctx context.Context, id string) (TimeEntry, error) {
	var e TimeEntry
	err := db.conn.GetContext(ctx, &e, db.conn.Rebind(
		"SELECT "+timeEntryColumns+" FROM time_entries WHERE id = ?"), id)

	return e, notFound(err)
}

// ListTeamTimeEntries returns entries of every user, newest first, with the
// names needed to display them.
func (db *SqlTimeclockRepository) ListTeamTimeEntries(ctx context.Context, params ListTeamTimeEntriesParams) ([]TimeEntryWithUser, error) {
	query := `
		SELECT
			te.id, te.user_id, te.category_id, te.tag_id, te.description,
			te.start_time, te.end_time, te.duration, te.created_at,
			u.name AS user_name,
			u.email AS user_email,
			c.name AS category_name,
			c.color AS category_color,
			tg.name AS tag_name,
			tg.color AS tag_color
		FROM time_entries te
		JOIN users u ON te.user_id = u.id
		JOIN categories c ON te.category_id = c.id
		LEFT JOIN tags tg ON te.tag_id = tg.id`

	var args []any
	if !params.StartFrom.IsZero() {
		query += " WHERE te.start_time >= ? AND te.start_time < ? ORDER BY te.start_time DESC"
		args = append(args, params.StartFrom.UTC(), params.StartBefore.UTC())
	} else {
		limit := params.Limit
		if limit <= 0 {
			limit = defaultEntriesLimit
		}
		query += " ORDER BY te.start_time DESC LIMIT ?"
		args = append(args, limit)
	}

	entries := make([]TimeEntryWithUser, 0)
	if err := db.conn.SelectContext(ctx, &entries, db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list team time entries: %w", err)
	}

	return entries, nil
}

func (db *SqlTimeclockRepository) DeleteTimeEntry(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, db.conn.Rebind("DELETE FROM time_entries WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete time entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *SqlTimeclockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	r := Room{
		Id:             uuid.NewString(),
		ExternalId:     params.ExternalId,
		Name:           params.Name,
		MeetLink:       params.MeetLink,
		RequireClockIn: params.RequireClockIn,
		CreatedAt:      db.now(),
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"INSERT INTO rooms ("+roomColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		r.Id, r.ExternalId, r.Name, r.MeetLink, r.RequireClockIn, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Room{}, ErrConflict
		}
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return r, nil
}

func (db *SqlTimeclockRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	var r Room
	err := db.conn.GetContext(ctx, &r, db.conn.Rebind(
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = ?"), externalId)

	return r, notFound(err)
}

func (db *SqlTimeclockRepository) ListRooms(ctx context.Context) ([]Room, error) {
	rooms := make([]Room, 0)
	if err := db.conn.SelectContext(ctx, &rooms, "SELECT "+roomColumns+" FROM rooms ORDER BY name ASC"); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	return rooms, nil
}

func (db *SqlTimeclockRepository) ListRoomParticipants(ctx context.Context) ([]RoomParticipant, error) {
	participants := make([]RoomParticipant, 0)
	err := db.conn.SelectContext(ctx, &participants,
		"SELECT room_id, user_id, joined_at FROM room_participants ORDER BY joined_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list room participants: %w", err)
	}

	return participants, nil
}

// JoinRoom moves the user into the room. A user is in at most one room at
// a time, so any other participation is dropped first.
//
// With ActiveSince set the user's timer row is read, and locked on
// Postgres, before the insert. A concurrent close either commits first and
// the join fails with ErrNoActiveTimer, or waits and evicts the new member.
func (db *SqlTimeclockRepository) JoinRoom(ctx context.Context, params JoinRoomParams) (err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if params.ActiveSince != nil {
		query := "SELECT user_id FROM active_timers WHERE user_id = ? AND last_check_in > ?"
		if db.driver == DriverPostgres {
			query += " FOR SHARE"
		}
		var userId string
		err = tx.GetContext(ctx, &userId, tx.Rebind(query), params.UserId, params.ActiveSince.UTC())
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoActiveTimer
		}
		if err != nil {
			return fmt.Errorf("select active timer: %w", err)
		}
	}

	if _, err = leaveAllRooms(ctx, tx, params.UserId); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(
		"INSERT INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)"),
		params.RoomId, params.UserId, db.now(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrInvalidReference
		}
		return fmt.Errorf("insert room participant: %w", err)
	}

	return tx.Commit()
}

func (db *SqlTimeclockRepository) LeaveRoom(ctx context.Context, roomId, userId string) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		"DELETE FROM room_participants WHERE room_id = ? AND user_id = ?"), roomId, userId)
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}

	return nil
}

func (db *SqlTimeclockRepository) LeaveRoomsRequiringClockIn(ctx context.Context, userId string) (int64, error) {
	return leaveRoomsRequiringClockIn(ctx, db.conn, userId)
}

func (db *SqlTimeclockRepository) LeaveAllRooms(ctx context.Context, userId string) (int64, error) {
	return leaveAllRooms(ctx, db.conn, userId)
}

func leaveRoomsRequiringClockIn(ctx context.Context, ext sqlx.ExtContext, userId string) (int64, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(
		"DELETE FROM room_participants WHERE user_id = ? AND room_id IN "+
			"(SELECT id FROM rooms WHERE require_clock_in = ?)"),
		userId, true,
	)
	if err != nil {
		return 0, fmt.Errorf("leave clock-in rooms: %w", err)
	}

	return res.RowsAffected()
}

func leaveAllRooms(ctx context.Context, ext sqlx.ExtContext, userId string) (int64, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind("DELETE FROM room_participants WHERE user_id = ?"), userId)
	if err != nil {
		return 0, fmt.Errorf("leave all rooms: %w", err)
	}

	return res.RowsAffected()
}
