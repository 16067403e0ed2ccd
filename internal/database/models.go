package database

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	Id           string    `db:"id"`
	Email        string    `db:"email"`
	Name         string    `db:"name"`
	PasswordHash string    `db:"password_hash"`
	Role         Role      `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
}

type Category struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	Color     string    `db:"color"`
	CreatedAt time.Time `db:"created_at"`
}

type Tag struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	Color     string    `db:"color"`
	CreatedAt time.Time `db:"created_at"`
}

// ActiveTimer is the open-ended interval a user is currently clocked into.
// There is at most one per user.
type ActiveTimer struct {
	UserId      string    `db:"user_id"`
	CategoryId  string    `db:"category_id"`
	TagId       *string   `db:"tag_id"`
	Description *string   `db:"description"`
	StartTime   time.Time `db:"start_time"`
	LastCheckIn time.Time `db:"last_check_in"`
	CreatedAt   time.Time `db:"created_at"`
}

// Close builds the time entry for the timer ending at end. The duration is
// always derived from the bounds.
func (t ActiveTimer) Close(id string, end time.Time) TimeEntry {
	return TimeEntry{
		Id:          id,
		UserId:      t.UserId,
		CategoryId:  t.CategoryId,
		TagId:       t.TagId,
		Description: t.Description,
		StartTime:   t.StartTime.UTC(),
		EndTime:     end.UTC(),
		Duration:    DurationSeconds(t.StartTime, end),
	}
}

// ActiveTimerWithUser is a roster row.
type ActiveTimerWithUser struct {
	ActiveTimer
	UserName      string  `db:"user_name"`
	UserEmail     string  `db:"user_email"`
	CategoryName  string  `db:"category_name"`
	CategoryColor string  `db:"category_color"`
	TagName       *string `db:"tag_name"`
	TagColor      *string `db:"tag_color"`
}

type TimeEntry struct {
	Id          string    `db:"id"`
	UserId      string    `db:"user_id"`
	CategoryId  string    `db:"category_id"`
	TagId       *string   `db:"tag_id"`
	Description *string   `db:"description"`
	StartTime   time.Time `db:"start_time"`
	EndTime     time.Time `db:"end_time"`
	Duration    int64     `db:"duration"`
	CreatedAt   time.Time `db:"created_at"`
}

// TimeEntryWithUser is a team feed row.
type TimeEntryWithUser struct {
	TimeEntry
	UserName      string  `db:"user_name"`
	UserEmail     string  `db:"user_email"`
	CategoryName  string  `db:"category_name"`
	CategoryColor string  `db:"category_color"`
	TagName       *string `db:"tag_name"`
	TagColor      *string `db:"tag_color"`
}

type Room struct {
	Id             string    `db:"id"`
	ExternalId     string    `db:"external_id"`
	Name           string    `db:"name"`
	MeetLink       *string   `db:"meet_link"`
	RequireClockIn bool      `db:"require_clock_in"`
	CreatedAt      time.Time `db:"created_at"`
}

type RoomParticipant struct {
	RoomId   string    `db:"room_id"`
	UserId   string    `db:"user_id"`
	JoinedAt time.Time `db:"joined_at"`
}

type CreateUserParams struct {
	Email        string
	Name         string
	PasswordHash string
	Role         Role
}

type CreateCategoryParams struct {
	Name  string
	Color string
}

type CreateTagParams struct {
	Name  string
	Color string
}

type UpsertActiveTimerParams struct {
	UserId      string
	CategoryId  string
	TagId       *string
	Description *string
	StartTime   time.Time
}

type UpdateActiveTimerParams struct {
	UserId      string
	CategoryId  string
	TagId       *string
	Description *string
}

type CreateTimeEntryParams struct {
	UserId      string
	CategoryId  string
	TagId       *string
	Description *string
	StartTime   time.Time
	EndTime     time.Time
}

// ListTeamTimeEntriesParams filters the team feed. A zero StartFrom returns
// the most recent Limit entries; otherwise every entry starting in
// [StartFrom, StartBefore) is returned.
type ListTeamTimeEntriesParams struct {
	StartFrom   time.Time
	StartBefore time.Time
	Limit       int
}

type CreateRoomParams struct {
	ExternalId     string
	Name           string
	MeetLink       *string
	RequireClockIn bool
}

type JoinRoomParams struct {
	RoomId string
	UserId string
	// ActiveSince, when set, admits the user only if their timer was last
	// checked in after it. The check runs in the same transaction as the
	// insert.
	ActiveSince *time.Time
}

// CloseActiveTimerParams describes a compare-and-delete of a user's timer.
//
// The entry ends at LastCheckIn+Bound. A non-zero EndTime earlier than that
// bound is used instead. When StaleCutoff is set only a timer whose last
// check-in is at or before the cutoff is closed.
type CloseActiveTimerParams struct {
	UserId        string
	StaleCutoff   *time.Time
	Bound         time.Duration
	EndTime       time.Time
	LeaveAllRooms bool
}

// DurationSeconds returns the whole seconds between start and end.
func DurationSeconds(start, end time.Time) int64 {
	return int64(end.Sub(start) / time.Second)
}
