package database

import (
	"context"
	"time"
)

type TimeclockRepository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	CountUsers(ctx context.Context) (int, error)
	GetUserById(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	CreateCategory(ctx context.Context, params CreateCategoryParams) (Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
	CreateTag(ctx context.Context, params CreateTagParams) (Tag, error)
	ListTags(ctx context.Context) ([]Tag, error)

	GetActiveTimer(ctx context.Context, userId string) (ActiveTimer, error)
	UpsertActiveTimer(ctx context.Context, params UpsertActiveTimerParams) (ActiveTimer, error)
	UpdateActiveTimer(ctx context.Context, params UpdateActiveTimerParams) (ActiveTimer, error)
	CheckInActiveTimer(ctx context.Context, userId string, at time.Time) (ActiveTimer, error)
	CountActiveTimers(ctx context.Context) (int, error)
	ListActiveTimersWithUsers(ctx context.Context) ([]ActiveTimerWithUser, error)
	ListStaleActiveTimers(ctx context.Context, cutoff time.Time) ([]ActiveTimer, error)
	CloseActiveTimer(ctx context.Context, params CloseActiveTimerParams) (CloseResult, error)

	CreateTimeEntry(ctx context.Context, params CreateTimeEntryParams) (TimeEntry, error)
	GetTimeEntry(ctx context.Context, id string) (TimeEntry, error)
	ListTimeEntries(ctx context.Context, userId string, limit int) ([]TimeEntry, error)
	ListTeamTimeEntries(ctx context.Context, params ListTeamTimeEntriesParams) ([]TimeEntryWithUser, error)
	DeleteTimeEntry(ctx context.Context, id string) error

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	ListRoomParticipants(ctx context.Context) ([]RoomParticipant, error)
	JoinRoom(ctx context.Context, params JoinRoomParams) error
	LeaveRoom(ctx context.Context, roomId, userId string) error
	LeaveRoomsRequiringClockIn(ctx context.Context, userId string) (int64, error)
	LeaveAllRooms(ctx context.Context, userId string) (int64, error)
}

// CloseResult reports the outcome of CloseActiveTimer. Closed is false when
// no matching timer existed, which callers treat as a successful no-op.
type CloseResult struct {
	Closed    bool
	Timer     ActiveTimer
	Entry     *TimeEntry
	RoomsLeft int64
}
