package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockTimeclockRepository struct {
	mock.Mock
}

func (m *MockTimeclockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockTimeclockRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockTimeclockRepository) CountUsers(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockTimeclockRepository) GetUserById(ctx context.Context, id string) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockTimeclockRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockTimeclockRepository) CreateCategory(ctx context.Context, params CreateCategoryParams) (Category, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Category), args.Error(1)
}
func (m *MockTimeclockRepository) ListCategories(ctx context.Context) ([]Category, error) {
	args := m.Called(ctx)
	if c, ok := args.Get(0).([]Category); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) CreateTag(ctx context.Context, params CreateTagParams) (Tag, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Tag), args.Error(1)
}
func (m *MockTimeclockRepository) ListTags(ctx context.Context) ([]Tag, error) {
	args := m.Called(ctx)
	if t, ok := args.Get(0).([]Tag); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) GetActiveTimer(ctx context.Context, userId string) (ActiveTimer, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(ActiveTimer), args.Error(1)
}
func (m *MockTimeclockRepository) UpsertActiveTimer(ctx context.Context, params UpsertActiveTimerParams) (ActiveTimer, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(ActiveTimer), args.Error(1)
}
func (m *MockTimeclockRepository) UpdateActiveTimer(ctx context.Context, params UpdateActiveTimerParams) (ActiveTimer, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(ActiveTimer), args.Error(1)
}
func (m *MockTimeclockRepository) CheckInActiveTimer(ctx context.Context, userId string, at time.Time) (ActiveTimer, error) {
	args := m.Called(ctx, userId, at)
	return args.Get(0).(ActiveTimer), args.Error(1)
}
func (m *MockTimeclockRepository) CountActiveTimers(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockTimeclockRepository) ListActiveTimersWithUsers(ctx context.Context) ([]ActiveTimerWithUser, error) {
	args := m.Called(ctx)
	if t, ok := args.Get(0).([]ActiveTimerWithUser); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) ListStaleActiveTimers(ctx context.Context, cutoff time.Time) ([]ActiveTimer, error) {
	args := m.Called(ctx, cutoff)
	if t, ok := args.Get(0).([]ActiveTimer); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) CloseActiveTimer(ctx context.Context, params CloseActiveTimerParams) (CloseResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(CloseResult), args.Error(1)
}
func (m *MockTimeclockRepository) CreateTimeEntry(ctx context.Context, params CreateTimeEntryParams) (TimeEntry, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(TimeEntry), args.Error(1)
}
func (m *MockTimeclockRepository) GetTimeEntry(ctx context.Context, id string) (TimeEntry, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(TimeEntry), args.Error(1)
}
func (m *MockTimeclockRepository) ListTeamTimeEntries(ctx context.Context, params ListTeamTimeEntriesParams) ([]TimeEntryWithUser, error) {
	args := m.Called(ctx, params)
	if e, ok := args.Get(0).([]TimeEntryWithUser); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) DeleteTimeEntry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockTimeclockRepository) ListTimeEntries(ctx context.Context, userId string, limit int) ([]TimeEntry, error) {
	args := m.Called(ctx, userId, limit)
	if e, ok := args.Get(0).([]TimeEntry); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockTimeclockRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockTimeclockRepository) ListRooms(ctx context.Context) ([]Room, error) {
	args := m.Called(ctx)
	if r, ok := args.Get(0).([]Room); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) ListRoomParticipants(ctx context.Context) ([]RoomParticipant, error) {
	args := m.Called(ctx)
	if p, ok := args.Get(0).([]RoomParticipant); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTimeclockRepository) JoinRoom(ctx context.Context, params JoinRoomParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockTimeclockRepository) LeaveRoom(ctx context.Context, roomId, userId string) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockTimeclockRepository) LeaveRoomsRequiringClockIn(ctx context.Context, userId string) (int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockTimeclockRepository) LeaveAllRooms(ctx context.Context, userId string) (int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Error(1)
}
