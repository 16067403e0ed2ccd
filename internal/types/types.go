package types

import (
	"time"
)

type User struct {
	Id        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Category struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Tag struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type ActiveTimer struct {
	UserId      string    `json:"user_id"`
	CategoryId  string    `json:"category_id"`
	TagId       *string   `json:"tag_id"`
	Description *string   `json:"description"`
	StartTime   time.Time `json:"start_time"`
	LastCheckIn time.Time `json:"last_check_in"`
}

// AutoStopped is returned in place of a timer when reading it closed the
// timer as stale.
type AutoStopped struct {
	AutoStopped bool `json:"auto_stopped"`
}

type RosterEntry struct {
	ActiveTimer
	UserName       string  `json:"user_name"`
	UserEmail      string  `json:"user_email"`
	CategoryName   string  `json:"category_name"`
	CategoryColor  string  `json:"category_color"`
	TagName        *string `json:"tag_name"`
	TagColor       *string `json:"tag_color"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
}

type TimeEntry struct {
	Id          string    `json:"id"`
	UserId      string    `json:"user_id"`
	CategoryId  string    `json:"category_id"`
	TagId       *string   `json:"tag_id"`
	Description *string   `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Duration    int64     `json:"duration"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// TeamTimeEntry is a row of the team feed.
type TeamTimeEntry struct {
	TimeEntry
	UserName      string  `json:"user_name"`
	UserEmail     string  `json:"user_email"`
	CategoryName  string  `json:"category_name"`
	CategoryColor string  `json:"category_color"`
	TagName       *string `json:"tag_name"`
	TagColor      *string `json:"tag_color"`
}

type Room struct {
	Id             string    `json:"id"`
	ExternalId     string    `json:"external_id"`
	Name           string    `json:"name"`
	MeetLink       *string   `json:"meet_link"`
	RequireClockIn bool      `json:"require_clock_in"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type ClockInRequest struct {
	CategoryId  string     `json:"category_id" validate:"required"`
	TagId       *string    `json:"tag_id,omitempty"`
	Description *string    `json:"description,omitempty" validate:"omitempty,max=500"`
	StartTime   *time.Time `json:"start_time" validate:"required"`
}

type UpdateTimerRequest struct {
	CategoryId  string  `json:"category_id" validate:"required"`
	TagId       *string `json:"tag_id,omitempty"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

type CreateTimeEntryRequest struct {
	CategoryId  string     `json:"category_id" validate:"required"`
	TagId       *string    `json:"tag_id,omitempty"`
	Description *string    `json:"description,omitempty" validate:"omitempty,max=500"`
	StartTime   *time.Time `json:"start_time" validate:"required"`
	EndTime     *time.Time `json:"end_time" validate:"required"`
}

type CreateCategoryRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Color string `json:"color" validate:"required,hexcolor"`
}

type CreateTagRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Color string `json:"color" validate:"required,hexcolor"`
}

type CreateRoomRequest struct {
	Name           string  `json:"name" validate:"required,max=100"`
	MeetLink       *string `json:"meet_link,omitempty" validate:"omitempty,url"`
	RequireClockIn bool    `json:"require_clock_in"`
}

type EventType string

const (
	EventClockIn     EventType = "timer.clock_in"
	EventCheckIn     EventType = "timer.check_in"
	EventUpdate      EventType = "timer.update"
	EventClockOut    EventType = "timer.clock_out"
	EventAutoStopped EventType = "timer.auto_stopped"
	EventRoomJoin    EventType = "room.join"
	EventRoomLeave   EventType = "room.leave"
)

// Event is a change to team presence, broadcast to websocket subscribers.
type Event struct {
	Type   EventType    `json:"type"`
	UserId string       `json:"user_id"`
	RoomId string       `json:"room_id,omitempty"`
	Timer  *ActiveTimer `json:"timer,omitempty"`
	Entry  *TimeEntry   `json:"entry,omitempty"`
	At     time.Time    `json:"at"`
}
