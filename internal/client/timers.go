package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/npezzotti/go-timeclock/internal/types"
)

func (c *Client) ClockIn(ctx context.Context, req types.ClockInRequest) (types.ActiveTimer, error) {
	return do[types.ActiveTimer](ctx, c, http.MethodPost, "/api/timers", req, http.StatusCreated)
}

func (c *Client) CheckIn(ctx context.Context) (types.ActiveTimer, error) {
	return do[types.ActiveTimer](ctx, c, http.MethodPost, "/api/timers/me/check-in", nil, http.StatusOK)
}

func (c *Client) UpdateTimer(ctx context.Context, req types.UpdateTimerRequest) (types.ActiveTimer, error) {
	return do[types.ActiveTimer](ctx, c, http.MethodPatch, "/api/timers/me", req, http.StatusOK)
}

// ClockOut stops the caller's timer. The entry is nil when no timer was
// running, or when it was stopped at the instant it started.
func (c *Client) ClockOut(ctx context.Context) (*types.TimeEntry, error) {
	res, err := c.Request(ctx, http.MethodDelete, "/api/timers/me", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var entry *types.TimeEntry
		if err := json.NewDecoder(res.Body).Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return entry, nil
	default:
		return nil, ReadBodyAsError(res)
	}
}

// MyTimer is the caller's timer state. Timer is nil when nothing is running;
// AutoStopped is set when the read closed a stale timer.
type MyTimer struct {
	Timer       *types.ActiveTimer
	AutoStopped bool
}

func (c *Client) Mine(ctx context.Context) (MyTimer, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/timers/me", nil)
	if err != nil {
		return MyTimer{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return MyTimer{}, ReadBodyAsError(res)
	}

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return MyTimer{}, fmt.Errorf("read response: %w", err)
	}
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return MyTimer{}, nil
	}

	var stopped types.AutoStopped
	if err := json.Unmarshal(b, &stopped); err != nil {
		return MyTimer{}, fmt.Errorf("decode response: %w", err)
	}
	if stopped.AutoStopped {
		return MyTimer{AutoStopped: true}, nil
	}

	var timer types.ActiveTimer
	if err := json.Unmarshal(b, &timer); err != nil {
		return MyTimer{}, fmt.Errorf("decode response: %w", err)
	}

	return MyTimer{Timer: &timer}, nil
}

func (c *Client) Roster(ctx context.Context) ([]types.RosterEntry, error) {
	return do[[]types.RosterEntry](ctx, c, http.MethodGet, "/api/timers", nil, http.StatusOK)
}

func (c *Client) TimeEntries(ctx context.Context, limit int) ([]types.TimeEntry, error) {
	path := "/api/time-entries"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	return do[[]types.TimeEntry](ctx, c, http.MethodGet, path, nil, http.StatusOK)
}

func (c *Client) CreateTimeEntry(ctx context.Context, req types.CreateTimeEntryRequest) (types.TimeEntry, error) {
	return do[types.TimeEntry](ctx, c, http.MethodPost, "/api/time-entries", req, http.StatusCreated)
}

// TeamEntries lists everyone's entries. With a YYYY-MM-DD date only entries
// starting that day are returned, otherwise the most recent ones.
func (c *Client) TeamEntries(ctx context.Context, date string) ([]types.TeamTimeEntry, error) {
	path := "/api/team/entries"
	if date != "" {
		path += "?" + url.Values{"date": {date}}.Encode()
	}
	return do[[]types.TeamTimeEntry](ctx, c, http.MethodGet, path, nil, http.StatusOK)
}

func (c *Client) DeleteTimeEntry(ctx context.Context, id string) error {
	return doNoContent(ctx, c, http.MethodDelete, "/api/time-entries/"+url.PathEscape(id), nil)
}

func (c *Client) Categories(ctx context.Context) ([]types.Category, error) {
	return do[[]types.Category](ctx, c, http.MethodGet, "/api/categories", nil, http.StatusOK)
}

func (c *Client) CreateCategory(ctx context.Context, req types.CreateCategoryRequest) (types.Category, error) {
	return do[types.Category](ctx, c, http.MethodPost, "/api/categories", req, http.StatusCreated)
}

func (c *Client) Tags(ctx context.Context) ([]types.Tag, error) {
	return do[[]types.Tag](ctx, c, http.MethodGet, "/api/tags", nil, http.StatusOK)
}

func (c *Client) CreateTag(ctx context.Context, req types.CreateTagRequest) (types.Tag, error) {
	return do[types.Tag](ctx, c, http.MethodPost, "/api/tags", req, http.StatusCreated)
}

func (c *Client) Rooms(ctx context.Context) ([]types.Room, error) {
	return do[[]types.Room](ctx, c, http.MethodGet, "/api/rooms", nil, http.StatusOK)
}

func (c *Client) CreateRoom(ctx context.Context, req types.CreateRoomRequest) (types.Room, error) {
	return do[types.Room](ctx, c, http.MethodPost, "/api/rooms", req, http.StatusCreated)
}

func (c *Client) JoinRoom(ctx context.Context, externalId string) error {
	return doNoContent(ctx, c, http.MethodPost, "/api/rooms/"+url.PathEscape(externalId)+"/join", nil)
}

func (c *Client) LeaveRoom(ctx context.Context, externalId string) error {
	return doNoContent(ctx, c, http.MethodPost, "/api/rooms/"+url.PathEscape(externalId)+"/leave", nil)
}
