package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/npezzotti/go-timeclock/internal/database"
	"github.com/npezzotti/go-timeclock/internal/presence"
	"github.com/npezzotti/go-timeclock/internal/timeclock"
	"github.com/npezzotti/go-timeclock/internal/types"
)

const (
	maxTimeEntriesLimit = 500
	dateLayout          = "2006-01-02"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func (s *TimeclockApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(context.Background(), "json encode", slog.Error(err))
	}
}

// decodeRequest decodes a JSON body into v and validates its struct tags.
func (s *TimeclockApp) decodeRequest(r *http.Request, v any) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return NewBadRequestError()
		}

		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			}
		}
		return NewValidationError(strings.Join(msgs, "; "))
	}

	return nil
}

// mustUserId is only called behind authMiddleware.
func (s *TimeclockApp) mustUserId(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}

	return userId, ok
}

func (s *TimeclockApp) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var errResp *ApiError
	switch {
	case errors.Is(err, timeclock.ErrNoActiveTimer):
		errResp = NewNoActiveTimerError()
	case errors.Is(err, timeclock.ErrClockInRequired):
		errResp = NewClockInRequiredError()
	case errors.Is(err, database.ErrNotFound):
		errResp = NewNotFoundError()
	case errors.Is(err, database.ErrInvalidInterval):
		errResp = NewValidationError(err.Error())
	case errors.Is(err, database.ErrConflict):
		errResp = NewConflictError(err.Error())
	case errors.Is(err, database.ErrInvalidReference):
		errResp = NewValidationError("unknown category or tag")
	default:
		s.log.Error(r.Context(), "request failed",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.Error(err),
		)
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *TimeclockApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error(r.Context(), "health check failed", slog.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *TimeclockApp) clockIn(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	var req types.ClockInRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	timer, err := s.svc.ClockIn(r.Context(), timeclock.ClockInParams{
		UserId:      userId,
		CategoryId:  req.CategoryId,
		TagId:       req.TagId,
		Description: req.Description,
		StartTime:   req.StartTime.UTC(),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, timeclock.TimerResponse(timer))
}

func (s *TimeclockApp) getMyTimer(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	res, err := s.svc.Mine(r.Context(), userId)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch {
	case res.AutoStopped:
		s.writeJson(w, http.StatusOK, types.AutoStopped{AutoStopped: true})
	case res.Timer == nil:
		s.writeJson(w, http.StatusOK, (*types.ActiveTimer)(nil))
	default:
		s.writeJson(w, http.StatusOK, timeclock.TimerResponse(*res.Timer))
	}
}

func (s *TimeclockApp) updateTimer(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	var req types.UpdateTimerRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	timer, err := s.svc.Update(r.Context(), timeclock.UpdateParams{
		UserId:      userId,
		CategoryId:  req.CategoryId,
		TagId:       req.TagId,
		Description: req.Description,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, timeclock.TimerResponse(timer))
}

func (s *TimeclockApp) checkIn(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	timer, err := s.svc.CheckIn(r.Context(), userId)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, timeclock.TimerResponse(timer))
}

func (s *TimeclockApp) clockOut(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	res, err := s.svc.ClockOut(r.Context(), userId)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch {
	case !res.Stopped:
		s.writeJson(w, http.StatusNoContent, nil)
	case res.Entry == nil:
		// Stopped where it started, so there is nothing to record.
		s.writeJson(w, http.StatusOK, (*types.TimeEntry)(nil))
	default:
		s.writeJson(w, http.StatusOK, timeclock.TimeEntryResponse(*res.Entry))
	}
}

func (s *TimeclockApp) roster(w http.ResponseWriter, r *http.Request) {
	roster, err := s.svc.Roster(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]types.RosterEntry, 0, len(roster))
	for _, e := range roster {
		resp = append(resp, types.RosterEntry{
			ActiveTimer:    timeclock.TimerResponse(e.ActiveTimer),
			UserName:       e.UserName,
			UserEmail:      e.UserEmail,
			CategoryName:   e.CategoryName,
			CategoryColor:  e.CategoryColor,
			TagName:        e.TagName,
			TagColor:       e.TagColor,
			ElapsedSeconds: e.ElapsedSeconds,
		})
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *TimeclockApp) listTimeEntries(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > maxTimeEntriesLimit {
			errResp := NewValidationError(fmt.Sprintf("limit must be between 1 and %d", maxTimeEntriesLimit))
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	entries, err := s.db.ListTimeEntries(r.Context(), userId, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]types.TimeEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, timeclock.TimeEntryResponse(e))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *TimeclockApp) createTimeEntry(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	var req types.CreateTimeEntryRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	entry, err := s.db.CreateTimeEntry(r.Context(), database.CreateTimeEntryParams{
		UserId:      userId,
		CategoryId:  req.CategoryId,
		TagId:       req.TagId,
		Description: req.Description,
		StartTime:   req.StartTime.UTC(),
		EndTime:     req.EndTime.UTC(),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, timeclock.TimeEntryResponse(entry))
}

// listTeamEntries returns everyone's entries that started on ?date=, or the
// most recent ones when no date is given.
func (s *TimeclockApp) listTeamEntries(w http.ResponseWriter, r *http.Request) {
	var params database.ListTeamTimeEntriesParams
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		day, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			errResp := NewValidationError("date must be formatted as YYYY-MM-DD")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		params.StartFrom = day
		params.StartBefore = day.AddDate(0, 0, 1)
	}

	entries, err := s.db.ListTeamTimeEntries(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]types.TeamTimeEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, types.TeamTimeEntry{
			TimeEntry:     timeclock.TimeEntryResponse(e.TimeEntry),
			UserName:      e.UserName,
			UserEmail:     e.UserEmail,
			CategoryName:  e.CategoryName,
			CategoryColor: e.CategoryColor,
			TagName:       e.TagName,
			TagColor:      e.TagColor,
		})
	}

	s.writeJson(w, http.StatusOK, resp)
}

// deleteTimeEntry removes an entry. Only its owner or an admin may do so.
func (s *TimeclockApp) deleteTimeEntry(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	entry, err := s.db.GetTimeEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if entry.UserId != userId && Role(r.Context()) != database.RoleAdmin {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteTimeEntry(r.Context(), entry.Id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.log.Info(r.Context(), "deleted time entry",
		slog.F("entry_id", entry.Id),
		slog.F("owner_id", entry.UserId),
		slog.F("deleted_by", userId),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *TimeclockApp) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.db.ListCategories(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]types.Category, 0, len(categories))
	for _, c := range categories {
		resp = append(resp, types.Category{Id: c.Id, Name: c.Name, Color: c.Color, CreatedAt: c.CreatedAt})
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *TimeclockApp) createCategory(w http.ResponseWriter, r *http.Request) {
	var req types.CreateCategoryRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	c, err := s.db.CreateCategory(r.Context(), database.CreateCategoryParams{Name: req.Name, Color: req.Color})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Category{Id: c.Id, Name: c.Name, Color: c.Color, CreatedAt: c.CreatedAt})
}

func (s *TimeclockApp) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.db.ListTags(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := make([]types.Tag, 0, len(tags))
	for _, t := range tags {
		resp = append(resp, types.Tag{Id: t.Id, Name: t.Name, Color: t.Color, CreatedAt: t.CreatedAt})
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *TimeclockApp) createTag(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTagRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	t, err := s.db.CreateTag(r.Context(), database.CreateTagParams{Name: req.Name, Color: req.Color})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Tag{Id: t.Id, Name: t.Name, Color: t.Color, CreatedAt: t.CreatedAt})
}

func roomResponse(room database.Room, participants []string) types.Room {
	if participants == nil {
		participants = []string{}
	}

	return types.Room{
		Id:             room.Id,
		ExternalId:     room.ExternalId,
		Name:           room.Name,
		MeetLink:       room.MeetLink,
		RequireClockIn: room.RequireClockIn,
		Participants:   participants,
		CreatedAt:      room.CreatedAt,
	}
}

func (s *TimeclockApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.db.ListRooms(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	participants, err := s.db.ListRoomParticipants(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	byRoom := make(map[string][]string)
	for _, p := range participants {
		byRoom[p.RoomId] = append(byRoom[p.RoomId], p.UserId)
	}

	resp := make([]types.Room, 0, len(rooms))
	for _, room := range rooms {
		resp = append(resp, roomResponse(room, byRoom[room.Id]))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *TimeclockApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRoomRequest
	if errResp := s.decodeRequest(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.newRoomId()
	if err != nil {
		s.log.Error(r.Context(), "generate room id", slog.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		ExternalId:     sid,
		Name:           req.Name,
		MeetLink:       req.MeetLink,
		RequireClockIn: req.RequireClockIn,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, roomResponse(room, nil))
}

func (s *TimeclockApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	s.changeRoom(w, r, s.svc.JoinRoom)
}

func (s *TimeclockApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	s.changeRoom(w, r, s.svc.LeaveRoom)
}

func (s *TimeclockApp) changeRoom(
	w http.ResponseWriter,
	r *http.Request,
	change func(ctx context.Context, room database.Room, userId string) error,
) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := change(r.Context(), room, userId); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *TimeclockApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.mustUserId(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "error upgrading connection", slog.Error(err))
		return
	}

	client := presence.NewClient(userId, conn, s.hub, s.log)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
