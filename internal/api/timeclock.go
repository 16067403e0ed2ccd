package api

import (
	"context"
	"fmt"
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/gorilla/handlers"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-timeclock/internal/config"
	"github.com/npezzotti/go-timeclock/internal/database"
	"github.com/npezzotti/go-timeclock/internal/presence"
	"github.com/npezzotti/go-timeclock/internal/timeclock"
)

type TimeclockApp struct {
	log            slog.Logger
	db             database.TimeclockRepository
	svc            *timeclock.Service
	hub            *presence.Hub
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
	newRoomId      func() (string, error)
}

func NewTimeclockApp(
	mux *http.ServeMux,
	logger slog.Logger,
	svc *timeclock.Service,
	hub *presence.Hub,
	db database.TimeclockRepository,
	cfg *config.Config,
) *TimeclockApp {
	s := &TimeclockApp{
		log:            logger,
		db:             db,
		svc:            svc,
		hub:            hub,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		newRoomId:      shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.HandleFunc("POST /api/timers", s.authMiddleware(s.clockIn))
	mux.HandleFunc("GET /api/timers", s.authMiddleware(s.roster))
	mux.HandleFunc("GET /api/timers/me", s.authMiddleware(s.getMyTimer))
	mux.HandleFunc("PATCH /api/timers/me", s.authMiddleware(s.updateTimer))
	mux.HandleFunc("DELETE /api/timers/me", s.authMiddleware(s.clockOut))
	mux.HandleFunc("POST /api/timers/me/check-in", s.authMiddleware(s.checkIn))

	mux.HandleFunc("GET /api/time-entries", s.authMiddleware(s.listTimeEntries))
	mux.HandleFunc("POST /api/time-entries", s.authMiddleware(s.createTimeEntry))
	mux.HandleFunc("DELETE /api/time-entries/{id}", s.authMiddleware(s.deleteTimeEntry))
	mux.HandleFunc("GET /api/team/entries", s.authMiddleware(s.listTeamEntries))

	mux.HandleFunc("GET /api/categories", s.authMiddleware(s.listCategories))
	mux.HandleFunc("POST /api/categories", s.authMiddleware(s.adminOnly(s.createCategory)))
	mux.HandleFunc("GET /api/tags", s.authMiddleware(s.listTags))
	mux.HandleFunc("POST /api/tags", s.authMiddleware(s.adminOnly(s.createTag)))

	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.adminOnly(s.createRoom)))
	mux.HandleFunc("POST /api/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.HandleFunc("POST /api/rooms/{id}/leave", s.authMiddleware(s.leaveRoom))

	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped root handler.
func (s *TimeclockApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *TimeclockApp) Start() error {
	s.log.Info(context.Background(), "starting server", slog.F("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *TimeclockApp) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
