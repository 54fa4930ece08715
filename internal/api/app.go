package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/eventdrop/eventdrop/internal/config"
	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/filedrops"
	"github.com/eventdrop/eventdrop/internal/occupants"
	"github.com/eventdrop/eventdrop/internal/ratelimit"
	"github.com/eventdrop/eventdrop/internal/rooms"
	"github.com/eventdrop/eventdrop/internal/stats"
	"github.com/eventdrop/eventdrop/internal/store"
)

type EventDropApp struct {
	log          *log.Logger
	mux          *http.Server
	roomService  *rooms.RoomService
	files        *filedrops.Service
	occupants    *occupants.Service
	occupantRepo store.OccupantRepository
	sequencer    *events.Sequencer
	registry     *events.Registry
	limiter      *ratelimit.Limiter
	stats        stats.StatsProvider
	signingKey   []byte
}

func NewEventDropApp(logger *log.Logger, roomService *rooms.RoomService, files *filedrops.Service, occupantSvc *occupants.Service, occupantRepo store.OccupantRepository, sequencer *events.Sequencer, registry *events.Registry, limiter *ratelimit.Limiter, statsProvider stats.StatsProvider, mux *http.ServeMux, cfg *config.Config) *EventDropApp {
	s := &EventDropApp{
		log:          logger,
		roomService:  roomService,
		files:        files,
		occupants:    occupantSvc,
		occupantRepo: occupantRepo,
		sequencer:    sequencer,
		registry:     registry,
		limiter:      limiter,
		stats:        statsProvider,
		signingKey:   cfg.SigningKey,
	}

	mux.HandleFunc("POST /api/rooms", s.rateLimit(ratelimit.ClassStrict, s.createRoom))
	mux.HandleFunc("POST /api/rooms/join", s.rateLimit(ratelimit.ClassStrict, s.joinRoom))
	mux.Handle("DELETE /api/rooms/leave", s.rateLimit(ratelimit.ClassDefault, s.sessionMiddleware(s.leaveRoom)))
	mux.Handle("DELETE /api/rooms", s.rateLimit(ratelimit.ClassDefault, s.sessionMiddleware(s.deleteRoom)))
	// The event stream is long-lived, not request-bursty; it skips the
	// rate limiter.
	mux.Handle("GET /api/rooms", s.sessionMiddleware(s.streamRoom))
	mux.Handle("POST /api/files", s.rateLimit(ratelimit.ClassStrict, s.sessionMiddleware(s.uploadFile)))
	mux.Handle("POST /api/files/batch", s.rateLimit(ratelimit.ClassStrict, s.sessionMiddleware(s.uploadBatch)))
	mux.Handle("GET /api/files/{id}", s.rateLimit(ratelimit.ClassDefault, s.sessionMiddleware(s.downloadFile)))
	mux.Handle("DELETE /api/files", s.rateLimit(ratelimit.ClassStrict, s.sessionMiddleware(s.deleteFiles)))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *EventDropApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *EventDropApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
