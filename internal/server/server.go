package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tablesync/internal/config"
	"tablesync/internal/store"
	"tablesync/internal/table"
)

// Server wraps HTTP handlers and configuration.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	router   *mux.Router
	store    *store.Store
	layout   table.Layout
	changes  *changeHub
	presence *presenceHub
	upgrader websocket.Upgrader
	origins  originPolicy
	pongWait time.Duration
}

// New constructs a Server with routes and middleware configured.
func New(cfg config.Config) (*Server, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	layout, err := config.LoadLayout(cfg.LayoutFile)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		router:   mux.NewRouter(),
		layout:   layout,
		changes:  newChangeHub(cfg.SubscriberBuffer, logger),
		presence: newPresenceHub(),
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		pongWait: defaultPongWait,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return srv.origins.allowUpgrade(r) },
	}

	st, err := store.Open(cfg.DBPath, srv.changes)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	srv.store = st

	srv.routes()
	return srv, nil
}

// Router returns the fully wrapped HTTP handler.
func (s *Server) Router() http.Handler {
	return withCORS(s.origins, s.loggingMiddleware(s.router))
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	httpSrv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.withActor)
	api.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{room}", s.handleGetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/settings", s.handleUpdateSettings).Methods(http.MethodPatch)
	api.HandleFunc("/rooms/{room}/entities", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/entities/{kind}", s.handleInsert).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{room}/entities/{kind}", s.handleDeleteAll).Methods(http.MethodDelete)
	api.HandleFunc("/rooms/{room}/entities/{kind}/{id}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/rooms/{room}/entities/{kind}/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/ws/rooms/{room}/changes", s.handleChanges).Methods(http.MethodGet)
	api.HandleFunc("/ws/rooms/{room}/presence", s.handlePresence).Methods(http.MethodGet)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loadRoom resolves the {room} path variable, writing a 404 when it is unknown.
func (s *Server) loadRoom(w http.ResponseWriter, r *http.Request) (table.Room, bool) {
	room, err := s.store.GetRoom(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		s.writeStoreError(w, "load room", err)
		return table.Room{}, false
	}
	return room, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, table.ErrNotFound), errors.Is(err, table.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case table.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
