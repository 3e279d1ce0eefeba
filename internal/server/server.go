package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"despotify/internal/config"
	"despotify/internal/library"
	"despotify/internal/ngrok"
	"despotify/internal/player"
	"despotify/internal/session"
)

// cleanupInterval is how often idle sessions are expired
const cleanupInterval = time.Minute

// Server exposes the session registry and the library catalogue over HTTP
type Server struct {
	config       *config.Config
	registry     *session.Registry
	db           *library.Database
	scanner      *library.Scanner
	ngrokService *ngrok.Service
	logger       *logrus.Logger
	router       *mux.Router
	httpServer   *http.Server

	mutex  sync.Mutex
	states map[string]*playerState
}

// playerState is the now-playing view kept for one session
type playerState struct {
	manager *player.StateManager
	stop    func()
}

// NewServer creates a server. scanner may be nil, in which case library
// rescans are not offered.
func NewServer(cfg *config.Config, registry *session.Registry, db *library.Database, scanner *library.Scanner, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ngrokSvc, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok service not available")
		ngrokSvc = nil
	}

	s := &Server{
		config:       cfg,
		registry:     registry,
		db:           db,
		scanner:      scanner,
		ngrokService: ngrokSvc,
		logger:       logger,
		states:       make(map[string]*playerState),
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tracks", s.handleGetTracks).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}", s.handleGetTrack).Methods(http.MethodGet)
	api.HandleFunc("/albums", s.handleGetAlbums).Methods(http.MethodGet)
	api.HandleFunc("/albums/{id}/tracks", s.handleGetAlbumTracks).Methods(http.MethodGet)
	api.HandleFunc("/library/scan", s.handleScanLibrary).Methods(http.MethodPost)

	api.HandleFunc("/sessions", s.handleGetSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/play", s.handlePlay).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/next", s.handleNext).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/state", s.handleGetPlayerState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Handler returns the routes wrapped in the server middleware
func (s *Server) Handler() http.Handler {
	return s.panicRecoveryMiddleware(s.requestLoggingMiddleware(s.corsMiddleware(s.router)))
}

// Start serves HTTP until ctx is cancelled or the listener fails. Idle
// sessions are expired in the background while it runs.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.config.GetAddress(),
		Handler:     s.Handler(),
		ReadTimeout: time.Duration(s.config.Server.ReadTimeout) * time.Second,
	}

	go s.registry.Run(ctx, cleanupInterval)

	localAddress := fmt.Sprintf("http://%s", s.config.GetAddress())
	fields := logrus.Fields{"address": localAddress}
	if s.db != nil {
		if n, err := s.db.Count(); err == nil {
			fields["tracks"] = n
		}
	}
	s.logger.WithFields(fields).Info("despotify server starting")

	if err := s.ngrokService.StartTunnel(ctx, localAddress); err != nil {
		s.logger.WithError(err).Warn("Could not start ngrok tunnel")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown logs out every session, which ends open streams and event
// sockets, then stops the HTTP server and the tunnel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	s.mutex.Lock()
	for id, ps := range s.states {
		ps.stop()
		delete(s.states, id)
	}
	s.mutex.Unlock()

	s.registry.Close(ctx)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if stopErr := s.ngrokService.Stop(); stopErr != nil {
		s.logger.WithError(stopErr).Warn("Failed to stop ngrok tunnel")
	}

	s.logger.Info("Server shutdown complete")
	return err
}

// trackState starts following s for the state endpoint. The entry is
// dropped once the session's handle is closed.
func (s *Server) trackState(id string, sess *session.Session) {
	sm := player.NewStateManager()
	ps := &playerState{manager: sm, stop: sm.Attach(sess)}

	s.mutex.Lock()
	s.states[id] = ps
	s.mutex.Unlock()

	go func() {
		<-sess.Closed()
		s.mutex.Lock()
		if s.states[id] == ps {
			delete(s.states, id)
		}
		s.mutex.Unlock()
		ps.stop()
	}()
}

func (s *Server) stateManager(id string) (*player.StateManager, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ps, ok := s.states[id]
	if !ok {
		return nil, false
	}
	return ps.manager, true
}
