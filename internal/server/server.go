// Package server wires the HTTP API onto a router with request logging,
// CORS, and security-header middleware, and runs it with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"streamforge/internal/api"
	"streamforge/internal/observability/logging"
	"streamforge/internal/serverutil"
)

// CORSConfig lists the origins allowed to call the API and fetch media
// cross-origin. An empty list allows any origin, which suits public
// playback endpoints.
type CORSConfig struct {
	AllowedOrigins []string
}

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	CORS            CORSConfig
	Security        SecurityConfig
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is accepting connections.
	Ready chan<- struct{}
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
	ready           chan<- struct{}
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	router.Use(videoContextMiddleware)
	router.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/videos", handler.CreateVideo).Methods(http.MethodPost)
	router.HandleFunc("/api/videos", handler.ListVideos).Methods(http.MethodGet)
	router.HandleFunc("/api/videos/{id}", handler.GetVideo).Methods(http.MethodGet)
	router.HandleFunc("/api/videos/{id}", handler.DeleteVideo).Methods(http.MethodDelete)
	router.HandleFunc("/api/videos/{id}/jobs", handler.RetryVideo).Methods(http.MethodPost)
	router.HandleFunc("/api/videos/{id}/thumbnail", handler.Thumbnail).Methods(http.MethodGet)
	router.HandleFunc("/api/videos/{id}/{resolution}/index.m3u8", handler.Playlist).Methods(http.MethodGet)
	router.HandleFunc("/api/videos/{id}/{resolution}/{segment}", handler.Segment).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CORS),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
	})

	chain := http.Handler(router)
	chain = corsHandler.Handler(chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Segment downloads on slow links can legitimately take a while.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
		ready:           cfg.Ready,
	}, nil
}

func allowedOrigins(cfg CORSConfig) []string {
	if len(cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.AllowedOrigins
}

// Handler exposes the fully assembled middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           s.ready,
	})
}
