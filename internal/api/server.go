// Package api exposes the upload protocol over HTTP: chunked uploads, the
// direct single-request path, revert and permanent store. Every request is
// answered with exactly one JSON response built in this package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"

	"github.com/markocupic/filepond-server/internal/chunk"
	"github.com/markocupic/filepond-server/internal/config"
	"github.com/markocupic/filepond-server/internal/registry"
	"github.com/markocupic/filepond-server/internal/s3storage"
	"github.com/markocupic/filepond-server/internal/templife"
	"github.com/markocupic/filepond-server/internal/transferkey"
	"github.com/markocupic/filepond-server/internal/validate"
)

// Server wires the upload protocol to the chunk store, transfer-key authority
// and temp lifecycle. The registry, object store and queue client are
// optional collaborators for the permanent-store path.
type Server struct {
	cfg    *config.Config
	keys   *transferkey.Authority
	chunks *chunk.Store
	temps  *templife.Manager
	policy validate.Policy
	reg    *registry.Registry
	store  *s3storage.Storage
	queue  *asynq.Client
	logger *log.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, keys *transferkey.Authority, chunks *chunk.Store, temps *templife.Manager, reg *registry.Registry, store *s3storage.Storage, queueClient *asynq.Client, logger *log.Logger) *Server {
	return &Server{
		cfg:    cfg,
		keys:   keys,
		chunks: chunks,
		temps:  temps,
		policy: validate.Policy{
			AllowedExtensions: cfg.AllowedExtensions,
			MinFileSize:       cfg.MinFileSize,
			MaxFileSize:       cfg.MaxFileSize,
			MinImageWidth:     cfg.MinImageWidth,
			MinImageHeight:    cfg.MinImageHeight,
			MaxImageWidth:     cfg.MaxImageWidth,
			MaxImageHeight:    cfg.MaxImageHeight,
		},
		reg:    reg,
		store:  store,
		queue:  queueClient,
		logger: logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/filepond", func(r chi.Router) {
		r.Post("/chunk", s.handleChunk)
		r.Post("/upload", s.handleDirectUpload)
		r.Delete("/revert", s.handleRevert)
		r.Post("/store", s.handleStore)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}
