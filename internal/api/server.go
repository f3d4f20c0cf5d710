// Package api exposes the backup service over HTTP for the intranet admin UI.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/backup"
	"github.com/rowjay/intranet-backup/internal/metrics"
)

// Service is the backup functionality served over HTTP.
type Service interface {
	ListBackups(ctx context.Context) ([]backup.BackupInfo, error)
	CreateBackup(ctx context.Context) (backup.CreateResult, error)
	RestoreBackup(ctx context.Context, id string) (backup.RestoreResult, error)
	RestoreFiles(ctx context.Context, id string, confirm bool) (backup.RestoreFilesResult, error)
	DeleteBackup(ctx context.Context, id string) (backup.DeleteResult, error)
	RotateBackups(ctx context.Context) (backup.RotateResult, error)
	Status() backup.Status
}

type Server struct {
	svc     Service
	auth    Authorizer
	jobs    *Jobs
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewServer(svc Service, auth Authorizer, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		auth:    auth,
		jobs:    NewJobs(),
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Route("/backups", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/status", s.handleStatus)
			r.Post("/rotate", s.handleRotate)
			r.Delete("/{id}", s.handleDelete)
			r.Post("/{id}/restore", s.handleRestore)
			r.Post("/{id}/restore-files", s.handleRestoreFiles)
		})
		r.Get("/jobs/{jobID}", s.handleJob)
	})
	return r
}

// Shutdown waits for background jobs started over HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.jobs.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}
