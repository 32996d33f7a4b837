// Package api exposes the job controller over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/events"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Jobs is the part of the controller the HTTP layer drives.
type Jobs interface {
	Upload(ctx context.Context, filename string, body io.Reader) (job.Job, error)
	StartAnalysis(id string) error
	GetStatus(id string) (job.Job, error)
	GetAnalysisResult(ctx context.Context, id string) (controller.AnalysisResult, error)
	GeneratePreview(ctx context.Context, id string, req controller.PreviewRequest) (controller.Preview, error)
	StartProcessing(ctx context.Context, id string, req controller.ProcessRequest) error
	GetDownloadArtifact(ctx context.Context, id string) (controller.Artifact, error)
	GetPreviewArtifact(id string) (controller.Artifact, error)
}

// Server holds the HTTP handlers.
type Server struct {
	jobs      Jobs
	events    *events.Bus
	log       *zap.Logger
	maxUpload int64
}

// Options configures a Server. Events may be nil, which disables /api/events.
type Options struct {
	Jobs           Jobs
	Events         *events.Bus
	Log            *zap.Logger
	MaxUploadBytes int64
}

// NewServer creates the API handlers.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 1 << 30
	}
	return &Server{jobs: opts.Jobs, events: opts.Events, log: log, maxUpload: maxUpload}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.upload)
		r.Post("/analyze/{id}", s.analyze)
		r.Get("/status/{id}", s.status)
		r.Get("/analysis/{id}", s.analysis)
		r.Post("/preview/{id}", s.preview)
		r.Post("/process/{id}", s.process)
		r.Get("/download/{id}", s.download)
		r.Get("/preview-file/{id}", s.previewFile)
		r.Get("/events/{id}", s.eventsSince)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// Status polling is frequent; keep it out of info logs.
		log := s.log.Info
		if ww.Status() < 400 && r.Method == http.MethodGet {
			log = s.log.Debug
		}
		log("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
