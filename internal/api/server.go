// Package api exposes the generation pipeline over HTTP: action endpoints
// that admit work and return 202, and poll endpoints that serve snapshots.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/scheduler"
	"github.com/sells-group/mapgen/internal/snapshot"
)

// Scheduler admits generation requests.
type Scheduler interface {
	GenerateOne(ctx context.Context, runID, questionID string, opts scheduler.Options) (string, error)
	GenerateAll(ctx context.Context, runID string, opts scheduler.Options) (*scheduler.BatchResult, error)
}

// Jobs is the part of the job store the API touches directly.
type Jobs interface {
	RegisterRun(ctx context.Context, runID string, questions []model.Question) error
	ReplaceRun(ctx context.Context, runID string, questions []model.Question) error
	History(runID, questionID string) ([]*model.GenerationJob, error)
}

// Config configures the HTTP surface.
type Config struct {
	CORSOrigins  []string
	PollInterval time.Duration
	// Circuits, if set, reports collaborator circuit states for /health.
	Circuits func() map[string]string
}

// Server holds the handlers' dependencies.
type Server struct {
	sched Scheduler
	jobs  Jobs
	agg   *snapshot.Aggregator
	gate  *snapshot.Gate
	cfg   Config
	// epoch tells snapshot ETags of this process apart from those of an
	// earlier one, whose versions restart after hydrate.
	epoch string
}

// NewServer creates a Server.
func NewServer(sched Scheduler, jobs Jobs, agg *snapshot.Aggregator, gate *snapshot.Gate, cfg Config) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	epoch := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return &Server{sched: sched, jobs: jobs, agg: agg, gate: gate, cfg: cfg, epoch: epoch}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
			ExposedHeaders: []string{"ETag", "X-Poll-Interval", "X-Snapshot-Version"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Put("/questions", s.handleRegisterQuestions)
		r.Get("/generation-status", s.handleStatus)
		r.Post("/generate-all", s.handleGenerateAll)
		r.Post("/questions/{questionID}/generate", s.handleGenerateOne)
		r.Get("/questions/{questionID}/jobs", s.handleHistory)
		r.Get("/promotion", s.handlePromotion)
	})
	return r
}

func (s *Server) pollHeader(w http.ResponseWriter) {
	w.Header().Set("X-Poll-Interval", strconv.Itoa(int(s.cfg.PollInterval/time.Second)))
}

// requestLogger logs one line per request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Debug("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
