// Package server exposes the admission operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// UseCase is the set of admission operations served over HTTP
type UseCase interface {
	Check(ctx context.Context, in *admission.CheckInput) (*model.Decision, error)
	CheckBatch(ctx context.Context, userID string, items []admission.BatchItem) (*model.BatchResult, error)
	Load(ctx context.Context, ref string) (*model.Image, error)
	DetectPresence(ctx context.Context, img *model.Image) (*model.PresenceResult, error)
	DetectSynthetic(ctx context.Context, img *model.Image) (*model.SyntheticDetectionResult, error)
	ListHistory(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error)
	SoftDelete(ctx context.Context, id model.FingerprintID) error
	Archive(ctx context.Context, id model.FingerprintID) error
	Health(ctx context.Context) error
}

const (
	// HeaderIdempotencyKey carries the client retry key of a check request
	HeaderIdempotencyKey = "Idempotency-Key"

	defaultMissionID = "unknown"
)

type Server struct {
	uc        UseCase
	router    *chi.Mux
	maxUpload int64
	maxBatch  int
	now       func() time.Time
}

type Option func(*Server)

// WithMaxUploadSize bounds the body of multipart uploads
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		s.maxUpload = n
	}
}

// WithMaxBatchSize bounds the number of images of one batch request
func WithMaxBatchSize(n int) Option {
	return func(s *Server) {
		s.maxBatch = n
	}
}

func New(uc UseCase, opts ...Option) *Server {
	s := &Server{
		uc:        uc,
		maxUpload: adapter.DefaultMaxImageSize * 2,
		maxBatch:  admission.DefaultMaxBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/check", s.handleCheck)
		r.Post("/check/batch", s.handleCheckBatch)
		r.Post("/presence", s.handlePresence)
		r.Post("/synthetic", s.handleSynthetic)
		r.Get("/users/{user_id}/history", s.handleHistory)
		r.Delete("/fingerprints/{id}", s.handleDelete)
		r.Post("/fingerprints/{id}/archive", s.handleArchive)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger attaches a request scoped logger to the context and logs one
// line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := logging.Default().With(
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logging.With(r.Context(), logger)))

		logger.Info("request served", "status", ww.Status(), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Default().Warn("failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err to a status code: input errors are 400, a retry of an
// in-flight idempotency key is 409 and anything else is 500
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case admission.IsInputError(err):
		status = http.StatusBadRequest
	case admission.IsConflict(err):
		status = http.StatusConflict
	}

	logger := logging.From(r.Context())
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Info("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, &errorResponse{Error: msg})
}
