// Package api serves the daemon's cached view and actions over local HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"codeforge-sync/internal/application"
	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/usecase"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Facade is what the handlers need; *application.SyncFacade satisfies it.
type Facade interface {
	ListProjects(ctx context.Context) (usecase.View[[]*model.Project], error)
	GetProject(ctx context.Context, projectID string) (usecase.View[*model.Project], error)
	ProjectJobs(ctx context.Context, projectID string) (usecase.View[[]*model.Job], error)
	ProjectFiles(ctx context.Context, projectID string) (usecase.View[[]*model.ProjectFile], error)
	Messages(ctx context.Context, projectID string) (usecase.View[[]*model.ChatMessage], error)
	SendMessage(ctx context.Context, projectID, content, agent string) (*adapter.RunAgentResponse, error)
	RunAgent(ctx context.Context, projectID, agent string, input map[string]any) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (usecase.View[*model.Job], error)
	CancelJob(ctx context.Context, jobID string) (*adapter.CancelJobResponse, error)
	AnswerJob(ctx context.Context, jobID string, answers map[string]any) (*adapter.AgentResponse, error)
	UnmountProject(projectID string) error
	RecentNotifications(n int) []adapter.Notification
	Status() application.Status
}

var _ Facade = (*application.SyncFacade)(nil)

type Server struct {
	facade  Facade
	log     *zerolog.Logger
	origins []string
	server  *http.Server
}

func NewServer(facade Facade, allowedOrigins []string, logger *zerolog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{facade: facade, log: logging.Component(logger, "api"), origins: allowedOrigins}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(TraceID())
	r.Use(RequestLog(s.log))
	r.Use(chimw.Recoverer)
	r.Use(Telemetry("codeforge-sync/api"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Get("/jobs", s.projectJobs)
			r.Get("/files", s.projectFiles)
			r.Get("/messages", s.messages)
			r.Post("/messages", s.sendMessage)
			r.Delete("/scope", s.unmount)
			r.Post("/agents/{agentType}", s.runAgent)
		})
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Post("/answers", s.answerJob)
		})
		r.Get("/notifications", s.notifications)
		r.Get("/cache", s.cacheStatus)
	})
	return r
}

// Start blocks serving on port until Shutdown.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("local API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.ListProjects(r.Context())
	s.respond(w, r, v, err)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	s.respond(w, r, v, err)
}

func (s *Server) projectJobs(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.ProjectJobs(r.Context(), chi.URLParam(r, "projectID"))
	s.respond(w, r, v, err)
}

func (s *Server) projectFiles(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.ProjectFiles(r.Context(), chi.URLParam(r, "projectID"))
	s.respond(w, r, v, err)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.Messages(r.Context(), chi.URLParam(r, "projectID"))
	s.respond(w, r, v, err)
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	AgentType string `json:"agent_type"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in sendMessageRequest
	if !s.decode(w, r, &in) {
		return
	}
	ctx := logging.WithProjectID(r.Context(), chi.URLParam(r, "projectID"))
	resp, err := s.facade.SendMessage(ctx, chi.URLParam(r, "projectID"), in.Content, in.AgentType)
	s.respondStatus(w, r, http.StatusAccepted, resp, err)
}

type runAgentRequest struct {
	InputContext map[string]any `json:"input_context"`
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	var in runAgentRequest
	if r.ContentLength != 0 && !s.decode(w, r, &in) {
		return
	}
	projectID := chi.URLParam(r, "projectID")
	ctx := logging.WithProjectID(r.Context(), projectID)
	job, err := s.facade.RunAgent(ctx, projectID, chi.URLParam(r, "agentType"), in.InputContext)
	s.respondStatus(w, r, http.StatusAccepted, job, err)
}

func (s *Server) unmount(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.UnmountProject(chi.URLParam(r, "projectID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	v, err := s.facade.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	s.respond(w, r, v, err)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithJobID(r.Context(), chi.URLParam(r, "jobID"))
	resp, err := s.facade.CancelJob(ctx, chi.URLParam(r, "jobID"))
	s.respond(w, r, resp, err)
}

type answerRequest struct {
	Answers map[string]any `json:"answers"`
}

func (s *Server) answerJob(w http.ResponseWriter, r *http.Request) {
	var in answerRequest
	if !s.decode(w, r, &in) {
		return
	}
	ctx := logging.WithJobID(r.Context(), chi.URLParam(r, "jobID"))
	resp, err := s.facade.AnswerJob(ctx, chi.URLParam(r, "jobID"), in.Answers)
	s.respond(w, r, resp, err)
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument))
			return
		}
		n = v
	}
	notes := s.facade.RecentNotifications(n)
	if notes == nil {
		notes = []adapter.Notification{}
	}
	s.respond(w, r, notes, nil)
}

func (s *Server) cacheStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.facade.Status(), nil)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.fail(w, r, fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidArgument, err))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	s.respondStatus(w, r, http.StatusOK, v, err)
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrContextTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrUnknownAgentType),
		errors.Is(err, domain.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrRemote), errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
