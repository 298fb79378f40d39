package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ctxrevival/internal/breaker"
	"github.com/kalambet/ctxrevival/internal/pipeline"
	"github.com/kalambet/ctxrevival/internal/storage"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the part of pipeline.Service the HTTP and MCP surfaces use.
type Service interface {
	Analyze(prompt string) trigger.Analysis
	GenerateContextInjection(ctx context.Context, prompt, projectDir string) string
	StoreTurnOutcome(ctx context.Context, projectDir string, t pipeline.TurnOutcome) (int64, error)
	SubmitTurnOutcome(projectDir string, t pipeline.TurnOutcome) bool
	HealthStatus(ctx context.Context, projectDir string) pipeline.Health
	Projects() []string
	Sweep(ctx context.Context) (int64, error)
}

type Deps struct {
	Service Service
	Token   string
	Logger  *slog.Logger
}

// InjectRequest asks for a context block for one prompt.
type InjectRequest struct {
	Prompt     string `json:"prompt"`
	ProjectDir string `json:"project_dir"`
}

type InjectResponse struct {
	Context  string           `json:"context"`
	Injected bool             `json:"injected"`
	Analysis trigger.Analysis `json:"analysis"`
}

// OutcomeRequest records one completed turn for a project.
type OutcomeRequest struct {
	ProjectDir string `json:"project_dir"`
	pipeline.TurnOutcome
}

type OutcomeResponse struct {
	ID     int64  `json:"id,omitempty"`
	Status string `json:"status"`
}

// NewHandler returns the HTTP surface. /health is always open; the /v1
// routes require a bearer token when deps.Token is set.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/inject", handleInject(deps))
		r.Post("/outcomes", handleOutcomes(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/projects", handleProjects(deps))
		r.Post("/sweep", handleSweep(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleInject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InjectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ProjectDir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_dir is required")
			return
		}

		block := deps.Service.GenerateContextInjection(r.Context(), req.Prompt, req.ProjectDir)
		writeJSON(w, http.StatusOK, InjectResponse{
			Context:  block,
			Injected: block != "",
			Analysis: deps.Service.Analyze(req.Prompt),
		})
	}
}

func handleOutcomes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OutcomeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ProjectDir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_dir is required")
			return
		}

		async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
		if async {
			if !deps.Service.SubmitTurnOutcome(req.ProjectDir, req.TurnOutcome) {
				httpError(w, http.StatusServiceUnavailable, "unavailable", "write queue is full or closed")
				return
			}
			writeJSON(w, http.StatusAccepted, OutcomeResponse{Status: "queued"})
			return
		}

		id, err := deps.Service.StoreTurnOutcome(r.Context(), req.ProjectDir, req.TurnOutcome)
		if err != nil {
			code, typ := classify(err)
			deps.Logger.Warn("storing turn outcome failed", "project_dir", req.ProjectDir, "error", err)
			httpError(w, code, typ, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, OutcomeResponse{ID: id, Status: "stored"})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("project_dir")
		if dir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_dir query parameter is required")
			return
		}
		writeJSON(w, http.StatusOK, deps.Service.HealthStatus(r.Context(), dir))
	}
}

func handleProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"projects": deps.Service.Projects()})
	}
}

func handleSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Service.Sweep(r.Context())
		if err != nil {
			code, typ := classify(err)
			httpError(w, code, typ, "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

// classify maps pipeline errors to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidRecord):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, breaker.ErrCircuitOpen), errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
