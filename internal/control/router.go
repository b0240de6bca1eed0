package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/progress"
)

// Reporter produces monitoring reports.
type Reporter interface {
	Report(ctx context.Context, jobID string) (*progress.Report, error)
}

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 1 << 20

// NewRouter binds the control and monitoring API:
//
//	POST /control
//	GET  /monitoring?jobId=...
//	GET  /monitoring/{jobId}
//	GET  /health
//	GET  /metrics (when the service has metrics)
func NewRouter(svc *Service, rep Reporter, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handlers{svc: svc, rep: rep}
	r.Get("/health", h.health)
	r.Post("/control", h.control)
	r.Get("/monitoring", h.monitoring)
	r.Get("/monitoring/{jobId}", h.monitoring)
	if svc.metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.metrics.Handler())
	}
	return r
}

type handlers struct {
	svc *Service
	rep Reporter
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) control(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		verr := model.NewValidationError("body", eris.Wrap(err, "invalid request body"))
		writeJSON(w, http.StatusBadRequest, h.svc.ErrorEnvelope("", verr))
		return
	}

	resp, err := h.svc.Handle(r.Context(), req)
	if err != nil {
		env := h.svc.ErrorEnvelope(req.JobID, err)
		writeJSON(w, env.Code, env)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) monitoring(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		jobID = r.URL.Query().Get("jobId")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		env := h.svc.ErrorEnvelope("", model.NewValidationError("jobId", eris.New("is required")))
		writeJSON(w, env.Code, env)
		return
	}

	report, err := h.rep.Report(r.Context(), jobID)
	if err != nil {
		zap.L().Warn("monitoring report failed", zap.String("job_id", jobID), zap.Error(err))
		env := h.svc.ErrorEnvelope(jobID, err)
		writeJSON(w, env.Code, env)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}
