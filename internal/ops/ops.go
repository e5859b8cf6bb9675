// Package ops serves the operator endpoints: health, metrics, expvar,
// dead letters and read-only request inspection.
package ops

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"permitcore/internal/core"
	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// RequestReader loads a request with its responses.
type RequestReader interface {
	GetPermissionRequest(ctx context.Context, id string) (domain.PermissionRequest, []domain.PermissionResponse, error)
}

// Deps are the collaborators behind the routes. Nil fields disable the
// matching route.
type Deps struct {
	Gatherer    prometheus.Gatherer
	DeadLetters queue.DeadLetterStore
	Requests    RequestReader
	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error
	// Leader reports whether this instance runs the timeout daemon.
	Leader func() bool
}

// NewRouter mounts the operator routes.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	h := handler{deps: deps}
	r.Get("/healthz", h.health)
	r.Handle("/debug/vars", expvar.Handler())
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.DeadLetters != nil {
		r.Get("/dead-letters", h.deadLetters)
	}
	if deps.Requests != nil {
		r.Get("/requests/{id}", h.request)
	}
	return r
}

type handler struct {
	deps Deps
}

func (h handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.deps.Leader != nil {
		body["leader"] = h.deps.Leader()
	}
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.deps.DeadLetters.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q := r.URL.Query().Get("queue"); q != "" {
		filtered := letters[:0]
		for _, dl := range letters {
			if dl.Envelope.Queue == q {
				filtered = append(filtered, dl)
			}
		}
		letters = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

type requestView struct {
	Request   domain.PermissionRequest    `json:"request"`
	Responses []domain.PermissionResponse `json:"responses"`
}

func (h handler) request(w http.ResponseWriter, r *http.Request) {
	req, responses, err := h.deps.Requests.GetPermissionRequest(r.Context(), chi.URLParam(r, "id"))
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if responses == nil {
		responses = []domain.PermissionResponse{}
	}
	writeJSON(w, http.StatusOK, requestView{Request: req, Responses: responses})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
