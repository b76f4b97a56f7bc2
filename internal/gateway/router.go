package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/dispatch"
	"github.com/SirClappington/enq/internal/domain"
)

type Dispatcher interface {
	Receive(ctx context.Context, ev domain.Event) (dispatch.Reply, error)
	Call(ctx context.Context, ev domain.Event) (dispatch.Reply, error)
}

type Reporter interface {
	Report(ctx context.Context, channel string) (*domain.Report, error)
}

type Handler struct {
	reg     *channel.Registry
	d       Dispatcher
	reports Reporter
	log     *zap.Logger
}

func NewHandler(reg *channel.Registry, d Dispatcher, reports Reporter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{reg: reg, d: d, reports: reports, log: log}
}

// NewRouter mounts the carrier webhooks, reports and, when set, the metrics
// handler.
func NewRouter(h *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(h.log))
	r.Use(loggingMiddleware(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Get("/queue/{channel}", h.message)
	r.Post("/queue/{channel}", h.message)
	r.Get("/call/{channel}", h.call)
	r.Post("/call/{channel}", h.call)
	r.Get("/reports/{channel}", h.report)
	return r
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	ch, err := h.reg.Get(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if ch.IsCall() {
		http.Error(w, "channel takes calls", http.StatusBadRequest)
		return
	}
	ev, err := parseEvent(r, ch.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// a message route never takes the call path
	ev.CallSID = ""

	rep, err := h.d.Receive(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeTwiML(w, http.StatusOK, response{Message: rep.Text})
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	ch, err := h.reg.Get(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ev, err := parseEvent(r, ch.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.CallSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	rep, err := h.d.Call(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeTwiML(w, http.StatusOK, response{Say: rep.Text})
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	if _, err := h.reg.Get(name); err != nil {
		http.NotFound(w, r)
		return
	}
	rep, err := h.reports.Report(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, channel.ErrUnknownChannel):
		http.NotFound(w, r)
	case errors.Is(err, dispatch.ErrNotCallChannel):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("request failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
