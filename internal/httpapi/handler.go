package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pingwatch/core-go/internal/metrics"
	"pingwatch/core-go/internal/registry"
	"pingwatch/core-go/internal/scheduler"
	"pingwatch/core-go/internal/status"
)

// Devices is the registry surface the API drives.
type Devices interface {
	List() []registry.Device
	AddOrUpdate(ctx context.Context, name, address, location string) (registry.Device, bool, error)
}

// Snapshots is the status publisher surface the API reads.
type Snapshots interface {
	Snapshot() status.Snapshot
	Subscribe(ctx context.Context) <-chan status.Snapshot
}

// Rounds is the scheduler surface the API controls.
type Rounds interface {
	Interval() time.Duration
	SetInterval(d time.Duration) error
	RunRound(ctx context.Context) (scheduler.RoundSummary, error)
	LastRound() (scheduler.RoundSummary, bool)
	Phase() scheduler.Phase
}

// Pinger reports whether the device store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Devices   Devices
	Snapshots Snapshots
	Rounds    Rounds
	Store     Pinger
	Metrics   *metrics.Metrics
}

type Handler struct {
	log       zerolog.Logger
	devices   Devices
	snapshots Snapshots
	rounds    Rounds
	store     Pinger
	metrics   *metrics.Metrics
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	return &Handler{
		log:       log,
		devices:   deps.Devices,
		snapshots: deps.Snapshots,
		rounds:    deps.Rounds,
		store:     deps.Store,
		metrics:   deps.Metrics,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/healthz", h.handleHealthz)
		r.Get("/readyz", h.handleReadyZ)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	})

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// long-lived; kept outside the request timeout
			r.Get("/snapshot/ws", h.handleSnapshotWS)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(15 * time.Second))

				r.Get("/snapshot", h.handleSnapshot)

				r.Route("/devices", func(r chi.Router) {
					r.Get("/", h.handleListDevices)
					r.Post("/", h.handleAddDevice)
				})

				r.Route("/interval", func(r chi.Router) {
					r.Get("/", h.handleGetInterval)
					r.Put("/", h.handleSetInterval)
				})

				r.Route("/rounds", func(r chi.Router) {
					r.Post("/", h.handleRunRound)
					r.Get("/last", h.handleLastRound)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		h.metrics.ObserveHTTPRequest(r.Method, path, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "device store not configured", nil)
		return
	}

	if err := h.store.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "device store not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
