package httpapi

import (
	"errors"
	"net/http"
	"time"

	"pingwatch/core-go/internal/scheduler"
)

type intervalBody struct {
	Seconds int `json:"seconds"`
}

type roundSummary struct {
	Round      uint64    `json:"round"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Probed     int       `json:"probed"`
	Reachable  int       `json:"reachable"`
	Applied    int       `json:"applied"`
	Changed    int       `json:"changed"`
}

func toRoundSummary(s scheduler.RoundSummary) roundSummary {
	return roundSummary{
		Round:      s.Round,
		StartedAt:  s.StartedAt.UTC(),
		DurationMS: s.Duration.Milliseconds(),
		Probed:     s.Probed,
		Reachable:  s.Reachable,
		Applied:    s.Applied,
		Changed:    s.Changed,
	}
}

func (h *Handler) ensureRounds(w http.ResponseWriter) bool {
	if h.rounds == nil {
		h.writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "scheduler not configured", nil)
		return false
	}
	return true
}

func (h *Handler) intervalResponse() map[string]any {
	return map[string]any{
		"seconds":     int(h.rounds.Interval() / time.Second),
		"min_seconds": int(scheduler.MinInterval / time.Second),
		"max_seconds": int(scheduler.MaxInterval / time.Second),
		"phase":       h.rounds.Phase().String(),
	}
}

func (h *Handler) handleGetInterval(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRounds(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.intervalResponse())
}

func (h *Handler) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalBody
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if !h.ensureRounds(w) {
		return
	}

	if err := h.rounds.SetInterval(time.Duration(req.Seconds) * time.Second); err != nil {
		if errors.Is(err, scheduler.ErrIntervalOutOfRange) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"seconds": req.Seconds})
			return
		}
		h.log.Error().Err(err).Msg("set interval failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to set interval", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, h.intervalResponse())
}

func (h *Handler) handleRunRound(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRounds(w) {
		return
	}

	summary, err := h.rounds.RunRound(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrRoundInProgress) {
			h.writeError(w, http.StatusConflict, "round_in_progress", "a probe round is already running", nil)
			return
		}
		h.log.Error().Err(err).Msg("manual round failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to run round", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoundSummary(summary))
}

func (h *Handler) handleLastRound(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRounds(w) {
		return
	}
	summary, ok := h.rounds.LastRound()
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no round has completed yet", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoundSummary(summary))
}
