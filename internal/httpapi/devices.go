package httpapi

import (
	"errors"
	"net/http"
	"time"

	"pingwatch/core-go/internal/registry"
	"pingwatch/core-go/internal/status"
)

type device struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	Location      string     `json:"location"`
	Status        string     `json:"status"`
	Label         string     `json:"label"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

type deviceCreate struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Location string `json:"location"`
}

func toDevice(d registry.Device) device {
	return device{
		ID:            d.ID,
		Name:          d.Name,
		Address:       d.Address,
		Location:      d.Location,
		Status:        string(d.Status),
		Label:         status.Label(d.Status),
		LastCheckedAt: d.LastCheckedAt,
	}
}

func (h *Handler) ensureDevices(w http.ResponseWriter) bool {
	if h.devices == nil {
		h.writeError(w, http.StatusServiceUnavailable, "registry_unavailable", "device registry not configured", nil)
		return false
	}
	return true
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !h.ensureDevices(w) {
		return
	}

	rows := h.devices.List()
	resp := make([]device, 0, len(rows))
	for _, d := range rows {
		resp = append(resp, toDevice(d))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceCreate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	if !h.ensureDevices(w) {
		return
	}

	d, created, err := h.devices.AddOrUpdate(r.Context(), req.Name, req.Address, req.Location)
	switch {
	case errors.Is(err, registry.ErrInvalidDevice):
		h.writeError(w, http.StatusBadRequest, "validation_failed", "name, address and location are required", nil)
		return
	case errors.Is(err, registry.ErrPersist):
		h.writeError(w, http.StatusInternalServerError, "persist_failed", "device applied but the device list could not be saved", map[string]any{
			"device": toDevice(d),
		})
		return
	case err != nil:
		h.log.Error().Err(err).Msg("add device failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to add device", nil)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	h.writeJSON(w, code, toDevice(d))
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		h.writeError(w, http.StatusServiceUnavailable, "publisher_unavailable", "status publisher not configured", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, h.snapshots.Snapshot())
}
