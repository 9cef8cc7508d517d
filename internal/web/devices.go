package web

import (
	"encoding/json"
	"net/http"

	"roomcal/internal/model"
)

type heartbeatRequest struct {
	TenantID         string `json:"tenant_id"`
	RoomID           string `json:"room_id"`
	BatteryPercent   *int   `json:"battery_percent,omitempty"`
	BatteryVoltageMv *int   `json:"battery_voltage_mv,omitempty"`
}

// handleHeartbeat records that a display fetched successfully.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "device registry unavailable")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	d := model.Device{
		ID:               r.PathValue("id"),
		TenantID:         req.TenantID,
		RoomID:           req.RoomID,
		LastSeen:         s.clock.Now().UTC(),
		BatteryPercent:   req.BatteryPercent,
		BatteryVoltageMv: req.BatteryVoltageMv,
	}
	if err := s.devices.TouchDevice(r.Context(), d); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "device registry unavailable")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	devices, err := s.devices.Devices(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}
