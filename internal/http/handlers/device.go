package handlers

import (
	"net/http"

	"github.com/fmtmentor/server/internal/auth"
	"github.com/fmtmentor/server/internal/middleware"
	"github.com/fmtmentor/server/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceHandler serves the device management endpoints; every route is protected
type DeviceHandler struct {
	devices *auth.DeviceRegistry
	log     *zap.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices *auth.DeviceRegistry, log *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, log: log}
}

// deviceRequest names a device; an empty id means the calling device where that makes sense
type deviceRequest struct {
	DeviceID uuid.UUID `json:"deviceId"`
}

type deviceListResponse struct {
	Devices []model.DeviceSummary `json:"devices"`
	Count   int                   `json:"count"`
}

type deviceLimitResponse struct {
	OverLimit   bool                  `json:"overLimit"`
	ActiveCount int                   `json:"activeCount"`
	Devices     []model.DeviceSummary `json:"devicesToDisconnect"`
}

// HandleList handles GET /devices
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	devices, err := h.devices.ListDevices(r.Context(), userID, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Devices retrieved", deviceListResponse{Devices: devices, Count: len(devices)})
}

// HandleRevoke handles DELETE /devices/{id}
func (h *DeviceHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	deviceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid device id")
		return
	}

	if err := h.devices.RevokeDevice(r.Context(), userID, deviceID); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Device revoked", nil)
}

// HandleCheckLimit handles POST /devices/check-limit
func (h *DeviceHandler) HandleCheckLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	res, err := h.devices.HandleDeviceLimit(r.Context(), userID, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, res.Message, deviceLimitResponse{
		OverLimit:   res.OverLimit,
		ActiveCount: res.ActiveCount,
		Devices:     res.Candidates,
	})
}

// HandleDisconnect handles POST /devices/disconnect
func (h *DeviceHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == uuid.Nil {
		respondWithError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	msg, err := h.devices.DisconnectDevice(r.Context(), userID, req.DeviceID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, msg, nil)
}

// streamingTarget resolves the device of a streaming request: the body's id, else the token's device
func (h *DeviceHandler) streamingTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	var req deviceRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return uuid.Nil, uuid.Nil, false
		}
	}
	if req.DeviceID == uuid.Nil {
		deviceID, ok := middleware.GetDeviceID(r.Context())
		if !ok {
			respondWithError(w, http.StatusBadRequest, "deviceId is required")
			return uuid.Nil, uuid.Nil, false
		}
		req.DeviceID = deviceID
	}
	return userID, req.DeviceID, true
}

// HandleStartStreaming handles POST /devices/streaming/start
func (h *DeviceHandler) HandleStartStreaming(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.streamingTarget(w, r)
	if !ok {
		return
	}

	if err := h.devices.StartStreaming(r.Context(), userID, deviceID); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Streaming started", deviceRequest{DeviceID: deviceID})
}

// HandleStopStreaming handles POST /devices/streaming/stop
func (h *DeviceHandler) HandleStopStreaming(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.streamingTarget(w, r)
	if !ok {
		return
	}

	if err := h.devices.StopStreaming(r.Context(), userID, deviceID); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Streaming stopped", deviceRequest{DeviceID: deviceID})
}
