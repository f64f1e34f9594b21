package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/eventful/internal/auth"
	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/validate"
)

// DeviceStore is the device token registry.
type DeviceStore interface {
	Register(ctx context.Context, dt model.DeviceToken) (*model.DeviceToken, error)
	Unregister(ctx context.Context, userID model.ID, token string) (bool, error)
}

type DeviceHandler struct {
	devices  DeviceStore
	vapidKey string
	logger   *slog.Logger
}

func NewDeviceHandler(devices DeviceStore, vapidKey string, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, vapidKey: vapidKey, logger: logger}
}

type registerDeviceRequest struct {
	Token      string        `json:"token" validate:"required,max=4096"`
	Channel    model.Channel `json:"channel" validate:"required,oneof=web android ios expo"`
	P256dh     string        `json:"p256dh" validate:"required_if=Channel web,max=256"`
	Auth       string        `json:"auth" validate:"required_if=Channel web,max=256"`
	DeviceName string        `json:"deviceName" validate:"max=128"`
}

// Register handles POST /api/devices
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req registerDeviceRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}

	dt, err := h.devices.Register(r.Context(), model.DeviceToken{
		Token:      req.Token,
		Channel:    req.Channel,
		UserID:     userID,
		P256dhKey:  req.P256dh,
		AuthKey:    req.Auth,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		h.logger.Error("register device token", "user", userID, "channel", req.Channel, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	writeJSON(w, http.StatusCreated, dt)
}

type unregisterDeviceRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

// Unregister handles DELETE /api/devices. Only the bound user may remove a
// token.
func (h *DeviceHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req unregisterDeviceRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}

	removed, err := h.devices.Unregister(r.Context(), userID, req.Token)
	if err != nil {
		h.logger.Error("unregister device token", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unregister device")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *DeviceHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.vapidKey})
}
