package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/eventful/internal/auth"
	"github.com/dukerupert/eventful/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NotificationLister reads a user's stored notifications, newest first.
type NotificationLister interface {
	ListByUser(ctx context.Context, userID model.ID, limit int) ([]model.StoredNotification, error)
}

type NotificationHandler struct {
	store  NotificationLister
	logger *slog.Logger
}

func NewNotificationHandler(store NotificationLister, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, logger: logger}
}

// List handles GET /api/notifications?limit=N
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	userID := auth.UserID(r.Context())
	list, err := h.store.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list notifications", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}
