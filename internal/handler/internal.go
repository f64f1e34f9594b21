package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/validate"
)

// Notifier accepts changes for routing.
type Notifier interface {
	Notify(ctx context.Context, addr model.TriggerAddress, n model.Notification) error
}

// ResourceIndex is the resource index the CRUD layer keeps current.
type ResourceIndex interface {
	Upsert(ctx context.Context, info model.ResourceInfo, participants []model.ID) error
	Delete(ctx context.Context, refModel model.RefModel, ref model.ID) error
	SetContact(ctx context.Context, userID, contactID model.ID, ok bool) error
}

// InternalHandler serves the service-token protected bridge the CRUD layer
// calls after each mutation.
type InternalHandler struct {
	notifier  Notifier
	resources ResourceIndex
	logger    *slog.Logger
}

func NewInternalHandler(notifier Notifier, resources ResourceIndex, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{notifier: notifier, resources: resources, logger: logger}
}

type notifyRequest struct {
	ID       model.ID         `json:"id" validate:"max=128"`
	Key      model.TriggerKey `json:"key" validate:"required"`
	RefModel model.RefModel   `json:"refModel" validate:"required"`
	Ref      model.ID         `json:"ref" validate:"required,max=128"`
	Actor    model.ID         `json:"actor" validate:"max=128"`
	General  *model.General   `json:"general"`
	Data     json.RawMessage  `json:"data"`
}

// Notify handles POST /internal/notify. The change is queued and the call
// returns 202 without waiting for delivery.
func (h *InternalHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}
	addr := model.NewAddress(req.Key, req.RefModel, req.Ref)
	if !addr.Valid() {
		writeError(w, http.StatusBadRequest, "unknown trigger key")
		return
	}

	n := model.Notification{ID: req.ID, Actor: req.Actor, General: req.General}
	if len(req.Data) > 0 {
		n.Data = req.Data
	}
	if err := h.notifier.Notify(r.Context(), addr, n); err != nil {
		h.logger.Error("queue change", "address", addr.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "not accepting changes")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resourceRequest struct {
	RefModel     model.RefModel `json:"refModel" validate:"required"`
	Ref          model.ID       `json:"ref" validate:"required,max=128"`
	Owner        model.ID       `json:"owner" validate:"required,max=128"`
	Scope        model.Scope    `json:"scope" validate:"omitempty,oneof=me public contacts"`
	Participants []model.ID     `json:"participants" validate:"max=10000,dive,required,max=128"`
}

// PutResource handles PUT /internal/resources
func (h *InternalHandler) PutResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}
	scope, _ := model.ParseScope(string(req.Scope))
	info := model.ResourceInfo{
		Resource: model.Resource{RefModel: req.RefModel, Ref: req.Ref},
		OwnerID:  req.Owner,
		Scope:    scope,
	}
	if err := h.resources.Upsert(r.Context(), info, req.Participants); err != nil {
		h.logger.Error("upsert resource", "resource", info.Resource.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save resource")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteResource handles DELETE /internal/resources/{refModel}/{ref}
func (h *InternalHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	res, ok := resourceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := h.resources.Delete(r.Context(), res.RefModel, res.Ref); err != nil {
		h.logger.Error("delete resource", "resource", res.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete resource")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contactRequest struct {
	User    model.ID `json:"user" validate:"required,max=128"`
	Contact model.ID `json:"contact" validate:"required,max=128"`
	Remove  bool     `json:"remove"`
}

// PutContact handles PUT /internal/contacts. Contact is added to (or with
// remove, taken out of) User's contacts.
func (h *InternalHandler) PutContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}
	if err := h.resources.SetContact(r.Context(), req.User, req.Contact, !req.Remove); err != nil {
		h.logger.Error("set contact", "user", req.User, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
