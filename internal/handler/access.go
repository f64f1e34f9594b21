package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/eventful/internal/access"
	"github.com/dukerupert/eventful/internal/auth"
	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/validate"
)

// CapabilityResolver answers what a user may do with a resource.
type CapabilityResolver interface {
	Resolve(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (model.CapabilitySet, error)
}

type AccessHandler struct {
	service  *access.Service
	resolver CapabilityResolver
	logger   *slog.Logger
}

func NewAccessHandler(service *access.Service, resolver CapabilityResolver, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{service: service, resolver: resolver, logger: logger}
}

// Capabilities handles GET /api/access/{refModel}/{ref}
func (h *AccessHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	res, ok := resourceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	caps, err := h.resolver.Resolve(r.Context(), auth.UserID(r.Context()), res.RefModel, res.Ref)
	if err != nil {
		if !writeAccessError(w, err) {
			h.logger.Error("resolve capabilities", "resource", res.String(), "error", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve access")
		}
		return
	}
	if !caps.CanView {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// Grant handles PUT /api/access/{refModel}/{ref}/users/{user}
func (h *AccessHandler) Grant(w http.ResponseWriter, r *http.Request) {
	res, ok := resourceParam(r)
	target := model.ID(r.PathValue("user"))
	if !ok || target == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var g model.Grant
	if err := validate.DecodeJSONBody(r, &g); err != nil {
		writeInvalid(w, err)
		return
	}

	rec, err := h.service.Grant(r.Context(), auth.UserID(r.Context()), target, res, g)
	if err != nil {
		if !writeAccessError(w, err) {
			h.logger.Error("grant access", "resource", res.String(), "target", target, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to grant access")
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Revoke handles DELETE /api/access/{refModel}/{ref}/users/{user}
func (h *AccessHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	res, ok := resourceParam(r)
	target := model.ID(r.PathValue("user"))
	if !ok || target == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.service.Revoke(r.Context(), auth.UserID(r.Context()), target, res); err != nil {
		if !writeAccessError(w, err) {
			h.logger.Error("revoke access", "resource", res.String(), "target", target, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to revoke access")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inviteResponse struct {
	Token     string         `json:"token"`
	RefModel  model.RefModel `json:"refModel"`
	Ref       model.ID       `json:"ref"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// CreateInvite handles POST /api/access/{refModel}/{ref}/invites
func (h *AccessHandler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	res, ok := resourceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	token, link, err := h.service.CreateInvite(r.Context(), auth.UserID(r.Context()), res)
	if err != nil {
		if !writeAccessError(w, err) {
			h.logger.Error("create invite", "resource", res.String(), "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create invite")
		}
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{
		Token:     token,
		RefModel:  link.RefModel,
		Ref:       link.Ref,
		ExpiresAt: link.ExpiresAt,
	})
}

type redeemRequest struct {
	Token string `json:"token" validate:"required,max=128"`
}

// Redeem handles POST /api/invites/redeem. An expired link answers 410.
func (h *AccessHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := validate.DecodeJSONBody(r, &req); err != nil {
		writeInvalid(w, err)
		return
	}

	rec, err := h.service.Redeem(r.Context(), auth.UserID(r.Context()), req.Token)
	if err != nil {
		if !writeAccessError(w, err) {
			h.logger.Error("redeem invite", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to redeem invite")
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
