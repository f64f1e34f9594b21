// Package handler exposes the engine's HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukerupert/eventful/internal/access"
	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/validate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInvalid reports a body that failed decoding or validation.
func writeInvalid(w http.ResponseWriter, err error) {
	var verr *validate.Error
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON")
}

// writeAccessError maps access errors to responses. Missing and forbidden
// resources look the same to the caller.
func writeAccessError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, access.ErrExpiredInvite):
		writeError(w, http.StatusGone, "invite link expired")
	case errors.Is(err, access.ErrNotFound),
		errors.Is(err, access.ErrForbidden),
		errors.Is(err, access.ErrInviteRevoked):
		writeError(w, http.StatusNotFound, "not found")
	default:
		return false
	}
	return true
}

// resourceParam reads the {refModel}/{ref} path values.
func resourceParam(r *http.Request) (model.Resource, bool) {
	m, err := model.ParseRefModel(r.PathValue("refModel"))
	if err != nil {
		return model.Resource{}, false
	}
	ref := model.ID(r.PathValue("ref"))
	if ref == "" || len(ref) > 128 {
		return model.Resource{}, false
	}
	return model.Resource{RefModel: m, Ref: ref}, true
}
