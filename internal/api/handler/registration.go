package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistrationHandler exposes the registration lifecycle operations.
type RegistrationHandler struct {
	reconciler *collection.Reconciler
}

func NewRegistrationHandler(reconciler *collection.Reconciler) *RegistrationHandler {
	return &RegistrationHandler{reconciler: reconciler}
}

type createRegistrationRequest struct {
	AccountID string `json:"account_id"`
	Vendor    string `json:"vendor"`
}

type registrationResponse struct {
	ID                    string `json:"id"`
	AccountID             string `json:"account_id"`
	Vendor                string `json:"vendor"`
	RegistrationRequestID string `json:"registration_request_id"`
	Status                string `json:"status"`
}

// Create handles POST /v1/registrations.
func (h *RegistrationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "registration/bad-payload", "invalid payload")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "registration/bad-account", "invalid account_id")
		return
	}
	v := domain.Vendor(req.Vendor)
	if !v.Valid() {
		RespondError(w, r, http.StatusBadRequest, "registration/bad-vendor", "unsupported vendor")
		return
	}

	acct, err := h.reconciler.Register(r.Context(), accountID, v)
	if err != nil {
		if errors.Is(err, collection.ErrDuplicateAttempt) {
			RespondError(w, r, http.StatusConflict, "registration/exists", "registration already open for this account and vendor")
			return
		}
		zap.L().Error("create registration failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "registration/internal", "failed to create registration")
		return
	}

	RespondJSON(w, http.StatusCreated, registrationResponse{
		ID:                    acct.ID.String(),
		AccountID:             acct.AccountID.String(),
		Vendor:                acct.Vendor.String(),
		RegistrationRequestID: acct.RegistrationRequestID,
		Status:                acct.Status,
	})
}

// Deactivate handles DELETE /v1/registrations/{vendor}/{account_id}.
func (h *RegistrationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	v := domain.Vendor(chi.URLParam(r, "vendor"))
	if !v.Valid() {
		RespondError(w, r, http.StatusNotFound, "registration/bad-vendor", "unsupported vendor")
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "account_id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "registration/bad-account", "invalid account_id")
		return
	}

	if err := h.reconciler.Deactivate(r.Context(), accountID, v); err != nil {
		switch {
		case errors.Is(err, collection.ErrNoActiveRegistration):
			RespondError(w, r, http.StatusNotFound, "registration/not-found", "no active registration")
		case errors.Is(err, collection.ErrDuplicateAttempt):
			RespondError(w, r, http.StatusConflict, "registration/in-progress", "another operation holds the registration lock")
		default:
			zap.L().Error("deactivate registration failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "registration/internal", "failed to deactivate registration")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
