package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ErrInvalidSignature rejects callbacks whose HMAC does not match.
var ErrInvalidSignature = errors.New("invalid signature")

// CallbackHandler receives vendor settlement webhooks.
type CallbackHandler struct {
	callbacks *collection.CallbackService
	hmacKey   []byte
	skipSig   bool
}

func NewCallbackHandler(callbacks *collection.CallbackService, hmacKey string, skipSignature bool) *CallbackHandler {
	return &CallbackHandler{
		callbacks: callbacks,
		hmacKey:   []byte(hmacKey),
		skipSig:   skipSignature,
	}
}

// callbackPayload is the normalized webhook body every vendor adapter posts.
type callbackPayload struct {
	PartnerReference string `json:"partner_reference"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	VendorRef        string `json:"vendor_ref"`
}

type callbackResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Settled       bool   `json:"settled"`
}

// Handle handles POST /v1/callbacks/{vendor}.
// It verifies the HMAC signature and settles the referenced attempt.
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	v := domain.Vendor(chi.URLParam(r, "vendor"))
	if !v.Valid() {
		RespondError(w, r, http.StatusNotFound, "callback/unknown-vendor", "unknown vendor")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		zap.L().Error("read callback body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "callback/bad-body", "failed to read request body")
		return
	}

	if !h.verifyHMAC(body, r.Header.Get("X-Callback-Signature")) {
		RespondError(w, r, http.StatusUnauthorized, "callback/invalid-signature", ErrInvalidSignature.Error())
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		RespondError(w, r, http.StatusBadRequest, "callback/bad-payload", "invalid payload")
		return
	}
	payload.PartnerReference = strings.TrimSpace(payload.PartnerReference)
	payload.Status = strings.ToUpper(strings.TrimSpace(payload.Status))
	if payload.PartnerReference == "" {
		RespondError(w, r, http.StatusBadRequest, "callback/bad-payload", "partner_reference is required")
		return
	}

	result, err := h.callbacks.Handle(r.Context(), collection.VendorCallback{
		Vendor:           v,
		PartnerReference: payload.PartnerReference,
		Status:           normalizeCallbackStatus(payload.Status),
		ErrorCode:        payload.ErrorCode,
		VendorRef:        payload.VendorRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, collection.ErrNotFound):
			RespondError(w, r, http.StatusNotFound, "callback/unknown-reference", "unknown partner reference")
		case errors.Is(err, collection.ErrUndefinedVendorResponse):
			RespondError(w, r, http.StatusBadRequest, "callback/bad-status", "unrecognized callback status")
		case errors.Is(err, collection.ErrDuplicateAttempt):
			// Another settlement holds the lock; the vendor retries.
			RespondError(w, r, http.StatusConflict, "callback/in-progress", "settlement in progress, retry later")
		default:
			zap.L().Error("process callback failed", zap.Error(err), zap.String("vendor", v.String()))
			RespondError(w, r, http.StatusInternalServerError, "callback/internal", "failed to process callback")
		}
		return
	}

	RespondJSON(w, http.StatusOK, callbackResponse{
		TransactionID: result.TransactionID,
		Status:        result.Status,
		Settled:       result.Settled,
	})
}

func (h *CallbackHandler) verifyHMAC(payload []byte, signature string) bool {
	if h.skipSig {
		return true
	}
	if len(h.hmacKey) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.hmacKey)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func normalizeCallbackStatus(status string) string {
	switch status {
	case "SUCCESS", "SUCCESSFUL", "SETTLED":
		return vendor.StatusSuccess
	case "FAILED", "FAILURE", "DECLINED":
		return vendor.StatusFailed
	}
	return status
}
