package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const testHMACKey = "callback-test-key"

func sign(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testHMACKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postCallback(h *CallbackHandler, vendor string, body []byte, signature string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/v1/callbacks/{vendor}", h.Handle)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+vendor, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Callback-Signature", signature)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCallbackUnknownVendor(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, false)

	rec := postCallback(h, "paypal", []byte(`{}`), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackRejectsMissingSignature(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, false)

	rec := postCallback(h, "bca", []byte(`{"partner_reference":"AD-bca-x-20260310","status":"SUCCESS"}`), "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackRejectsTamperedBody(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, false)

	signed := []byte(`{"partner_reference":"AD-bca-x-20260310","status":"SUCCESS"}`)
	tampered := []byte(`{"partner_reference":"AD-bca-x-20260310","status":"FAILED"}`)

	rec := postCallback(h, "bca", tampered, sign(t, signed))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackValidSignaturePassesVerification(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, false)

	// Empty partner_reference stops processing after signature verification,
	// so a correct signature yields 400 instead of 401.
	body := []byte(`{"partner_reference":"","status":"SUCCESS"}`)
	rec := postCallback(h, "bca", body, sign(t, body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackSkipSignatureBypass(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, true)

	rec := postCallback(h, "bca", []byte(`{"partner_reference":""}`), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejectsBadJSON(t *testing.T) {
	h := NewCallbackHandler(nil, testHMACKey, true)

	rec := postCallback(h, "gopay", []byte(`{not json`), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNormalizeCallbackStatus(t *testing.T) {
	require.Equal(t, "success", normalizeCallbackStatus("SUCCESS"))
	require.Equal(t, "success", normalizeCallbackStatus("SETTLED"))
	require.Equal(t, "failed", normalizeCallbackStatus("DECLINED"))
	require.Equal(t, "TIMED_OUT", normalizeCallbackStatus("TIMED_OUT"))
}
