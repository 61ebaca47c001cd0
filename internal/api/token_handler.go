package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
)

// TokenRequest is the request body for POST /auth/token
type TokenRequest struct {
	Phone  string `json:"phone"`
	Secret string `json:"secret"`
}

// TokenResponse carries a bearer token for the relay and this API
type TokenResponse struct {
	Token     string    `json:"token"`
	Phone     string    `json:"phone"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenHandler issues tokens to holders of the registration secret. Phone
// ownership is not verified, so it is meant for development and trusted
// provisioning only.
type TokenHandler struct {
	tokens *auth.TokenService
	secret string
	logger *slog.Logger
}

// NewTokenHandler creates a TokenHandler; an empty secret disables issuance
func NewTokenHandler(tokens *auth.TokenService, secret string, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, secret: secret, logger: logger}
}

// IssueToken exchanges the registration secret for a token bound to a phone
func (h *TokenHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeError(w, http.StatusNotFound, "Token issuance disabled")
		return
	}

	var req TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		writeError(w, http.StatusForbidden, "Invalid registration secret")
		return
	}

	token, expiresAt, err := h.tokens.Issue(req.Phone)
	if err != nil {
		if err == auth.ErrInvalidPhone {
			writeError(w, http.StatusBadRequest, "Invalid phone number")
			return
		}
		h.logger.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	h.logger.Info("issued token", "phone", req.Phone)
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, Phone: req.Phone, ExpiresAt: expiresAt})
}
