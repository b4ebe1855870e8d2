package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/session"
)

var errUnauthenticated = errors.New("session token required")

// handleSessionChallenge returns the message a wallet signs to open a session.
// This is the first step in the challenge-response authentication flow.
func (h *Handler) handleSessionChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(address) {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "address is required", nil)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"address": strings.ToLower(address),
		"message": session.AuthMessage(address),
	}, nil, r)
}

// handleSessionIssue verifies the signed challenge and issues a session token.
// This is the second step in the challenge-response authentication flow.
func (h *Handler) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	var input struct {
		Address   string `json:"address"`   // Wallet claiming the session
		Signature string `json:"signature"` // 0x hex personal_sign signature of the challenge
	}
	if !h.decodeJSON(w, r, 1<<16, &input) {
		return
	}
	if !common.IsHexAddress(input.Address) || input.Signature == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "address and signature are required", nil)
		return
	}

	token, expires, err := h.issuer.Issue(input.Address, input.Signature)
	if err != nil {
		metrics.IncrementChallengeValidation("invalid")
		h.logger.Info("session signature rejected", "address", input.Address, "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "signature verification failed", nil)
		return
	}
	metrics.IncrementChallengeValidation("success")
	metrics.IncrementSessionIssuance()

	address := strings.ToLower(input.Address)
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"jwt":     token,
		"exp":     expires.UTC().Format(time.RFC3339),
		"address": address,
	}, nil, r)
	h.logger.Info("session issued", "address", address, "correlationId", correlationIDFrom(r.Context()))
}

// sessionClaims validates the bearer token of r. ok is false when no token
// was sent; a present but invalid token is an error.
func (h *Handler) sessionClaims(r *http.Request) (claims session.Claims, ok bool, err error) {
	token, err := bearerToken(r)
	if err != nil {
		return session.Claims{}, false, err
	}
	if token == "" {
		return session.Claims{}, false, nil
	}
	claims, err = h.issuer.Validate(token)
	if err != nil {
		metrics.IncrementChallengeValidation("expired_or_invalid")
		return session.Claims{}, false, err
	}
	return claims, true, nil
}

// requireSession writes a 401 unless r carries a valid session token.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	claims, ok, err := h.sessionClaims(r)
	if err == nil && !ok {
		err = errUnauthenticated
	}
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "valid session token required", nil)
		return session.Claims{}, false
	}
	return claims, true
}
