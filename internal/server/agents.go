package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/elara-app/elara-go/internal/gateway"
	"github.com/elara-app/elara-go/internal/model"
)

// handleResolve reports the agent name, backend base URL and allow-list for a host.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	host := hostFrom(r)
	cache := h.endpoints.For(host)
	baseURL, err := cache.BaseURL(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	callers := cache.AllowedCallers(r.Context())
	if callers == nil {
		callers = []string{}
	}

	data := map[string]any{
		"host":           host,
		"baseUrl":        baseURL,
		"allowedCallers": callers,
	}
	if name, node, ok := h.resolver.Lookup(host); ok {
		data["name"] = name
		data["node"] = node.Hex()
	}
	w.Header().Set(headerCacheControl, "no-store")
	h.writeSuccess(w, http.StatusOK, data, nil, r)
}

// handleAgent returns the public profile records of the agent at a host.
func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	host := hostFrom(r)
	name, _, ok := h.resolver.Lookup(host)
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, "host does not name an agent", map[string]any{"host": host})
		return
	}
	meta := h.resolver.Metadata(r.Context(), host)
	w.Header().Set(headerCacheControl, cacheControlResolve)
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"ensName":     name,
		"name":        meta.Name,
		"description": meta.Description,
		"avatar":      meta.Avatar,
	}, nil, r)
}

// handleGenerate forwards a conversation to the agent backend. Credentials come
// from a session token or from the address and signature in the body.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	var input struct {
		Messages  []model.Message `json:"messages"`
		Address   string          `json:"address"`
		Signature string          `json:"signature"`
	}
	if !h.decodeJSON(w, r, 1<<20, &input) {
		return
	}
	for _, m := range input.Messages {
		switch m.Role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "invalid message role", map[string]any{"role": m.Role})
			return
		}
	}

	claims, ok, err := h.sessionClaims(r)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "valid session token required", nil)
		return
	}
	caller, signature := strings.ToLower(strings.TrimSpace(input.Address)), strings.TrimSpace(input.Signature)
	if ok {
		caller, signature = claims.Address, claims.Signature
	}
	if caller == "" || signature == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "address and signature are required", nil)
		return
	}

	host := hostFrom(r)
	messages, err := h.gateway.Generate(r.Context(), h.endpoints.For(host), input.Messages, caller, signature)
	if err != nil {
		var (
			authz    *gateway.AuthorizationError
			upstream *gateway.RequestError
		)
		if errors.As(err, &authz) || errors.As(err, &upstream) {
			h.writeDomainError(w, r, err)
			return
		}
		h.logger.Warn("agent backend unreachable", "host", host, "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusBadGateway, codeUpstream, "agent backend unreachable", nil)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{"messages": messages}, nil, r)
}
