// Package server contains HTTP handlers and middleware for the agent gateway service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elara-app/elara-go/internal/config"
	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/gateway"
	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/registration"
	"github.com/elara-app/elara-go/internal/session"
	"github.com/elara-app/elara-go/internal/storage"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType    = "Content-Type"
	headerCorrelationID  = "X-Correlation-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerCacheControl   = "Cache-Control"
	headerAuthorization  = "Authorization"

	contentTypeJSON     = "application/json"
	cacheControlResolve = "public, max-age=60"
)

// Error codes carried in the response envelope.
const (
	codeValidation = "ELARA_VALIDATION"
	codeAuthz      = "ELARA_AUTHZ"
	codeNotFound   = "ELARA_NOT_FOUND"
	codeConflict   = "ELARA_CONFLICT"
	codeUpstream   = "ELARA_UPSTREAM"
	codeInternal   = "ELARA_INTERNAL"
	codeUnready    = "SERVICE_UNAVAILABLE"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store     storage.Store
	Resolver  *ens.Resolver
	Endpoints *endpoint.Registry
	Gateway   *gateway.Client
	Names     registration.AvailabilityChecker
	Manager   *registration.Manager
	Issuer    *session.Issuer
}

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg       config.Config
	store     storage.Store
	resolver  *ens.Resolver
	endpoints *endpoint.Registry
	gateway   *gateway.Client
	names     registration.AvailabilityChecker
	manager   *registration.Manager
	issuer    *session.Issuer
	logger    *slog.Logger
	clock     func() time.Time
	router    *http.ServeMux
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Handler, error) {
	if deps.Store == nil || deps.Resolver == nil || deps.Endpoints == nil || deps.Gateway == nil ||
		deps.Names == nil || deps.Manager == nil || deps.Issuer == nil {
		return nil, errors.New("server: missing dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	h := &Handler{
		cfg:       cfg,
		store:     deps.Store,
		resolver:  deps.Resolver,
		endpoints: deps.Endpoints,
		gateway:   deps.Gateway,
		names:     deps.Names,
		manager:   deps.Manager,
		issuer:    deps.Issuer,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		router:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the HTTP handler with all routes registered.
func (h *Handler) Router() http.Handler {
	return h.corsMiddleware(h.router)
}

func (h *Handler) registerRoutes() {
	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("/metrics", metrics.Handler())

	// Agent discovery and chat
	h.router.Handle("/v1/resolve", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleResolve))))
	h.router.Handle("/v1/agent", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleAgent))))
	// The backend may take up to the gateway timeout, so /v1/generate has no 30s cap
	h.router.Handle("/v1/generate", h.loggingMiddleware(h.wrap(h.handleGenerate)))

	// Session authentication endpoints (challenge-response flow)
	// GET /v1/session/challenge - Message the wallet signs
	// POST /v1/session - Verify the signature and issue a session token
	h.router.Handle("/v1/session/challenge", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleSessionChallenge))))
	h.router.Handle("/v1/session", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleSessionIssue))))

	// Registration workflow
	h.router.Handle("/v1/names/{label}/availability", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleAvailability))))
	h.router.Handle("/v1/registrations", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrations))))
	h.router.Handle("/v1/registrations/{id}", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationGet))))
	h.router.Handle("/v1/registrations/{id}/events", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationEvents))))
	h.router.Handle("/v1/registrations/{id}/signature", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationSignature))))
	h.router.Handle("/v1/registrations/{id}/reject", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationReject))))
	h.router.Handle("/v1/registrations/{id}/resume", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationResume))))
	h.router.Handle("/v1/registrations/{id}/cancel", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.handleRegistrationCancel))))
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  any            `json:"meta,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		if h.tryReplay(w, r) {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, codeInternal, "internal server error", correlationID, nil)
			}
		}()

		next(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// replayKey scopes the Idempotency-Key header to the method, the route
// pattern and the session owner. Requests without a valid session have no
// key, so stored responses are only replayed to their owner.
func (h *Handler) replayKey(r *http.Request) (string, bool) {
	if r.Method == http.MethodGet {
		return "", false
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return "", false
	}
	claims, ok, err := h.sessionClaims(r)
	if err != nil || !ok {
		return "", false
	}
	return strings.Join([]string{r.Method, r.Pattern, strings.ToLower(claims.Address), key}, "|"), true
}

func (h *Handler) tryReplay(w http.ResponseWriter, r *http.Request) bool {
	key, ok := h.replayKey(r)
	if !ok {
		return false
	}
	cached, ok := h.store.Recall(r.Context(), key)
	if !ok {
		return false
	}
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

func (h *Handler) remember(r *http.Request, w http.ResponseWriter, status int, payload []byte) {
	key, ok := h.replayKey(r)
	if !ok {
		return
	}
	headers := make(map[string]string, len(w.Header()))
	for k := range w.Header() {
		headers[k] = w.Header().Get(k)
	}
	if err := h.store.Remember(r.Context(), key, storage.StoredResponse{
		StatusCode: status,
		Body:       append([]byte(nil), payload...),
		Headers:    headers,
		ExpiresAt:  h.clock().Add(h.cfg.IdempotencyTTL),
	}); err != nil && !errors.Is(err, storage.ErrConflict) {
		h.logger.Warn("remember response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// requireMethod writes a 405 and returns false when r does not use method.
func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed", nil)
	return false
}

// decodeJSON reads a JSON body of at most limit bytes into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorWithRequest(w, r, http.StatusRequestEntityTooLarge, codeValidation, "request body too large", nil)
			return false
		}
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body", nil)
		return false
	}
	return true
}

// writeDomainError maps errors of the domain packages to envelope responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *registration.ValidationError
		authz      *gateway.AuthorizationError
		upstream   *gateway.RequestError
	)
	switch {
	case errors.As(err, &validation):
		h.writeErrorWithRequest(w, r, http.StatusUnprocessableEntity, codeValidation, validation.Message, nil)
	case errors.As(err, &authz):
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, authz.Error(), map[string]any{"address": authz.Address})
	case errors.As(err, &upstream):
		h.writeErrorWithRequest(w, r, http.StatusBadGateway, codeUpstream, upstream.Message, map[string]any{"status": upstream.StatusCode})
	case errors.Is(err, registration.ErrSignatureMismatch), errors.Is(err, session.ErrInvalidSignature):
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registration.ErrUnknownRegistration):
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, err.Error(), nil)
	case errors.Is(err, registration.ErrRegistrationActive), errors.Is(err, registration.ErrAlreadyDeployed),
		errors.Is(err, registration.ErrInvalidState), errors.Is(err, storage.ErrConflict):
		h.writeErrorWithRequest(w, r, http.StatusConflict, codeConflict, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		h.writeErrorWithRequest(w, r, http.StatusGatewayTimeout, codeUpstream, "upstream timed out", nil)
	default:
		h.logger.Error("request failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "internal server error", nil)
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any, meta any, r *http.Request) []byte {
	env := responseEnvelope{Data: data, Meta: meta}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
	return payload
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), details)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

// hostFrom returns the hostname the request is about: the host query
// parameter when present, the request Host otherwise.
func hostFrom(r *http.Request) string {
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	if host == "" {
		host = r.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

func bearerToken(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get(headerAuthorization))
	if raw == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}
