// Package storage provides interfaces and implementations for persistent storage
// of registrations, their event logs, and idempotency records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/elara-app/elara-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation would violate invariants.
	ErrConflict = errors.New("conflict")
)

// RegistrationStore persists agent registrations.
// Records never carry the agent private key.
type RegistrationStore interface {
	// CreateRegistration stores a new registration record
	CreateRegistration(ctx context.Context, reg model.Registration) error
	// GetRegistration retrieves a registration by id
	GetRegistration(ctx context.Context, id string) (model.Registration, error)
	// UpdateRegistration replaces an existing registration record
	UpdateRegistration(ctx context.Context, reg model.Registration) error
	// ListRegistrations returns the registrations of an owner, newest first
	ListRegistrations(ctx context.Context, owner string) ([]model.Registration, error)
}

// EventLogStore captures the append-only history of a registration.
type EventLogStore interface {
	// AppendEvent adds a new entry to the event log
	AppendEvent(ctx context.Context, event model.RegistrationEvent) error
	// ListEvents retrieves all log entries for a registration in order
	ListEvents(ctx context.Context, registrationID string) ([]model.RegistrationEvent, error)
}

// IdempotencyStore stores deterministic responses for a limited period.
// Enables idempotent handling of otherwise non-idempotent operations.
type IdempotencyStore interface {
	// Remember stores a response for later retrieval
	Remember(ctx context.Context, key string, response StoredResponse) error
	// Recall retrieves a previously stored response if it exists and hasn't expired
	Recall(ctx context.Context, key string) (StoredResponse, bool)
	// CleanupExpired removes expired responses
	CleanupExpired(ctx context.Context, now time.Time) error
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	RegistrationStore
	EventLogStore
	IdempotencyStore
}

// StoredResponse captures the HTTP response data persisted for idempotent replays.
type StoredResponse struct {
	StatusCode int               // HTTP status code of the original response
	Body       []byte            // Response body content
	Headers    map[string]string // Response headers
	ExpiresAt  time.Time         // Expiration timestamp for this cached response
}
