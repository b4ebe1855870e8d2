// Package storage contains persistence abstractions and in-memory
// implementations for registrations used by the service.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elara-app/elara-go/internal/model"
)

type memory struct {
	mu            sync.RWMutex
	registrations map[string]model.Registration

	muEvents sync.RWMutex
	events   map[string][]model.RegistrationEvent

	muIdem      sync.Mutex
	idempotency map[string]StoredResponse

	clock func() time.Time
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
// Useful for tests, demos, or as a default ephemeral backend.
func NewMemory() Store {
	return &memory{
		registrations: make(map[string]model.Registration),
		events:        make(map[string][]model.RegistrationEvent),
		idempotency:   make(map[string]StoredResponse),
		clock:         time.Now,
	}
}

// CreateRegistration stores a new record. Returns ErrConflict when the id exists.
func (m *memory) CreateRegistration(ctx context.Context, reg model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[reg.ID]; ok {
		return ErrConflict
	}
	m.registrations[reg.ID] = cloneRegistration(reg)
	return nil
}

// GetRegistration retrieves a record by id. Returns ErrNotFound when no record exists.
func (m *memory) GetRegistration(ctx context.Context, id string) (model.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registrations[id]
	if !ok {
		return model.Registration{}, ErrNotFound
	}
	return cloneRegistration(reg), nil
}

// UpdateRegistration overwrites an existing record.
func (m *memory) UpdateRegistration(ctx context.Context, reg model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[reg.ID]; !ok {
		return ErrNotFound
	}
	m.registrations[reg.ID] = cloneRegistration(reg)
	return nil
}

// ListRegistrations returns the owner's records, newest first.
func (m *memory) ListRegistrations(ctx context.Context, owner string) ([]model.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Registration
	for _, reg := range m.registrations {
		if strings.EqualFold(reg.Owner, owner) {
			out = append(out, cloneRegistration(reg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendEvent adds an entry to the registration's log.
func (m *memory) AppendEvent(ctx context.Context, event model.RegistrationEvent) error {
	m.muEvents.Lock()
	defer m.muEvents.Unlock()
	m.events[event.RegistrationID] = append(m.events[event.RegistrationID], event)
	return nil
}

// ListEvents returns the registration's log in append order.
func (m *memory) ListEvents(ctx context.Context, registrationID string) ([]model.RegistrationEvent, error) {
	m.muEvents.RLock()
	defer m.muEvents.RUnlock()
	return append([]model.RegistrationEvent(nil), m.events[registrationID]...), nil
}

// Remember stores a response for replay until it expires.
func (m *memory) Remember(ctx context.Context, key string, response StoredResponse) error {
	m.muIdem.Lock()
	defer m.muIdem.Unlock()
	if existing, ok := m.idempotency[key]; ok && existing.ExpiresAt.After(m.clock()) {
		return ErrConflict
	}
	response.Body = append([]byte(nil), response.Body...)
	m.idempotency[key] = response
	return nil
}

// Recall returns an unexpired stored response.
func (m *memory) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	m.muIdem.Lock()
	defer m.muIdem.Unlock()
	response, ok := m.idempotency[key]
	if !ok || !response.ExpiresAt.After(m.clock()) {
		return StoredResponse{}, false
	}
	return response, true
}

// CleanupExpired drops expired idempotency records.
func (m *memory) CleanupExpired(ctx context.Context, now time.Time) error {
	m.muIdem.Lock()
	defer m.muIdem.Unlock()
	for key, response := range m.idempotency {
		if !response.ExpiresAt.After(now) {
			delete(m.idempotency, key)
		}
	}
	return nil
}

func cloneRegistration(reg model.Registration) model.Registration {
	reg.AllowedCallers = append([]string(nil), reg.AllowedCallers...)
	return reg
}
