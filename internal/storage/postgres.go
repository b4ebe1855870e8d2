// Package storage contains PostgreSQL implementation of the Store interface.
// Provides persistent storage for registrations, event logs, and idempotency records.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/elara-app/elara-go/internal/model"
)

// postgres implements the Store interface using PostgreSQL as the backend.
// Uses connection pooling and JSON serialization for nested data.
type postgres struct {
	db *sql.DB // Database connection pool
}

// NewPostgres creates a Store backed by PostgreSQL with connection pooling.
// Tests the database connection before returning the store.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(dsn string) (*postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &postgres{db: db}, nil
}

// DB returns the underlying *sql.DB connection pool.
// Used by migrations and readiness checks.
func (p *postgres) DB() *sql.DB {
	return p.db
}

// Close releases the connection pool.
func (p *postgres) Close() error {
	return p.db.Close()
}

const registrationColumns = `id, label, name, node, owner, agent_address, description, allowed_callers, has_avatar, avatar_url, state, progress, balance, attempts, last_error, created_at, updated_at`

// CreateRegistration inserts a new registration.
// Returns ErrConflict if the id is already taken.
func (p *postgres) CreateRegistration(ctx context.Context, reg model.Registration) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	callers, progress, err := marshalRegistration(reg)
	if err != nil {
		return err
	}
	q := `INSERT INTO registrations (` + registrationColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = p.db.ExecContext(ctx, q,
		reg.ID, reg.Label, reg.Name, reg.Node, strings.ToLower(reg.Owner), reg.AgentAddress, reg.Description,
		callers, reg.HasAvatar, reg.AvatarURL, string(reg.State), progress, reg.Balance, reg.Attempts,
		reg.LastError, reg.CreatedAt.UTC(), reg.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrConflict
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// GetRegistration retrieves a registration by id.
// Returns ErrNotFound if no registration exists with the specified id.
func (p *postgres) GetRegistration(ctx context.Context, id string) (model.Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	reg, err := scanRegistration(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Registration{}, ErrNotFound
		}
		return model.Registration{}, fmt.Errorf("query registration: %w", err)
	}
	return reg, nil
}

// UpdateRegistration replaces the mutable columns of a registration.
// Returns ErrNotFound if no registration exists with the specified id.
func (p *postgres) UpdateRegistration(ctx context.Context, reg model.Registration) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	callers, progress, err := marshalRegistration(reg)
	if err != nil {
		return err
	}
	const q = `UPDATE registrations SET agent_address = $1, allowed_callers = $2, avatar_url = $3, state = $4, progress = $5, balance = $6, attempts = $7, last_error = $8, updated_at = $9 WHERE id = $10`
	res, err := p.db.ExecContext(ctx, q,
		reg.AgentAddress, callers, reg.AvatarURL, string(reg.State), progress, reg.Balance,
		reg.Attempts, reg.LastError, reg.UpdatedAt.UTC(), reg.ID)
	if err != nil {
		return fmt.Errorf("update registration: %w", err)
	}
	// Check if any rows were affected (registration exists)
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRegistrations returns the owner's registrations, newest first.
func (p *postgres) ListRegistrations(ctx context.Context, owner string) ([]model.Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := `SELECT ` + registrationColumns + ` FROM registrations WHERE owner = $1 ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, strings.ToLower(owner))
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var out []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (model.Registration, error) {
	var reg model.Registration
	var state string
	var callers, progress []byte
	err := row.Scan(&reg.ID, &reg.Label, &reg.Name, &reg.Node, &reg.Owner, &reg.AgentAddress, &reg.Description,
		&callers, &reg.HasAvatar, &reg.AvatarURL, &state, &progress, &reg.Balance, &reg.Attempts,
		&reg.LastError, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return model.Registration{}, err
	}
	reg.State = model.State(state)
	if err := json.Unmarshal(callers, &reg.AllowedCallers); err != nil {
		return model.Registration{}, fmt.Errorf("unmarshal allowed callers: %w", err)
	}
	if err := json.Unmarshal(progress, &reg.Progress); err != nil {
		return model.Registration{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	return reg, nil
}

func marshalRegistration(reg model.Registration) (callers, progress []byte, err error) {
	if reg.AllowedCallers == nil {
		reg.AllowedCallers = []string{}
	}
	callers, err = json.Marshal(reg.AllowedCallers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal allowed callers: %w", err)
	}
	progress, err = json.Marshal(reg.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	return callers, progress, nil
}

// AppendEvent adds a new entry to the event log of a registration.
// Serializes the detail as JSON for flexible event data storage.
func (p *postgres) AppendEvent(ctx context.Context, event model.RegistrationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO registration_events (registration_id, kind, state, detail, correlation_id, at) VALUES ($1, $2, $3, $4, $5, $6)`
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, q, event.RegistrationID, event.Kind, string(event.State), detail, event.CorrelationID, event.At.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents retrieves all log entries for a registration in append order.
func (p *postgres) ListEvents(ctx context.Context, registrationID string) ([]model.RegistrationEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT registration_id, kind, state, detail, correlation_id, at FROM registration_events WHERE registration_id = $1 ORDER BY id ASC`
	rows, err := p.db.QueryContext(ctx, q, registrationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.RegistrationEvent
	for rows.Next() {
		var event model.RegistrationEvent
		var state string
		var detail []byte
		if err := rows.Scan(&event.RegistrationID, &event.Kind, &state, &detail, &event.CorrelationID, &event.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.State = model.State(state)
		if err := json.Unmarshal(detail, &event.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal detail: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Remember stores a response for later retrieval to support idempotent operations.
// Returns ErrConflict if an unexpired response is already stored under key.
func (p *postgres) Remember(ctx context.Context, key string, response StoredResponse) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Replace only an expired entry so a live response is never overwritten
	const q = `INSERT INTO idempotency_cache (key, status_code, body, headers, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET status_code = EXCLUDED.status_code, body = EXCLUDED.body, headers = EXCLUDED.headers, expires_at = EXCLUDED.expires_at
		WHERE idempotency_cache.expires_at <= $6`
	headersBytes, err := json.Marshal(response.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	res, err := p.db.ExecContext(ctx, q, key, response.StatusCode, response.Body, headersBytes, response.ExpiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert cache: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	return nil
}

// Recall retrieves a previously stored response if it exists and hasn't expired.
// Returns false if the cached response doesn't exist or has expired.
func (p *postgres) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT status_code, body, headers, expires_at FROM idempotency_cache WHERE key = $1 AND expires_at > $2`
	var response StoredResponse
	var headersBytes []byte
	err := p.db.QueryRowContext(ctx, q, key, time.Now().UTC()).Scan(&response.StatusCode, &response.Body, &headersBytes, &response.ExpiresAt)
	if err != nil {
		return StoredResponse{}, false
	}
	if err := json.Unmarshal(headersBytes, &response.Headers); err != nil {
		return StoredResponse{}, false
	}
	return response, true
}

// CleanupExpired removes expired idempotency records.
func (p *postgres) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `DELETE FROM idempotency_cache WHERE expires_at <= $1`
	if _, err := p.db.ExecContext(ctx, q, now); err != nil {
		return fmt.Errorf("cleanup idempotency cache: %w", err)
	}
	return nil
}
