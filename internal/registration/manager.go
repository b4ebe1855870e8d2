package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/upload"
	"github.com/elara-app/elara-go/internal/wallet"
)

var (
	// ErrUnknownRegistration is returned for ids that have no active run.
	ErrUnknownRegistration = errors.New("registration is not active")
	// ErrRegistrationActive is returned when a run for the same label or id
	// is already in progress.
	ErrRegistrationActive = errors.New("registration already in progress")
	// ErrAlreadyDeployed is returned when resuming a deployed registration.
	ErrAlreadyDeployed = errors.New("registration already deployed")
)

// Store persists registration records and their event log.
// storage.Store satisfies it.
type Store interface {
	CreateRegistration(ctx context.Context, reg model.Registration) error
	GetRegistration(ctx context.Context, id string) (model.Registration, error)
	UpdateRegistration(ctx context.Context, reg model.Registration) error
	AppendEvent(ctx context.Context, event model.RegistrationEvent) error
}

// Manager runs registrations in the background, one goroutine each, and
// records every change in the store. Agent keys stay inside the running
// workflow and are never persisted.
type Manager struct {
	deps   Deps
	cfg    Config
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*run
	labels map[string]string // label -> id of the active run
}

type run struct {
	id       string
	label    string
	workflow *Workflow
	signer   *PendingSigner
	cancel   context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(deps Deps, cfg Config, store Store) *Manager {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger,
		clock:  time.Now,
		base:   base,
		stop:   stop,
		active: make(map[string]*run),
		labels: make(map[string]string),
	}
}

// Started describes a registration waiting for the owner's signature.
type Started struct {
	Registration model.Registration
	Challenge    string
}

// Start validates req, records a new registration and starts its workflow.
// The run then waits for SubmitSignature or RejectSignature.
func (m *Manager) Start(ctx context.Context, req Request, correlationID string) (Started, error) {
	label := strings.ToLower(strings.TrimSpace(req.Label))
	if err := m.claim(label, ""); err != nil {
		return Started{}, err
	}

	id := uuid.NewString()
	rec := &recorder{m: m, id: id, correlationID: correlationID}
	wf, err := New(req, m.deps, m.cfg, rec)
	if err != nil {
		m.release(label, "")
		return Started{}, err
	}
	if err := wf.Submit(ctx); err != nil {
		m.release(label, "")
		return Started{}, err
	}

	now := m.clock().UTC()
	snap := wf.Snapshot()
	reg := model.Registration{
		ID:          id,
		Label:       snap.Label,
		Name:        snap.Name,
		Node:        snap.Node.Hex(),
		Owner:       strings.ToLower(snap.Owner.Hex()),
		Description: req.Description,
		HasAvatar:   req.Avatar != nil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	overlay(&reg, snap)
	if err := m.store.CreateRegistration(ctx, reg); err != nil {
		m.release(label, "")
		return Started{}, fmt.Errorf("create registration: %w", err)
	}
	rec.enable()
	rec.appendEvent(Event{Kind: model.EventState, Snapshot: snap})

	signer := NewPendingSigner(snap.Owner, snap.Label)
	m.launch(id, label, wf, signer)
	m.logger.Info("registration started", "id", id, "name", snap.Name, "correlationId", correlationID)
	return Started{Registration: reg, Challenge: signer.Challenge()}, nil
}

// Resume restarts a stored registration that is not deployed. The owner has
// to sign the challenge again; completed steps are not sent again. avatar is
// only needed when the image was never uploaded.
func (m *Manager) Resume(ctx context.Context, id string, avatar *upload.Image, correlationID string) (Started, error) {
	reg, err := m.store.GetRegistration(ctx, id)
	if err != nil {
		return Started{}, err
	}
	if reg.State == model.StateDeployed {
		return Started{}, ErrAlreadyDeployed
	}
	label := strings.ToLower(reg.Label)
	if err := m.claim(label, id); err != nil {
		return Started{}, err
	}

	if reg.HasAvatar && reg.AvatarURL == "" && avatar == nil && reg.Progress.Status(model.StepAvatarSet) != model.StepCompleted {
		m.release(label, id)
		return Started{}, &ValidationError{Message: "avatar image must be submitted again"}
	}
	req := Request{
		Label:          reg.Label,
		Owner:          common.HexToAddress(reg.Owner),
		Description:    reg.Description,
		AllowedCallers: reg.AllowedCallers,
		Avatar:         avatar,
	}
	rec := &recorder{m: m, id: id, correlationID: correlationID}
	wf, err := New(req, m.deps, m.cfg, rec)
	if err != nil {
		m.release(label, id)
		return Started{}, err
	}
	var agent common.Address
	if reg.AgentAddress != "" {
		agent = common.HexToAddress(reg.AgentAddress)
	}
	wf.Restore(agent, reg.Progress, reg.AvatarURL)

	rec.enable()
	rec.Observe(Event{Kind: model.EventState, Detail: map[string]any{"resumed": true}, Snapshot: wf.Snapshot()})

	signer := NewPendingSigner(req.Owner, reg.Label)
	m.launch(id, label, wf, signer)
	m.logger.Info("registration resumed", "id", id, "name", reg.Name, "correlationId", correlationID)

	reg, err = m.store.GetRegistration(ctx, id)
	if err != nil {
		return Started{}, err
	}
	return Started{Registration: reg, Challenge: signer.Challenge()}, nil
}

func (m *Manager) claim(label, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.labels[label]; busy {
		return ErrRegistrationActive
	}
	if _, busy := m.active[id]; id != "" && busy {
		return ErrRegistrationActive
	}
	m.labels[label] = id
	return nil
}

func (m *Manager) release(label, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels[label] == id {
		delete(m.labels, label)
	}
	delete(m.active, id)
}

func (m *Manager) launch(id, label string, wf *Workflow, signer *PendingSigner) {
	ctx, cancel := context.WithCancel(m.base)
	r := &run{id: id, label: label, workflow: wf, signer: signer, cancel: cancel}

	m.mu.Lock()
	m.active[id] = r
	m.labels[label] = id
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.release(label, id)

		err := wf.Run(ctx, signer)
		if err == nil {
			return
		}
		m.logger.Warn("registration stopped", "id", id, "state", wf.Snapshot().State, "error", err)
		m.recordFailure(id, err)
	}()
}

func (m *Manager) recordFailure(id string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg, getErr := m.store.GetRegistration(ctx, id)
	if getErr != nil {
		m.logger.Warn("load registration failed", "id", id, "error", getErr)
		return
	}
	reg.LastError = err.Error()
	reg.UpdatedAt = m.clock().UTC()
	if updErr := m.store.UpdateRegistration(ctx, reg); updErr != nil {
		m.logger.Warn("persist registration failed", "id", id, "error", updErr)
	}
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	if !ok {
		return nil, ErrUnknownRegistration
	}
	return r, nil
}

// SubmitSignature hands the owner's signature (0x hex) to the run waiting
// in signing.
func (m *Manager) SubmitSignature(id, signature string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	sig, err := wallet.DecodeSignature(signature)
	if err != nil {
		return &ValidationError{Message: "signature must be 65 hex-encoded bytes"}
	}
	return r.signer.Submit(sig)
}

// RejectSignature reports that the owner declined to sign.
func (m *Manager) RejectSignature(id string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	return r.signer.Reject()
}

// Challenge returns the message the active run asks the owner to sign.
func (m *Manager) Challenge(id string) (string, error) {
	r, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return r.signer.Challenge(), nil
}

// Snapshot returns the live state of an active run.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return r.workflow.Snapshot(), nil
}

// Cancel stops an active run. Its record keeps the last persisted state.
func (m *Manager) Cancel(id string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Active reports the number of running workflows.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every run and waits for them to stop or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recorder persists workflow events for one registration.
type recorder struct {
	m             *Manager
	id            string
	correlationID string

	mu      sync.Mutex
	enabled bool
}

func (r *recorder) enable() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
}

// Observe overlays the snapshot on the stored record and appends the event.
// Events published before the record exists are dropped.
func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	enabled := r.enabled
	r.mu.Unlock()
	if !enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg, err := r.m.store.GetRegistration(ctx, r.id)
	if err != nil {
		r.m.logger.Warn("load registration failed", "id", r.id, "error", err)
		return
	}
	overlay(&reg, e.Snapshot)
	reg.UpdatedAt = r.m.clock().UTC()
	if err := r.m.store.UpdateRegistration(ctx, reg); err != nil {
		r.m.logger.Warn("persist registration failed", "id", r.id, "error", err)
	}
	r.appendEvent(e)
}

func (r *recorder) appendEvent(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.m.store.AppendEvent(ctx, model.RegistrationEvent{
		RegistrationID: r.id,
		Kind:           e.Kind,
		State:          e.Snapshot.State,
		Detail:         e.Detail,
		CorrelationID:  r.correlationID,
		At:             r.m.clock().UTC(),
	})
	if err != nil {
		r.m.logger.Warn("append registration event failed", "id", r.id, "error", err)
	}
}

func overlay(reg *model.Registration, snap Snapshot) {
	if snap.AgentAddress != (common.Address{}) {
		reg.AgentAddress = snap.AgentAddress.Hex()
	}
	reg.AllowedCallers = snap.AllowedCallers
	if snap.AvatarURL != "" {
		reg.AvatarURL = snap.AvatarURL
	}
	reg.State = snap.State
	reg.Progress = snap.Progress
	if snap.Balance != nil {
		reg.Balance = chain.FormatEther(snap.Balance, 6)
	}
	reg.Attempts = snap.Attempts
	reg.LastError = snap.LastError
}
