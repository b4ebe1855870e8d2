// Package model defines the data shapes shared by the workflow, storage and
// HTTP layers. Wire DTOs carry json tags; internal records are plain structs.
package model

import (
	"fmt"
	"time"
)

// Message is a single chat turn exchanged with an agent backend.
type Message struct {
	Role    string `json:"role"`    // user, assistant or system
	Content string `json:"content"` // message text
}

// Roles accepted in a chat history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AgentMetadata is the public profile of an agent read from its text records.
type AgentMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Avatar      string `json:"avatar"`
}

// State is the deployment state of a registration.
type State string

const (
	StateForm        State = "form"
	StateSigning     State = "signing"
	StateFunding     State = "funding"
	StateRegistering State = "registering"
	StateDeployed    State = "deployed"
)

// StepStatus is the status of one registration step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepLoading   StepStatus = "loading"
	StepCompleted StepStatus = "completed"
)

// Step identifies one of the ordered registration steps.
type Step int

const (
	StepENSRegistered Step = iota
	StepContentHashSet
	StepAllowedCallersSet
	StepAvatarSet
)

// Steps lists the registration steps in execution order.
var Steps = []Step{StepENSRegistered, StepContentHashSet, StepAllowedCallersSet, StepAvatarSet}

func (s Step) String() string {
	switch s {
	case StepENSRegistered:
		return "ensRegistered"
	case StepContentHashSet:
		return "contentHashSet"
	case StepAllowedCallersSet:
		return "allowedCallersSet"
	case StepAvatarSet:
		return "avatarSet"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Progress tracks the four registration steps. A step may only move to
// loading once every earlier step is completed.
type Progress struct {
	ENSRegistered     StepStatus `json:"ensRegistered"`
	ContentHashSet    StepStatus `json:"contentHashSet"`
	AllowedCallersSet StepStatus `json:"allowedCallersSet"`
	AvatarSet         StepStatus `json:"avatarSet"`
}

// NewProgress returns a progress with every step pending.
func NewProgress() Progress {
	return Progress{
		ENSRegistered:     StepPending,
		ContentHashSet:    StepPending,
		AllowedCallersSet: StepPending,
		AvatarSet:         StepPending,
	}
}

// Status returns the status of step s.
func (p Progress) Status(s Step) StepStatus {
	switch s {
	case StepENSRegistered:
		return p.ENSRegistered
	case StepContentHashSet:
		return p.ContentHashSet
	case StepAllowedCallersSet:
		return p.AllowedCallersSet
	case StepAvatarSet:
		return p.AvatarSet
	}
	return StepPending
}

func (p *Progress) set(s Step, status StepStatus) {
	switch s {
	case StepENSRegistered:
		p.ENSRegistered = status
	case StepContentHashSet:
		p.ContentHashSet = status
	case StepAllowedCallersSet:
		p.AllowedCallersSet = status
	case StepAvatarSet:
		p.AvatarSet = status
	}
}

// Begin marks s as loading. It fails when an earlier step is not completed
// or a later step already is.
func (p *Progress) Begin(s Step) error {
	for _, prior := range Steps[:s] {
		if p.Status(prior) != StepCompleted {
			return fmt.Errorf("cannot start %s: %s is %s", s, prior, p.Status(prior))
		}
	}
	for _, later := range Steps[s+1:] {
		if p.Status(later) == StepCompleted {
			return fmt.Errorf("cannot start %s: %s already completed", s, later)
		}
	}
	p.set(s, StepLoading)
	return nil
}

// Complete marks s as completed. The skip path (no transaction) may complete
// a pending step directly, so only the ordering of earlier steps is checked.
func (p *Progress) Complete(s Step) error {
	for _, prior := range Steps[:s] {
		if p.Status(prior) != StepCompleted {
			return fmt.Errorf("cannot complete %s: %s is %s", s, prior, p.Status(prior))
		}
	}
	p.set(s, StepCompleted)
	return nil
}

// Reset returns a loading step to pending after a failed attempt.
func (p *Progress) Reset(s Step) {
	if p.Status(s) == StepLoading {
		p.set(s, StepPending)
	}
}

// Done reports whether every step is completed.
func (p Progress) Done() bool {
	for _, s := range Steps {
		if p.Status(s) != StepCompleted {
			return false
		}
	}
	return true
}

// NextStep returns the first step that is not completed.
func (p Progress) NextStep() (Step, bool) {
	for _, s := range Steps {
		if p.Status(s) != StepCompleted {
			return s, true
		}
	}
	return 0, false
}

// Registration is the persisted view of one agent registration attempt.
// The agent private key is never part of this record.
type Registration struct {
	ID             string
	Label          string
	Name           string // fully-qualified ENS name
	Node           string // hex namehash of Name
	Owner          string // connected wallet that owns the request
	AgentAddress   string // derived agent wallet, empty before signing
	Description    string
	AllowedCallers []string
	HasAvatar      bool
	AvatarURL      string
	State          State
	Progress       Progress
	Balance        string // last observed agent balance in ether
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RegistrationDTO is the JSON form of a Registration returned by the API.
type RegistrationDTO struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	Name           string   `json:"name"`
	Node           string   `json:"node"`
	Owner          string   `json:"owner"`
	AgentAddress   string   `json:"agentAddress,omitempty"`
	Description    string   `json:"description,omitempty"`
	AllowedCallers []string `json:"allowedCallers"`
	AvatarURL      string   `json:"avatarUrl,omitempty"`
	State          State    `json:"state"`
	Progress       Progress `json:"progress"`
	Balance        string   `json:"balance"`
	Attempts       int      `json:"attempts"`
	LastError      string   `json:"lastError,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

// DTO converts the record for the wire.
func (r Registration) DTO() RegistrationDTO {
	callers := r.AllowedCallers
	if callers == nil {
		callers = []string{}
	}
	return RegistrationDTO{
		ID:             r.ID,
		Label:          r.Label,
		Name:           r.Name,
		Node:           r.Node,
		Owner:          r.Owner,
		AgentAddress:   r.AgentAddress,
		Description:    r.Description,
		AllowedCallers: callers,
		AvatarURL:      r.AvatarURL,
		State:          r.State,
		Progress:       r.Progress,
		Balance:        r.Balance,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Event kinds recorded in the registration log.
const (
	EventState    = "state"
	EventStep     = "step"
	EventBalance  = "balance"
	EventFailure  = "failure"
	EventAttempts = "attempt"
)

// RegistrationEvent is one append-only entry in a registration's history.
type RegistrationEvent struct {
	RegistrationID string         `json:"registrationId"`
	Kind           string         `json:"kind"`
	State          State          `json:"state"`
	Detail         map[string]any `json:"detail,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	At             time.Time      `json:"at"`
}
