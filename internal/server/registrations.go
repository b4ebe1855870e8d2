package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/registration"
	"github.com/elara-app/elara-go/internal/session"
	"github.com/elara-app/elara-go/internal/upload"
)

// Base64 inflates the avatar by 4/3; leave room for the other fields.
const maxRegistrationBody = upload.MaxImageSize*4/3 + 1<<16

type avatarInput struct {
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64
}

func (a *avatarInput) image() (*upload.Image, error) {
	if a == nil || a.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, &registration.ValidationError{Message: "avatar data must be base64"}
	}
	if len(data) > upload.MaxImageSize {
		return nil, &registration.ValidationError{Message: "avatar must be 5MB or smaller"}
	}
	name := strings.TrimSpace(a.Filename)
	if name == "" {
		name = "avatar"
	}
	return &upload.Image{Filename: name, Data: data}, nil
}

// handleAvailability validates a label and reads its availability.
func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	label := strings.ToLower(strings.TrimSpace(r.PathValue("label")))
	data := map[string]any{
		"label":     label,
		"name":      h.resolver.Naming().NameForLabel(label),
		"available": true,
	}
	if err := registration.CheckLabel(r.Context(), h.names, label); err != nil {
		var validation *registration.ValidationError
		if !errors.As(err, &validation) {
			h.writeDomainError(w, r, err)
			return
		}
		data["available"] = false
		data["reason"] = validation.Message
	}
	h.writeSuccess(w, http.StatusOK, data, nil, r)
}

// handleRegistrations starts a registration (POST) or lists the caller's
// registrations (GET).
func (h *Handler) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleRegistrationCreate(w, r)
	case http.MethodGet:
		h.handleRegistrationList(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed", nil)
	}
}

func (h *Handler) handleRegistrationCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var input struct {
		Label          string       `json:"label"`
		Description    string       `json:"description"`
		AllowedCallers []string     `json:"allowedCallers"`
		Avatar         *avatarInput `json:"avatar"`
	}
	if !h.decodeJSON(w, r, maxRegistrationBody, &input) {
		return
	}
	avatar, err := input.Avatar.image()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	started, err := h.manager.Start(r.Context(), registration.Request{
		Label:          input.Label,
		Owner:          common.HexToAddress(claims.Address),
		Description:    strings.TrimSpace(input.Description),
		AllowedCallers: input.AllowedCallers,
		Avatar:         avatar,
	}, correlationIDFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	payload := h.writeSuccess(w, http.StatusCreated, map[string]any{
		"registration": started.Registration.DTO(),
		"challenge":    started.Challenge,
	}, nil, r)
	h.remember(r, w, http.StatusCreated, payload)
	h.logger.Info("registration created", "id", started.Registration.ID, "name", started.Registration.Name, "correlationId", correlationIDFrom(r.Context()))
}

func (h *Handler) handleRegistrationList(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	regs, err := h.store.ListRegistrations(r.Context(), claims.Address)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]model.RegistrationDTO, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.DTO())
	}
	h.writeSuccess(w, http.StatusOK, out, map[string]any{"count": len(out)}, r)
}

// handleRegistrationGet returns the stored record plus the pending challenge
// while the run waits for a signature.
func (h *Handler) handleRegistrationGet(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	reg, err := h.store.GetRegistration(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	data := map[string]any{"registration": reg.DTO()}
	if challenge, err := h.manager.Challenge(reg.ID); err == nil && reg.State == model.StateSigning {
		data["challenge"] = challenge
	}
	h.writeSuccess(w, http.StatusOK, data, map[string]any{"active": h.isActive(reg.ID)}, r)
}

func (h *Handler) isActive(id string) bool {
	_, err := h.manager.Snapshot(id)
	return err == nil
}

func (h *Handler) handleRegistrationEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if _, err := h.store.GetRegistration(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []model.RegistrationEvent{}
	}
	h.writeSuccess(w, http.StatusOK, events, map[string]any{"count": len(events)}, r)
}

// handleRegistrationSignature accepts the owner's signature of the wallet
// challenge. The signature itself proves ownership.
func (h *Handler) handleRegistrationSignature(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	var input struct {
		Signature string `json:"signature"`
	}
	if !h.decodeJSON(w, r, 1<<12, &input) {
		return
	}
	id := r.PathValue("id")
	if err := h.manager.SubmitSignature(id, input.Signature); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusAccepted, map[string]any{"id": id, "accepted": true}, nil, r)
}

func (h *Handler) handleRegistrationReject(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := h.ownedRegistration(w, r)
	if !ok {
		return
	}
	if err := h.manager.RejectSignature(id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusAccepted, map[string]any{"id": id, "rejected": true}, nil, r)
}

func (h *Handler) handleRegistrationCancel(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := h.ownedRegistration(w, r)
	if !ok {
		return
	}
	if err := h.manager.Cancel(id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusAccepted, map[string]any{"id": id, "cancelled": true}, nil, r)
}

// handleRegistrationResume restarts a stopped registration. The owner signs
// the wallet challenge again.
func (h *Handler) handleRegistrationResume(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := h.ownedRegistration(w, r)
	if !ok {
		return
	}
	var input struct {
		Avatar *avatarInput `json:"avatar"`
	}
	if r.ContentLength != 0 && !h.decodeJSON(w, r, maxRegistrationBody, &input) {
		return
	}
	avatar, err := input.Avatar.image()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	started, err := h.manager.Resume(r.Context(), id, avatar, correlationIDFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"registration": started.Registration.DTO(),
		"challenge":    started.Challenge,
	}, nil, r)
}

// ownedRegistration checks that the session belongs to the registration owner.
func (h *Handler) ownedRegistration(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return "", false
	}
	reg, err := h.store.GetRegistration(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return "", false
	}
	if !sameAddress(reg.Owner, claims) {
		h.writeErrorWithRequest(w, r, http.StatusForbidden, codeAuthz, "registration belongs to another owner", nil)
		return "", false
	}
	return reg.ID, true
}

func sameAddress(owner string, claims session.Claims) bool {
	return strings.EqualFold(owner, claims.Address)
}
