package registration

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elara-app/elara-go/internal/wallet"
)

// ErrSignatureMismatch is returned by PendingSigner.Submit when the
// signature was not produced by the owner over the challenge.
var ErrSignatureMismatch = errors.New("signature does not recover to the owner")

// PendingSigner is a Signer whose signature arrives later from the owner's
// own wallet, typically through the HTTP API. SignMessage blocks until
// Submit or Reject is called, or ctx ends.
type PendingSigner struct {
	owner     common.Address
	challenge string

	once   sync.Once
	result chan signResult
}

type signResult struct {
	sig []byte
	err error
}

// NewPendingSigner creates a signer for the wallet challenge of label.
func NewPendingSigner(owner common.Address, label string) *PendingSigner {
	return &PendingSigner{
		owner:     owner,
		challenge: wallet.ChallengeMessage(label),
		result:    make(chan signResult, 1),
	}
}

// Challenge is the message the owner has to sign.
func (p *PendingSigner) Challenge() string {
	return p.challenge
}

func (p *PendingSigner) SignMessage(ctx context.Context, message string) ([]byte, error) {
	if message != p.challenge {
		return nil, errors.New("unexpected message to sign")
	}
	select {
	case r := <-p.result:
		return r.sig, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit delivers the owner's signature. Only the first answer counts.
func (p *PendingSigner) Submit(sig []byte) error {
	if !wallet.VerifySignature(p.owner, p.challenge, sig) {
		return ErrSignatureMismatch
	}
	return p.deliver(signResult{sig: append([]byte(nil), sig...)})
}

// Reject reports that the owner declined to sign.
func (p *PendingSigner) Reject() error {
	return p.deliver(signResult{err: wallet.ErrRejected})
}

func (p *PendingSigner) deliver(r signResult) error {
	delivered := false
	p.once.Do(func() {
		p.result <- r
		delivered = true
	})
	if !delivered {
		return ErrInvalidState
	}
	return nil
}
