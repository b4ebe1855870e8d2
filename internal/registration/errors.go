package registration

import (
	"errors"
	"fmt"

	"github.com/elara-app/elara-go/internal/model"
)

var (
	// ErrSignatureRejected is returned when the owner declines to sign the
	// wallet challenge or the wallet fails to sign. The workflow is back in
	// the form state.
	ErrSignatureRejected = errors.New("signature rejected")
	// ErrRetriesExhausted is returned when every registration attempt
	// failed. The workflow stays in the funding state.
	ErrRetriesExhausted = errors.New("registration retries exhausted")
	// ErrInvalidState is returned when an operation is not valid in the
	// current state.
	ErrInvalidState = errors.New("invalid workflow state")
	// ErrWalletMismatch is returned when a resumed registration is signed
	// into a different agent wallet than the one recorded.
	ErrWalletMismatch = errors.New("signature derives a different agent wallet")
)

// ValidationError is a label that fails format checks or is not available.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ChainWriteError wraps a failed transaction of one registration step.
type ChainWriteError struct {
	Step model.Step
	Err  error
}

func (e *ChainWriteError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *ChainWriteError) Unwrap() error {
	return e.Err
}
