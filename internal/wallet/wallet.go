// Package wallet provides the signing capability used for sessions and agent
// wallet derivation, plus personal_sign signature recovery.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// ErrRejected is returned by a Provider when the user declines to sign.
var ErrRejected = errors.New("signature request rejected")

// ErrNoAccount is returned when no account is connected.
var ErrNoAccount = errors.New("no account connected")

// Provider is a connected wallet able to sign personal messages.
type Provider interface {
	Account() (common.Address, error)
	SignMessage(ctx context.Context, message string) ([]byte, error)
	SubscribeAccountChange(ch chan<- common.Address) event.Subscription
}

// LocalWallet signs with an in-memory key.
type LocalWallet struct {
	mu   sync.RWMutex
	key  *ecdsa.PrivateKey
	feed event.Feed
}

// NewLocalWallet wraps key. A nil key means no account is connected.
func NewLocalWallet(key *ecdsa.PrivateKey) *LocalWallet {
	return &LocalWallet{key: key}
}

// LoadLocalWallet parses a hex private key.
func LoadLocalWallet(hexKey string) (*LocalWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewLocalWallet(key), nil
}

func (w *LocalWallet) Account() (common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.key == nil {
		return common.Address{}, ErrNoAccount
	}
	return crypto.PubkeyToAddress(w.key.PublicKey), nil
}

func (w *LocalWallet) SignMessage(ctx context.Context, message string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	key := w.key
	w.mu.RUnlock()
	if key == nil {
		return nil, ErrNoAccount
	}
	return SignText(key, message)
}

func (w *LocalWallet) SubscribeAccountChange(ch chan<- common.Address) event.Subscription {
	return w.feed.Subscribe(ch)
}

// Switch replaces the signing key and notifies subscribers of the new
// account. A nil key disconnects the wallet.
func (w *LocalWallet) Switch(key *ecdsa.PrivateKey) {
	w.mu.Lock()
	w.key = key
	w.mu.Unlock()
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	w.feed.Send(addr)
}

// SignText produces a personal_sign signature with V in {27, 28}.
func SignText(key *ecdsa.PrivateKey, message string) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverAddress returns the signer of a personal_sign signature.
func RecoverAddress(message string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig over message was produced by addr.
func VerifySignature(addr common.Address, message string, sig []byte) bool {
	signer, err := RecoverAddress(message, sig)
	return err == nil && signer == addr
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	return sig, nil
}
