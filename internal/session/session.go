// Package session holds the caller identity used to talk to agents: the
// connected wallet, its address and the signature proving control of it.
// It also issues and validates the server's bearer tokens for that identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"

	"github.com/elara-app/elara-go/internal/wallet"
)

// ErrNotSignedIn is returned when credentials are requested before SignIn.
var ErrNotSignedIn = errors.New("session has no signature")

// AuthMessage is the message a caller signs to use an agent.
func AuthMessage(address string) string {
	return fmt.Sprintf("Sign with your wallet %s to access the Elara agent.", strings.ToLower(address))
}

// Session tracks the active account of a wallet provider. Switching
// accounts drops the signature of the previous one.
type Session struct {
	provider wallet.Provider

	mu        sync.RWMutex
	address   common.Address
	connected bool
	signature []byte

	sub     event.Subscription
	changes chan common.Address
	done    chan struct{}
}

// Open binds a session to provider and subscribes to account changes once.
// Close releases the subscription.
func Open(provider wallet.Provider) *Session {
	s := &Session{
		provider: provider,
		changes:  make(chan common.Address, 1),
		done:     make(chan struct{}),
	}
	if addr, err := provider.Account(); err == nil {
		s.address = addr
		s.connected = true
	}
	s.sub = provider.SubscribeAccountChange(s.changes)
	go s.watch()
	return s
}

func (s *Session) watch() {
	defer close(s.done)
	for {
		select {
		case addr := <-s.changes:
			s.mu.Lock()
			if addr != s.address || !s.connected {
				s.signature = nil
			}
			s.address = addr
			s.connected = addr != (common.Address{})
			s.mu.Unlock()
		case <-s.sub.Err():
			return
		}
	}
}

// Close ends the account-change subscription.
func (s *Session) Close() {
	s.sub.Unsubscribe()
	<-s.done
}

// Address returns the connected account.
func (s *Session) Address() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.connected
}

// SignIn asks the wallet to sign the auth message of the current account.
func (s *Session) SignIn(ctx context.Context) error {
	addr, ok := s.Address()
	if !ok {
		return wallet.ErrNoAccount
	}
	sig, err := s.provider.SignMessage(ctx, AuthMessage(addr.Hex()))
	if err != nil {
		return fmt.Errorf("sign auth message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address != addr {
		return errors.New("account changed while signing")
	}
	s.signature = sig
	return nil
}

// Credentials returns the lowercase address and hex signature sent with
// each chat request.
func (s *Session) Credentials() (address, signature string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return "", "", wallet.ErrNoAccount
	}
	if s.signature == nil {
		return "", "", ErrNotSignedIn
	}
	return strings.ToLower(s.address.Hex()), hexutil.Encode(s.signature), nil
}
