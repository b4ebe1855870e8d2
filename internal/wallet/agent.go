package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChallengeMessage is the message the owner signs to derive the wallet of
// the agent registered under label. The text is fixed: any change moves
// every agent wallet derived from it.
func ChallengeMessage(label string) string {
	return fmt.Sprintf("Sign this message to generate the wallet for your agent '%s'. "+
		"Do sign sign this message anywhere else than on the official Elara platform.", label)
}

// AgentWallet is the key pair derived for an agent. It lives in memory only.
type AgentWallet struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// DeriveAgentWallet uses keccak256 of the raw signature bytes as the private
// key. The same owner signing the same challenge always yields the same
// wallet.
func DeriveAgentWallet(sig []byte) (AgentWallet, error) {
	key, err := crypto.ToECDSA(crypto.Keccak256(sig))
	if err != nil {
		return AgentWallet{}, fmt.Errorf("derive agent key: %w", err)
	}
	return AgentWallet{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}, nil
}

// String never prints the private key.
func (w AgentWallet) String() string {
	return w.Address.Hex()
}
