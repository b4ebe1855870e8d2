package ens

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elara-app/elara-go/internal/chain"
)

// Text record keys used by agents.
const (
	KeyName           = "name"
	KeyDescription    = "description"
	KeyAvatar         = "avatar"
	KeyAllowedCallers = "allowed_callers"
	KeyVMHash         = "aleph_vm_hash"
)

// RegistryABI covers the resolver functions of the L2 registry.
const RegistryABI = `[
{"type":"function","name":"text","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"contenthash","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"bytes"}]},
{"type":"function","name":"setText","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"},{"name":"value","type":"string"}],"outputs":[]},
{"type":"function","name":"setContenthash","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"hash","type":"bytes"}],"outputs":[]}
]`

// RegistrarABI covers the subname registrar.
const RegistrarABI = `[
{"type":"function","name":"available","stateMutability":"view","inputs":[{"name":"label","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"label","type":"string"},{"name":"owner","type":"address"}],"outputs":[]}
]`

var (
	registryABI  = mustParseABI(RegistryABI)
	registrarABI = mustParseABI(RegistrarABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Registry binds the registry (records) and registrar (names) contracts.
type Registry struct {
	client    *chain.Client
	registry  *bind.BoundContract
	registrar *bind.BoundContract
}

// NewRegistry binds both contracts on client.
func NewRegistry(client *chain.Client, registryAddr, registrarAddr common.Address) *Registry {
	backend := client.Backend()
	return &Registry{
		client:    client,
		registry:  bind.NewBoundContract(registryAddr, registryABI, backend, backend, backend),
		registrar: bind.NewBoundContract(registrarAddr, registrarABI, backend, backend, backend),
	}
}

// Text reads text(node, key).
func (r *Registry) Text(ctx context.Context, node common.Hash, key string) (string, error) {
	var out []interface{}
	if err := r.registry.Call(&bind.CallOpts{Context: ctx}, &out, "text", node, key); err != nil {
		return "", fmt.Errorf("call text(%s): %w", key, err)
	}
	if len(out) == 0 {
		return "", nil
	}
	value, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected text result %T", out[0])
	}
	return value, nil
}

// Contenthash reads contenthash(node).
func (r *Registry) Contenthash(ctx context.Context, node common.Hash) ([]byte, error) {
	var out []interface{}
	if err := r.registry.Call(&bind.CallOpts{Context: ctx}, &out, "contenthash", node); err != nil {
		return nil, fmt.Errorf("call contenthash: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	value, ok := out[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected contenthash result %T", out[0])
	}
	return value, nil
}

// Available reports whether label can still be registered.
func (r *Registry) Available(ctx context.Context, label string) (bool, error) {
	var out []interface{}
	if err := r.registrar.Call(&bind.CallOpts{Context: ctx}, &out, "available", label); err != nil {
		return false, fmt.Errorf("call available(%s): %w", label, err)
	}
	if len(out) == 0 {
		return false, fmt.Errorf("empty available result")
	}
	value, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected available result %T", out[0])
	}
	return value, nil
}

// Register registers label to owner and waits for the receipt.
func (r *Registry) Register(ctx context.Context, key *ecdsa.PrivateKey, label string, owner common.Address) error {
	return r.transact(ctx, key, r.registrar, "register", label, owner)
}

// SetContenthash writes the content hash of node and waits for the receipt.
func (r *Registry) SetContenthash(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, hash []byte) error {
	return r.transact(ctx, key, r.registry, "setContenthash", node, hash)
}

// SetText writes a text record and waits for the receipt.
func (r *Registry) SetText(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, k, value string) error {
	return r.transact(ctx, key, r.registry, "setText", node, k, value)
}

func (r *Registry) transact(ctx context.Context, key *ecdsa.PrivateKey, contract *bind.BoundContract, method string, params ...interface{}) error {
	opts, err := r.client.Transactor(ctx, key)
	if err != nil {
		return err
	}
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	if _, err := r.client.WaitConfirmed(ctx, tx); err != nil {
		return fmt.Errorf("confirm %s: %w", method, err)
	}
	return nil
}
