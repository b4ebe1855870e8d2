// Package ens derives ENS names from request hostnames, computes name nodes
// and reads or writes records on the registry and registrar contracts.
package ens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NameHash computes the ENS node of name. The empty name maps to the zero node.
func NameHash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		node = Subnode(node, LabelHash(labels[i]))
	}
	return node
}

// LabelHash is keccak256 of a single label.
func LabelHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// Subnode hashes a parent node with a label hash.
func Subnode(node, label common.Hash) common.Hash {
	return crypto.Keccak256Hash(node.Bytes(), label.Bytes())
}
