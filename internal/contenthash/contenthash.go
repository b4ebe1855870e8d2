// Package contenthash encodes and decodes ENS content-hash values for IPFS
// content (EIP-1577).
package contenthash

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
)

// ipfsNamespace is the varint-encoded ipfs-ns multicodec (0xe3).
var ipfsNamespace = []byte{0xe3, 0x01}

// ErrNotIPFS is returned for content hashes outside the ipfs namespace.
var ErrNotIPFS = errors.New("content hash is not an ipfs content hash")

// Encode returns the content hash for c. CIDv0 values are upgraded to
// CIDv1 dag-pb so the stored bytes are always version 1.
func Encode(c cid.Cid) []byte {
	if c.Version() == 0 {
		c = cid.NewCidV1(cid.DagProtobuf, c.Hash())
	}
	raw := c.Bytes()
	out := make([]byte, 0, len(ipfsNamespace)+len(raw))
	out = append(out, ipfsNamespace...)
	return append(out, raw...)
}

// Parse accepts an IPFS CID in text form, optionally prefixed by ipfs:// or
// /ipfs/, or an already encoded 0x hex content hash.
func Parse(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid content hash hex: %w", err)
		}
		if _, err := Decode(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	s = strings.TrimPrefix(s, "ipfs://")
	s = strings.TrimPrefix(s, "/ipfs/")
	c, err := cid.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cid %q: %w", s, err)
	}
	return Encode(c), nil
}

// Decode extracts the CID from an ipfs content hash.
func Decode(b []byte) (cid.Cid, error) {
	if !bytes.HasPrefix(b, ipfsNamespace) {
		return cid.Undef, ErrNotIPFS
	}
	c, err := cid.Cast(b[len(ipfsNamespace):])
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid cid in content hash: %w", err)
	}
	return c, nil
}

// Text renders a content hash as ipfs://<cid>. dag-pb sha2-256 content is
// shown in its base58 CIDv0 form, which is what gateways and pinning
// services usually print.
func Text(b []byte) (string, error) {
	c, err := Decode(b)
	if err != nil {
		return "", err
	}
	if h := c.Hash(); c.Type() == cid.DagProtobuf && isSHA256(h) {
		return "ipfs://" + base58.Encode(h), nil
	}
	return "ipfs://" + c.String(), nil
}

// isSHA256 reports whether h is a 32-byte sha2-256 multihash.
func isSHA256(h []byte) bool {
	return len(h) == 34 && h[0] == 0x12 && h[1] == 0x20
}
