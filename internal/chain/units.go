package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var etherInWei = new(big.Int).SetUint64(params.Ether)

// ParseEther converts a decimal ether amount such as "0.0001" to wei.
// Fractions below one wei are truncated.
func ParseEther(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid ether amount %q", amount)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative ether amount %q", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(etherInWei))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// FormatEther renders wei as ether with the given number of decimals.
func FormatEther(wei *big.Int, decimals int) string {
	if wei == nil {
		wei = new(big.Int)
	}
	return new(big.Rat).SetFrac(wei, etherInWei).FloatString(decimals)
}
