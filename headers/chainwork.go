package headers

import (
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// compactToBig expands the compact difficulty encoding: the top byte is a
// base-256 exponent, the low three bytes the mantissa, bit 0x00800000 the
// sign.
func compactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}
	if compact&0x00800000 != 0 {
		bn = bn.Neg(bn)
	}
	return bn
}

// workForBits is 2^256 / (target + 1).
func workForBits(bits uint32) *big.Int {
	target := compactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	denominator := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denominator)
}

func addWork(cumulative *big.Int, bits uint32) *big.Int {
	return new(big.Int).Add(cumulative, workForBits(bits))
}

// hashToBig interprets a block hash as the 256-bit number compared against
// the difficulty target.
func hashToBig(hash chainhash.Hash) *big.Int {
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return new(big.Int).SetBytes(hash[:])
}

// checkProofOfWork verifies the header hashes below its claimed target.
func checkProofOfWork(h *block.Header) error {
	target := compactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(oneLsh256) >= 0 {
		return fmt.Errorf("%w: bad target bits %08x", ErrBadProofOfWork, h.Bits)
	}
	if hashToBig(h.Hash()).Cmp(target) > 0 {
		return fmt.Errorf("%w: %s", ErrBadProofOfWork, h.Hash().String())
	}
	return nil
}
