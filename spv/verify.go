// Package spv proves transaction inclusion against a synced header chain.
// It watches the wallet's unverified transactions, fetches merkle proofs for
// them from a gateway, verifies each proof against the local chain, and
// commits verified records back to the wallet, undoing them when the chain
// reorganizes.
package spv

import (
	"fmt"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// MaxBranchLen bounds the accepted merkle branch depth. 30 siblings cover a
// tree of over a billion leaves, far beyond any real block.
const MaxBranchLen = 30

// MerkleProof is a transaction inclusion proof: the sibling hashes from the
// leaf up to the root, plus the leaf's position in the tree. Branch hashes
// marshal as display-order hex, same as txids.
type MerkleProof struct {
	BlockHeight uint32           `json:"blockHeight"`
	Pos         uint64           `json:"pos"`
	Branch      []chainhash.Hash `json:"branch"`
}

// TxMinedInfo is the record committed to the wallet once a transaction's
// proof has been verified against a header.
type TxMinedInfo struct {
	Height     uint32         `json:"height"`
	Timestamp  uint32         `json:"timestamp"`
	Pos        uint64         `json:"pos"`
	HeaderHash chainhash.Hash `json:"headerHash"`
}

// VerifyTxInBlock recomputes the merkle root from txid and branch and checks
// it against the header's recorded root. Each branch entry is combined with
// the running hash ordered by the corresponding bit of pos: an even bit puts
// the running hash first, an odd bit the sibling first.
//
// A nil header fails with ErrMissingHeader, a branch over MaxBranchLen with
// ErrBranchTooLong, and a root that does not match with ErrRootMismatch.
// Deterministic, no side effects, safe for concurrent use.
func VerifyTxInBlock(txid chainhash.Hash, branch []chainhash.Hash, pos uint64, header *block.Header, height uint32) error {
	if header == nil {
		return fmt.Errorf("%w at height %d for tx %s", ErrMissingHeader, height, txid)
	}
	if len(branch) > MaxBranchLen {
		return fmt.Errorf("%w: %d siblings for tx %s", ErrBranchTooLong, len(branch), txid)
	}
	root := txid
	idx := pos
	for _, sibling := range branch {
		if idx&1 == 0 {
			root = HashPair(root, sibling)
		} else {
			root = HashPair(sibling, root)
		}
		idx >>= 1
	}
	if !root.IsEqual(&header.MerkleRoot) {
		return fmt.Errorf("%w for tx %s at height %d", ErrRootMismatch, txid, height)
	}
	return nil
}

// HashPair is the merkle tree combinator: double SHA-256 over the
// concatenation of two nodes.
func HashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
