package gateway

import (
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/shruggr/spv-verifier/spv"
)

// FlattenProof reduces a BUMP to the single-leaf form the verifier folds:
// the leaf position and one sibling per level. Duplicate markers resolve
// to the running hash at their level.
func FlattenProof(path *transaction.MerklePath, txid chainhash.Hash) (*spv.MerkleProof, error) {
	if len(path.Path) == 0 {
		return nil, fmt.Errorf("empty proof for %s", txid.String())
	}
	var leaf *transaction.PathElement
	for _, el := range path.Path[0] {
		if el.Hash != nil && el.Hash.IsEqual(&txid) {
			leaf = el
			break
		}
	}
	if leaf == nil {
		return nil, fmt.Errorf("tx %s not in proof", txid.String())
	}

	work := txid
	idx := leaf.Offset
	branch := make([]chainhash.Hash, 0, len(path.Path))
	for level, elements := range path.Path {
		if len(path.Path) == 1 && len(elements) == 1 {
			// single-tx block, the txid is the root
			break
		}
		var sibling *transaction.PathElement
		for _, el := range elements {
			if el.Offset == idx^1 {
				sibling = el
				break
			}
		}
		if sibling == nil {
			return nil, fmt.Errorf("proof for %s missing sibling at level %d", txid.String(), level)
		}
		var hash chainhash.Hash
		switch {
		case sibling.Duplicate != nil && *sibling.Duplicate:
			hash = work
		case sibling.Hash != nil:
			hash = *sibling.Hash
		default:
			return nil, fmt.Errorf("proof for %s has a bare sibling at level %d", txid.String(), level)
		}
		branch = append(branch, hash)
		if idx&1 == 0 {
			work = spv.HashPair(work, hash)
		} else {
			work = spv.HashPair(hash, work)
		}
		idx >>= 1
	}
	return &spv.MerkleProof{
		BlockHeight: path.BlockHeight,
		Pos:         leaf.Offset,
		Branch:      branch,
	}, nil
}
