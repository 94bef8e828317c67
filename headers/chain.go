package headers

import (
	"math/big"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// Chain is one branch of the header tree. A handle keeps identifying the
// same branch as headers arrive, so callers that hold one across time can
// detect a best-chain switch by comparing handles. Methods are safe for
// concurrent use.
type Chain struct {
	store   *Store
	parent  *Chain
	start   uint32
	tipHash chainhash.Hash
	hdrs    []*block.Header
	works   []*big.Int
}

// Height returns the height of the branch tip.
func (c *Chain) Height() uint32 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.heightLocked()
}

// TipHash returns the hash of the branch tip.
func (c *Chain) TipHash() chainhash.Hash {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.tipHash
}

// Header returns the header at height on this branch, or nil if the branch
// does not contain that height.
func (c *Chain) Header(height uint32) *block.Header {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.headerLocked(height)
}

// Work returns the cumulative chain work at the branch tip.
func (c *Chain) Work() *big.Int {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return new(big.Int).Set(c.workLocked())
}

// CommonAncestorHeight returns the height of the last block this branch
// shares with other.
func (c *Chain) CommonAncestorHeight(other *Chain) uint32 {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.commonAncestorHeightLocked(other)
}

func (c *Chain) heightLocked() uint32 {
	return c.start + uint32(len(c.hdrs)) - 1
}

func (c *Chain) workLocked() *big.Int {
	return c.works[len(c.works)-1]
}

// headerLocked walks down the lineage to the segment owning height. A
// height past a segment's tip is not on this branch even if an ancestor
// segment extends further. Heights below the anchor resolve through the
// shared below-anchor region.
func (c *Chain) headerLocked(height uint32) *block.Header {
	for n := c; n != nil; n = n.parent {
		if height >= n.start {
			if i := height - n.start; int(i) < len(n.hdrs) {
				return n.hdrs[i]
			}
			return nil
		}
	}
	return c.store.below[height]
}

func (c *Chain) workAtLocked(height uint32) *big.Int {
	for n := c; n != nil; n = n.parent {
		if height >= n.start {
			if i := height - n.start; int(i) < len(n.works) {
				return n.works[i]
			}
			return nil
		}
	}
	return nil
}

func (c *Chain) commonAncestorHeightLocked(other *Chain) uint32 {
	if other == c {
		return c.heightLocked()
	}
	if other == nil {
		return c.store.anchorHeight
	}
	// children maps each chain in c's lineage to the segment above it on
	// the way to c (nil for c itself)
	children := map[*Chain]*Chain{}
	var child *Chain
	for n := c; n != nil; n = n.parent {
		children[n] = child
		child = n
	}
	child = nil
	for n := other; n != nil; n = n.parent {
		cChild, ok := children[n]
		if !ok {
			child = n
			continue
		}
		bound := n.heightLocked()
		if cChild != nil && cChild.start-1 < bound {
			bound = cChild.start - 1
		}
		if child != nil && child.start-1 < bound {
			bound = child.start - 1
		}
		return bound
	}
	return c.store.anchorHeight
}
