package spv

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/shruggr/spv-verifier/headers"
)

// testTarget is the regtest difficulty ceiling as a big target.
var testTarget = new(big.Int).Lsh(big.NewInt(0x7fffff), 232)

func mineTestHeader(prev chainhash.Hash, root chainhash.Hash, salt uint32) *block.Header {
	h := &block.Header{
		Version:    1,
		PrevHash:   prev,
		MerkleRoot: root,
		Timestamp:  1600000000 + salt,
		Bits:       0x207fffff,
	}
	for {
		hash := h.Hash()
		var be [chainhash.HashSize]byte
		for i := range hash {
			be[chainhash.HashSize-1-i] = hash[i]
		}
		if new(big.Int).SetBytes(be[:]).Cmp(testTarget) <= 0 {
			return h
		}
		h.Nonce++
	}
}

// newTestHeaders builds a store anchored at anchorHeight and one header
// per root above it, so the header at anchorHeight+i+1 commits to roots[i].
func newTestHeaders(t *testing.T, anchorHeight, checkpoint uint32, roots []chainhash.Hash) (*headers.Store, []*block.Header) {
	var anchorPrev chainhash.Hash
	anchorPrev[0] = 0xaa
	anchor := mineTestHeader(anchorPrev, chainhash.Hash{}, 9999)
	s, err := headers.NewStore(headers.StoreConfig{
		Anchor:       anchor,
		AnchorHeight: anchorHeight,
		Checkpoint:   checkpoint,
	})
	require.NoError(t, err)

	prev := anchor.Hash()
	hdrs := make([]*block.Header, 0, len(roots))
	for i, root := range roots {
		h := mineTestHeader(prev, root, uint32(i))
		_, err := s.Connect(context.Background(), h)
		require.NoError(t, err)
		hdrs = append(hdrs, h)
		prev = h.Hash()
	}
	return s, hdrs
}

// buildMerkle computes the branch for the leaf at pos and the root of a
// block made of txids, duplicating the last node of odd levels.
func buildMerkle(txids []chainhash.Hash, pos int) ([]chainhash.Hash, chainhash.Hash) {
	level := append([]chainhash.Hash{}, txids...)
	branch := []chainhash.Hash{}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, level[pos^1])
		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = HashPair(level[i], level[i+1])
		}
		level = next
		pos /= 2
	}
	return branch, level[0]
}

func testTxids(n int) []chainhash.Hash {
	txids := make([]chainhash.Hash, n)
	for i := range txids {
		txids[i][0] = byte(i + 1)
		txids[i][1] = byte(i >> 8)
	}
	return txids
}

// mockWallet is an in-memory implementation of Wallet for testing.
type mockWallet struct {
	mu         sync.Mutex
	unverified map[chainhash.Hash]int32
	verified   map[chainhash.Hash]TxMinedInfo
	removed    map[chainhash.Hash]int32
	undone     []uint32
}

func newMockWallet() *mockWallet {
	return &mockWallet{
		unverified: map[chainhash.Hash]int32{},
		verified:   map[chainhash.Hash]TxMinedInfo{},
		removed:    map[chainhash.Hash]int32{},
	}
}

func (w *mockWallet) UnverifiedTxs(ctx context.Context) (map[chainhash.Hash]int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[chainhash.Hash]int32, len(w.unverified))
	for txid, height := range w.unverified {
		out[txid] = height
	}
	return out, nil
}

func (w *mockWallet) AddVerifiedTx(ctx context.Context, txid chainhash.Hash, info TxMinedInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.verified[txid] = info
	delete(w.unverified, txid)
	return nil
}

func (w *mockWallet) RemoveUnverifiedTx(ctx context.Context, txid chainhash.Hash, height int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed[txid] = height
	delete(w.unverified, txid)
	return nil
}

func (w *mockWallet) UndoVerifications(ctx context.Context, chain *headers.Chain, height uint32) ([]chainhash.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.undone = append(w.undone, height)
	var out []chainhash.Hash
	for txid, info := range w.verified {
		if info.Height <= height {
			continue
		}
		if hdr := chain.Header(info.Height); hdr != nil && hdr.Hash().IsEqual(&info.HeaderHash) {
			continue
		}
		delete(w.verified, txid)
		w.unverified[txid] = int32(info.Height)
		out = append(out, txid)
	}
	return out, nil
}

func (w *mockWallet) addUnverified(txid chainhash.Hash, height int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unverified[txid] = height
}

func (w *mockWallet) verifiedTx(txid chainhash.Hash) (TxMinedInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.verified[txid]
	return info, ok
}

func (w *mockWallet) removedHeight(txid chainhash.Hash) (int32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	height, ok := w.removed[txid]
	return height, ok
}

func (w *mockWallet) unverifiedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unverified)
}

func (w *mockWallet) undoHeights() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint32{}, w.undone...)
}

// mockSource is an in-memory implementation of ProofSource for testing.
type mockSource struct {
	mu         sync.Mutex
	proofs     map[chainhash.Hash]*MerkleProof
	missing    map[chainhash.Hash]bool
	proven     map[uint32]*block.Header
	proofCalls map[chainhash.Hash]int
	chunkCalls []uint32
}

func newMockSource() *mockSource {
	return &mockSource{
		proofs:     map[chainhash.Hash]*MerkleProof{},
		missing:    map[chainhash.Hash]bool{},
		proven:     map[uint32]*block.Header{},
		proofCalls: map[chainhash.Hash]int{},
	}
}

func (src *mockSource) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*MerkleProof, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.proofCalls[txid]++
	if src.missing[txid] {
		return nil, fmt.Errorf("merkle %s: %w", txid.String(), ErrNotFoundAtHeight)
	}
	proof, ok := src.proofs[txid]
	if !ok {
		return nil, errors.New("proof backend unavailable")
	}
	return proof, nil
}

func (src *mockSource) HeaderWithProof(ctx context.Context, height uint32) (*block.Header, bool, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	h := src.proven[height]
	return h, h != nil, nil
}

func (src *mockSource) HeaderChunk(ctx context.Context, height uint32, canReturnEarly bool) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.chunkCalls = append(src.chunkCalls, height)
	return nil
}

func (src *mockSource) setMissing(txid chainhash.Hash) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.missing[txid] = true
}

func (src *mockSource) calls(txid chainhash.Hash) int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.proofCalls[txid]
}

func (src *mockSource) chunkCount() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return len(src.chunkCalls)
}
