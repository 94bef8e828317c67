package spv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyTxInBlock(t *testing.T) {
	txids := testTxids(4)
	branch, root := buildMerkle(txids, 2)
	header := &block.Header{MerkleRoot: root}

	require.NoError(t, VerifyTxInBlock(txids[2], branch, 2, header, 100))

	// the branch only proves the position it was built for
	assert.ErrorIs(t, VerifyTxInBlock(txids[2], branch, 1, header, 100), ErrRootMismatch)
	assert.ErrorIs(t, VerifyTxInBlock(txids[1], branch, 2, header, 100), ErrRootMismatch)

	tampered := append([]chainhash.Hash{}, branch...)
	tampered[0][0] ^= 1
	assert.ErrorIs(t, VerifyTxInBlock(txids[2], tampered, 2, header, 100), ErrRootMismatch)

	wrong := &block.Header{}
	assert.ErrorIs(t, VerifyTxInBlock(txids[2], branch, 2, wrong, 100), ErrRootMismatch)
}

func TestVerifyTxInBlockSingleTx(t *testing.T) {
	txids := testTxids(1)
	branch, root := buildMerkle(txids, 0)
	assert.Empty(t, branch)
	assert.Equal(t, txids[0], root)
	require.NoError(t, VerifyTxInBlock(txids[0], nil, 0, &block.Header{MerkleRoot: root}, 1))
}

func TestVerifyTxInBlockOddLevel(t *testing.T) {
	txids := testTxids(3)
	for pos := range txids {
		branch, root := buildMerkle(txids, pos)
		header := &block.Header{MerkleRoot: root}
		require.NoError(t, VerifyTxInBlock(txids[pos], branch, uint64(pos), header, 7))
	}
}

func TestVerifyTxInBlockMissingHeader(t *testing.T) {
	txids := testTxids(2)
	branch, _ := buildMerkle(txids, 0)
	err := VerifyTxInBlock(txids[0], branch, 0, nil, 42)
	assert.ErrorIs(t, err, ErrMissingHeader)

	// the header check comes before the length check
	long := make([]chainhash.Hash, MaxBranchLen+1)
	assert.ErrorIs(t, VerifyTxInBlock(txids[0], long, 0, nil, 42), ErrMissingHeader)
}

func TestVerifyTxInBlockBranchTooLong(t *testing.T) {
	txids := testTxids(2)
	header := &block.Header{}
	long := make([]chainhash.Hash, MaxBranchLen+1)
	assert.ErrorIs(t, VerifyTxInBlock(txids[0], long, 0, header, 42), ErrBranchTooLong)

	capped := make([]chainhash.Hash, MaxBranchLen)
	err := VerifyTxInBlock(txids[0], capped, 0, header, 42)
	assert.NotErrorIs(t, err, ErrBranchTooLong)
	assert.ErrorIs(t, err, ErrRootMismatch)
}

func TestHashPairOrderMatters(t *testing.T) {
	txids := testTxids(2)
	assert.NotEqual(t, HashPair(txids[0], txids[1]), HashPair(txids[1], txids[0]))
}

func TestIsMerkleVerificationError(t *testing.T) {
	assert.True(t, IsMerkleVerificationError(ErrMissingHeader))
	assert.True(t, IsMerkleVerificationError(ErrBranchTooLong))
	assert.True(t, IsMerkleVerificationError(fmt.Errorf("wrapped: %w", ErrRootMismatch)))
	assert.False(t, IsMerkleVerificationError(ErrNotFoundAtHeight))
	assert.False(t, IsMerkleVerificationError(errors.New("boom")))
}

func TestPeerViolationError(t *testing.T) {
	err := &PeerViolationError{Err: ErrRootMismatch}
	assert.ErrorIs(t, err, ErrRootMismatch)
	assert.Contains(t, err.Error(), "peer protocol violation")
}

func TestCeilLog2(t *testing.T) {
	cases := map[uint64]int{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 1024: 10, 1025: 11}
	for n, want := range cases {
		assert.Equal(t, want, ceilLog2(n), "n=%d", n)
	}
}

func TestIsChunkCheaper(t *testing.T) {
	// checkpoint 2^20-1 gives a 20-level branch: 640 byte branches,
	// 752 bytes per individual proof against a 161952 byte chunk
	cp := uint32(1<<20 - 1)
	assert.False(t, IsChunkCheaper(215, cp))
	assert.True(t, IsChunkCheaper(216, cp))

	assert.False(t, IsChunkCheaper(0, cp))
	assert.False(t, IsChunkCheaper(1, cp))

	// a zero checkpoint still prices the header itself
	assert.False(t, IsChunkCheaper(1440, 0))
	assert.True(t, IsChunkCheaper(1441, 0))
}

func TestCountPeriodHeights(t *testing.T) {
	txids := testTxids(6)
	unverified := map[chainhash.Hash]int32{
		txids[0]: 5,
		txids[1]: 2000,
		txids[2]: -3,
		txids[3]: 0,
		txids[4]: 2020,
		txids[5]: 5,
	}
	assert.Equal(t, 3, countPeriodHeights(unverified, 5))
	assert.Equal(t, 3, countPeriodHeights(unverified, 2000))
	assert.Equal(t, 1, countPeriodHeights(unverified, 2020))
}

func TestProofState(t *testing.T) {
	txids := testTxids(2)
	s := newProofState()
	assert.True(t, s.upToDate())

	require.True(t, s.beginRequest(txids[0]))
	assert.False(t, s.beginRequest(txids[0]))
	assert.True(t, s.has(txids[0]))
	assert.False(t, s.upToDate())

	requested, verified := s.counts()
	assert.Equal(t, 1, requested)
	assert.Zero(t, verified)

	var root chainhash.Hash
	root[0] = 0xbe
	s.markVerified(txids[0], root)
	assert.True(t, s.upToDate())
	assert.False(t, s.beginRequest(txids[0]))
	got, ok := s.root(txids[0])
	require.True(t, ok)
	assert.Equal(t, root, got)

	s.forget(txids[0])
	assert.False(t, s.has(txids[0]))
	assert.True(t, s.beginRequest(txids[0]))

	require.True(t, s.beginRequest(txids[1]))
	s.release(txids[1])
	assert.False(t, s.has(txids[1]))
	assert.True(t, s.beginRequest(txids[1]))
}
