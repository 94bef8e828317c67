package spv

import (
	"math/bits"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// ChunkLen is the number of headers in one difficulty retarget period, the
// unit in which whole header ranges are downloaded.
const ChunkLen = 2016

// IsChunkCheaper decides whether downloading the whole header chunk covering
// a missing header costs less bandwidth than fetching one individually proven
// header per pending transaction height in that retarget period.
//
// An individually proven header costs a checkpoint merkle branch plus root
// plus the bare header; the chunk costs 2016 bare headers plus one branch and
// root. The branch size is the worst case for a chain as long as the
// checkpointed region.
func IsChunkCheaper(txCountInPeriod int, maxCheckpointHeight uint32) bool {
	branchLen := chainhash.HashSize * ceilLog2(uint64(maxCheckpointHeight)+1)
	rootLen := chainhash.HashSize
	chunkCost := ChunkLen*block.HeaderSize + branchLen + rootLen
	individualCost := txCountInPeriod * (branchLen + rootLen + block.HeaderSize)
	return chunkCost < individualCost
}

func ceilLog2(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}
