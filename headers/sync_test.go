package headers

import (
	"context"
	"sync"
	"testing"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a main chain by height and every header it has ever
// seen by hash, like a live node that keeps stale branches around.
type fakeSource struct {
	mu     sync.Mutex
	chain  []*block.Header // chain[i] is height i+1, rooted on genesis
	byHash map[chainhash.Hash]*block.Header
}

func newFakeSource(chain []*block.Header) *fakeSource {
	src := &fakeSource{byHash: map[chainhash.Hash]*block.Header{}}
	src.setChain(chain)
	return src
}

func (src *fakeSource) setChain(chain []*block.Header) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.chain = chain
	for _, h := range chain {
		src.byHash[h.Hash()] = h
	}
}

func (src *fakeSource) Tip(ctx context.Context) (*chaintracks.BlockHeader, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.chain) == 0 {
		return nil, nil
	}
	tip := src.chain[len(src.chain)-1]
	return &chaintracks.BlockHeader{
		Header: tip,
		Height: uint32(len(src.chain)),
		Hash:   tip.Hash(),
	}, nil
}

func (src *fakeSource) Headers(ctx context.Context, fromHeight uint32, limit int) ([]*block.Header, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if fromHeight < 1 || int(fromHeight) > len(src.chain) {
		return nil, nil
	}
	start := int(fromHeight) - 1
	end := start + limit
	if end > len(src.chain) {
		end = len(src.chain)
	}
	return src.chain[start:end], nil
}

func (src *fakeSource) HeaderByHash(ctx context.Context, hash chainhash.Hash) (*block.Header, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.byHash[hash], nil
}

func TestSyncCatchesUp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	src := newFakeSource(mineChain(Genesis().Hash(), 30, 1))

	require.NoError(t, s.syncOnce(ctx, src))
	assert.Equal(t, uint32(30), s.Best().Height())

	// nothing new, nothing to do
	require.NoError(t, s.syncOnce(ctx, src))
	assert.Equal(t, uint32(30), s.Best().Height())
}

func TestSyncFollowsShallowReorg(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	main := mineChain(Genesis().Hash(), 30, 1)
	src := newFakeSource(main)
	require.NoError(t, s.syncOnce(ctx, src))
	old := s.Best()

	// replace the top 3 blocks with a longer branch
	reorged := append([]*block.Header{}, main[:27]...)
	reorged = append(reorged, mineChain(main[26].Hash(), 5, 100)...)
	src.setChain(reorged)

	require.NoError(t, s.syncOnce(ctx, src))
	best := s.Best()
	assert.NotSame(t, old, best)
	assert.Equal(t, uint32(32), best.Height())
	assert.Equal(t, reorged[31].Hash(), best.TipHash())
	assert.Equal(t, uint32(27), best.CommonAncestorHeight(old))
}

func TestSyncBackfillsDeepReorg(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	main := mineChain(Genesis().Hash(), 30, 1)
	src := newFakeSource(main)
	require.NoError(t, s.syncOnce(ctx, src))
	old := s.Best()

	// diverge far below the catch-up margin
	reorged := append([]*block.Header{}, main[:10]...)
	reorged = append(reorged, mineChain(main[9].Hash(), 25, 200)...)
	src.setChain(reorged)

	require.NoError(t, s.syncOnce(ctx, src))
	best := s.Best()
	assert.NotSame(t, old, best)
	assert.Equal(t, uint32(35), best.Height())
	assert.Equal(t, reorged[34].Hash(), best.TipHash())
	assert.Equal(t, uint32(10), best.CommonAncestorHeight(old))
}

func TestStartSyncStopsWhenCancelled(t *testing.T) {
	s := newTestStore(t)
	src := newFakeSource(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.StartSync(ctx, src, 0), context.Canceled)
}
