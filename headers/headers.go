// Package headers maintains the block header tree: every header the node
// has accepted, organized into branches competing on cumulative work.
// Consumers read through Chain handles and compare them across time to
// notice reorgs; the store itself never rewrites a branch, it only grows
// new ones.
package headers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

var (
	ErrUnknownParent  = errors.New("unknown previous header")
	ErrBadChunk       = errors.New("malformed header chunk")
	ErrBadProofOfWork = errors.New("insufficient proof of work")
	ErrChunkNotPinned = errors.New("header run below anchor has no trust pin")
)

var genesisMerkle, _ = chainhash.NewHashFromHex("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")

// Genesis returns the mainnet genesis header, the default anchor when no
// trusted checkpoint is configured.
func Genesis() *block.Header {
	return &block.Header{
		Version:    1,
		MerkleRoot: *genesisMerkle,
		Timestamp:  1231006505,
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}
}

// position locates a header inside the tree.
type position struct {
	chain  *Chain
	height uint32
}

// headerAt pairs a header with its height for cache write-through.
type headerAt struct {
	height uint32
	hdr    *block.Header
}

// tipUpdate is the cache and event work owed after a connect, applied
// outside the tree lock.
type tipUpdate struct {
	stored []headerAt
	tip    *chaintracks.BlockHeader
	reorg  *chaintracks.ReorgEvent
}

type StoreConfig struct {
	// Anchor is the trusted header the tree grows from. Required.
	Anchor *block.Header
	// AnchorHeight is the block height of Anchor.
	AnchorHeight uint32
	// AnchorWork is the cumulative chain work below Anchor. Zero if nil;
	// only relative work matters for branch selection.
	AnchorWork *big.Int
	// Checkpoint is the highest height covered by checkpoint inclusion
	// proofs. Headers at or above it arrive only through sync.
	Checkpoint uint32
	Cache      *Cache
	Logger     *slog.Logger
}

// Store is the header tree.
type Store struct {
	checkpoint   uint32
	anchorHeight uint32
	cache        *Cache
	logger       *slog.Logger

	gate   chan struct{}
	reorgs chan chaintracks.ReorgEvent

	mu     sync.RWMutex
	chains []*Chain
	best   *Chain
	byHash map[chainhash.Hash]position

	// headers below the anchor, shared by every branch. The region is
	// reorg-free; runs are admitted only when pinned from above.
	below       map[uint32]*block.Header
	belowByHash map[chainhash.Hash]uint32
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Anchor == nil {
		return nil, errors.New("anchor header required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := big.NewInt(0)
	if cfg.AnchorWork != nil {
		base = cfg.AnchorWork
	}
	s := &Store{
		checkpoint:   cfg.Checkpoint,
		anchorHeight: cfg.AnchorHeight,
		cache:        cfg.Cache,
		logger:       logger.With(slog.String("module", "headers")),
		gate:         make(chan struct{}, 1),
		reorgs:       make(chan chaintracks.ReorgEvent, 16),
		byHash:       map[chainhash.Hash]position{},
		below:        map[uint32]*block.Header{},
		belowByHash:  map[chainhash.Hash]uint32{},
	}
	root := &Chain{
		store:   s,
		start:   cfg.AnchorHeight,
		tipHash: cfg.Anchor.Hash(),
		hdrs:    []*block.Header{cfg.Anchor},
		works:   []*big.Int{addWork(base, cfg.Anchor.Bits)},
	}
	s.chains = []*Chain{root}
	s.best = root
	s.byHash[root.tipHash] = position{chain: root, height: cfg.AnchorHeight}
	return s, nil
}

// Best returns the branch with the most cumulative work. The returned
// handle stays valid forever; it keeps naming the same branch even after
// the best one changes.
func (s *Store) Best() *Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.best
}

// Checkpoint returns the highest height covered by checkpoint proofs.
func (s *Store) Checkpoint() uint32 {
	return s.checkpoint
}

// AnchorHeight returns the height of the trusted anchor the tree grows from.
func (s *Store) AnchorHeight() uint32 {
	return s.anchorHeight
}

// HasHeader reports whether hash is anywhere in the tree or the
// below-anchor region.
func (s *Store) HasHeader(hash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byHash[hash]; ok {
		return true
	}
	_, ok := s.belowByHash[hash]
	return ok
}

// Tip returns the best branch tip.
func (s *Store) Tip() *chaintracks.BlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipLocked()
}

// BlockHeader returns the header at height on the best branch, or nil.
func (s *Store) BlockHeader(height uint32) *chaintracks.BlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hdr := s.best.headerLocked(height)
	if hdr == nil {
		return nil
	}
	return &chaintracks.BlockHeader{
		Header:    hdr,
		Height:    height,
		Hash:      hdr.Hash(),
		ChainWork: s.best.workAtLocked(height),
	}
}

// BlockHeaderByHash locates a header by hash on any branch or in the
// below-anchor region, or nil.
func (s *Store) BlockHeaderByHash(hash chainhash.Hash) *chaintracks.BlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.byHash[hash]; ok {
		if hdr := pos.chain.headerLocked(pos.height); hdr != nil {
			return &chaintracks.BlockHeader{
				Header:    hdr,
				Height:    pos.height,
				Hash:      hash,
				ChainWork: pos.chain.workAtLocked(pos.height),
			}
		}
	}
	if height, ok := s.belowByHash[hash]; ok {
		if hdr := s.below[height]; hdr != nil {
			return &chaintracks.BlockHeader{Header: hdr, Height: height, Hash: hash}
		}
	}
	return nil
}

// IsValidRootForHeight reports whether root is the merkle root of the best
// branch header at height.
func (s *Store) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	hdr := s.Best().Header(height)
	if hdr == nil {
		return false, nil
	}
	return hdr.MerkleRoot.Equal(*root), nil
}

// Reorgs returns the stream of best-branch switches. Events are dropped if
// the consumer falls behind.
func (s *Store) Reorgs() <-chan chaintracks.ReorgEvent {
	return s.reorgs
}

func (s *Store) lockSync(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlockSync() {
	<-s.gate
}

// WaitSynced blocks while a header catch-up holds the sync gate, then
// returns. A header missing right after a proof arrives is usually still
// in flight; waiting here gives the tree a chance to settle.
func (s *Store) WaitSynced(ctx context.Context) error {
	if err := s.lockSync(ctx); err != nil {
		return err
	}
	s.unlockSync()
	return nil
}

// Connect attaches a header to the tree. A header whose parent is unknown
// fails with ErrUnknownParent; one that is already present is a no-op.
// Returns the branch the header lives on.
func (s *Store) Connect(ctx context.Context, h *block.Header) (*Chain, error) {
	s.mu.Lock()
	chain, upd, err := s.connectLocked(h)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.applyUpdate(ctx, upd)
	return chain, nil
}

// ConnectChunk attaches a run of raw 80-byte headers starting at height.
// Headers below the anchor go to the shared below-anchor region, which
// admits a run only when it is pinned from above: by pin (the expected
// hash of the run's last header, usually from a checkpoint-proven header),
// by adjacency to the anchor, or by adjacency to an already stored run.
// Headers at or above the anchor connect to the tree as usual. Headers
// already known are skipped. Returns the number newly stored.
func (s *Store) ConnectChunk(ctx context.Context, height uint32, raw []byte, pin *chainhash.Hash) (int, error) {
	if len(raw) == 0 || len(raw)%block.HeaderSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadChunk, len(raw))
	}
	hdrs := make([]*block.Header, 0, len(raw)/block.HeaderSize)
	for off := 0; off < len(raw); off += block.HeaderSize {
		h, err := block.NewHeaderFromBytes(raw[off : off+block.HeaderSize])
		if err != nil {
			return 0, fmt.Errorf("%w: header %d: %v", ErrBadChunk, off/block.HeaderSize, err)
		}
		hdrs = append(hdrs, h)
	}

	split := 0
	if height < s.anchorHeight {
		split = int(s.anchorHeight - height)
		if split > len(hdrs) {
			split = len(hdrs)
		}
	}

	merged := &tipUpdate{}
	connected := 0
	var err error
	s.mu.Lock()
	if split > 0 {
		n, stored, berr := s.connectBelowLocked(height, hdrs[:split], pin)
		connected += n
		merged.stored = append(merged.stored, stored...)
		err = berr
	}
	if err == nil {
		for i, h := range hdrs[split:] {
			_, upd, cerr := s.connectLocked(h)
			if cerr != nil {
				err = fmt.Errorf("header at height %d: %w", height+uint32(split+i), cerr)
				break
			}
			if upd == nil {
				continue
			}
			connected++
			merged.stored = append(merged.stored, upd.stored...)
			if upd.tip != nil {
				merged.tip = upd.tip
			}
			if upd.reorg != nil {
				merged.reorg = upd.reorg
			}
		}
	}
	s.mu.Unlock()
	s.applyUpdate(ctx, merged)
	return connected, err
}

// connectBelowLocked validates and stores a run of headers entirely below
// the anchor. Trust flows downward: the run is accepted only when its last
// header is pinned by pin, by the anchor's previous hash, or by the stored
// header just above it.
func (s *Store) connectBelowLocked(start uint32, hdrs []*block.Header, pin *chainhash.Hash) (int, []headerAt, error) {
	for i, h := range hdrs {
		if err := checkProofOfWork(h); err != nil {
			return 0, nil, fmt.Errorf("header at height %d: %w", start+uint32(i), err)
		}
		if i > 0 {
			prev := hdrs[i-1].Hash()
			if !h.PrevHash.Equal(prev) {
				return 0, nil, fmt.Errorf("%w: broken linkage at height %d", ErrBadChunk, start+uint32(i))
			}
		}
	}

	end := start + uint32(len(hdrs)) - 1
	last := hdrs[len(hdrs)-1].Hash()
	pinned := false
	switch {
	case pin != nil:
		pinned = pin.Equal(last)
	case end == s.anchorHeight-1:
		pinned = s.chains[0].hdrs[0].PrevHash.Equal(last)
	default:
		if next, ok := s.below[end+1]; ok {
			pinned = next.PrevHash.Equal(last)
		}
	}
	if !pinned {
		return 0, nil, fmt.Errorf("%w: heights %d-%d", ErrChunkNotPinned, start, end)
	}

	for i, h := range hdrs {
		if have, ok := s.below[start+uint32(i)]; ok && !have.Hash().Equal(h.Hash()) {
			return 0, nil, fmt.Errorf("%w: conflicting header at height %d", ErrBadChunk, start+uint32(i))
		}
	}
	connected := 0
	stored := make([]headerAt, 0, len(hdrs))
	for i, h := range hdrs {
		hh := start + uint32(i)
		if _, ok := s.below[hh]; ok {
			continue
		}
		s.below[hh] = h
		s.belowByHash[h.Hash()] = hh
		connected++
		stored = append(stored, headerAt{height: hh, hdr: h})
	}
	return connected, stored, nil
}

func (s *Store) connectLocked(h *block.Header) (*Chain, *tipUpdate, error) {
	hash := h.Hash()
	if pos, ok := s.byHash[hash]; ok {
		return pos.chain, nil, nil
	}
	prev, ok := s.byHash[h.PrevHash]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash.String())
	}
	if err := checkProofOfWork(h); err != nil {
		return nil, nil, err
	}
	height := prev.height + 1
	var chain *Chain
	if prev.chain.heightLocked() == prev.height {
		chain = prev.chain
		chain.hdrs = append(chain.hdrs, h)
		chain.works = append(chain.works, addWork(chain.workLocked(), h.Bits))
		chain.tipHash = hash
	} else {
		chain = &Chain{
			store:   s,
			parent:  prev.chain,
			start:   height,
			tipHash: hash,
			hdrs:    []*block.Header{h},
			works:   []*big.Int{addWork(prev.chain.workAtLocked(prev.height), h.Bits)},
		}
		s.chains = append(s.chains, chain)
		s.logger.Warn("new fork", slog.Any("height", height), slog.String("hash", hash.String()))
	}
	s.byHash[hash] = position{chain: chain, height: height}

	upd := &tipUpdate{stored: []headerAt{{height: height, hdr: h}}}
	s.evalBestLocked(chain, upd)
	return chain, upd, nil
}

func (s *Store) evalBestLocked(cand *Chain, upd *tipUpdate) {
	if cand == s.best {
		upd.tip = s.tipLocked()
		return
	}
	if cand.workLocked().Cmp(s.best.workLocked()) <= 0 {
		return
	}
	old := s.best
	s.best = cand
	ca := cand.commonAncestorHeightLocked(old)
	oldHeight := old.heightLocked()
	orphaned := make([]chainhash.Hash, 0, oldHeight-ca)
	for h := ca + 1; h <= oldHeight; h++ {
		orphaned = append(orphaned, old.headerLocked(h).Hash())
	}
	caHdr := cand.headerLocked(ca)
	upd.tip = s.tipLocked()
	upd.reorg = &chaintracks.ReorgEvent{
		OrphanedHashes: orphaned,
		CommonAncestor: &chaintracks.BlockHeader{
			Header:    caHdr,
			Height:    ca,
			Hash:      caHdr.Hash(),
			ChainWork: cand.workAtLocked(ca),
		},
		NewTip: upd.tip,
		Depth:  oldHeight - ca,
	}
}

func (s *Store) tipLocked() *chaintracks.BlockHeader {
	c := s.best
	return &chaintracks.BlockHeader{
		Header:    c.hdrs[len(c.hdrs)-1],
		Height:    c.heightLocked(),
		Hash:      c.tipHash,
		ChainWork: c.workLocked(),
	}
}

// applyUpdate performs the cache writes and event delivery owed by a
// connect. Cache failures are logged, not returned; the in-memory tree is
// authoritative and the cache only warms the next boot.
func (s *Store) applyUpdate(ctx context.Context, upd *tipUpdate) {
	if upd == nil {
		return
	}
	if upd.reorg != nil {
		s.logger.Warn("chain reorg",
			slog.Any("depth", upd.reorg.Depth),
			slog.Any("ancestor", upd.reorg.CommonAncestor.Height),
			slog.String("tip", upd.reorg.NewTip.Hash.String()))
		select {
		case s.reorgs <- *upd.reorg:
		default:
			s.logger.Warn("reorg event dropped")
		}
	}
	if s.cache == nil {
		return
	}
	if len(upd.stored) > 0 {
		if err := s.cache.storeHeaders(ctx, upd.stored); err != nil {
			s.logger.Error("failed to cache headers", slog.String("err", err.Error()))
			return
		}
	}
	if upd.tip != nil {
		if err := s.cache.storeTip(ctx, upd.tip); err != nil {
			s.logger.Error("failed to cache chaintip", slog.String("err", err.Error()))
		}
	}
}
