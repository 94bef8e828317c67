package spv

import (
	"sync"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// proofState tracks which transactions have an in-flight proof request and
// which already have a confirmed merkle root. A txid is never in both maps:
// beginRequest refuses ids that are present in either, which is what makes
// dispatching at-most-once per transaction.
type proofState struct {
	mu        sync.Mutex
	requested map[chainhash.Hash]struct{}
	roots     map[chainhash.Hash]chainhash.Hash
}

func newProofState() *proofState {
	return &proofState{
		requested: map[chainhash.Hash]struct{}{},
		roots:     map[chainhash.Hash]chainhash.Hash{},
	}
}

// beginRequest marks txid as having an outstanding proof request. It returns
// false when the txid is already requested or already verified.
func (s *proofState) beginRequest(txid chainhash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requested[txid]; ok {
		return false
	}
	if _, ok := s.roots[txid]; ok {
		return false
	}
	s.requested[txid] = struct{}{}
	return true
}

func (s *proofState) has(txid chainhash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requested[txid]; ok {
		return true
	}
	_, ok := s.roots[txid]
	return ok
}

// release drops the in-flight marker without recording a result, so the
// transaction can be dispatched again on a later cycle.
func (s *proofState) release(txid chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requested, txid)
}

// markVerified records the confirmed root and clears the in-flight marker.
// The caller commits the wallet record immediately after.
func (s *proofState) markVerified(txid chainhash.Hash, root chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[txid] = root
	delete(s.requested, txid)
}

// forget removes every trace of txid. Used when a reorg invalidates its
// verification or the network reports it gone.
func (s *proofState) forget(txid chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requested, txid)
	delete(s.roots, txid)
}

func (s *proofState) upToDate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requested) == 0
}

func (s *proofState) counts() (requested, verified int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requested), len(s.roots)
}

func (s *proofState) root(txid chainhash.Hash) (chainhash.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.roots[txid]
	return root, ok
}
