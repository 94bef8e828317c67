// Package wallet tracks the verification state of watched transactions:
// which ones still need a merkle proof and which ones are proven, with
// enough header context to survive reorgs.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/b-open-io/overlay/pubsub"
	"github.com/b-open-io/overlay/queue"
	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/shruggr/spv-verifier/headers"
	"github.com/shruggr/spv-verifier/spv"
)

const UnverifiedKey = "wal:unverified"
const VerifiedKey = "wal:verified"
const VerifiedLogKey = "wal:verified:log"
const ProgressKey = "wal:progress"

const VerifiedTopic = "tx:verified"
const ReorgedTopic = "tx:reorged"

type Store struct {
	Queue  queue.QueueStorage
	PubSub pubsub.PubSub
}

func NewStore(q queue.QueueStorage, ps pubsub.PubSub) *Store {
	return &Store{Queue: q, PubSub: ps}
}

var _ spv.Wallet = (*Store)(nil)

type storedTx struct {
	Height     uint32 `json:"height"`
	Timestamp  uint32 `json:"time"`
	Pos        uint64 `json:"idx"`
	HeaderHash string `json:"headerHash"`
}

// AddUnverifiedTx records a tx seen at height, pending verification.
// Heights at or below zero mean mempool. A tx already verified is left
// alone unless the new sighting says it went back to the mempool.
func (s *Store) AddUnverifiedTx(ctx context.Context, txid chainhash.Hash, height int32) error {
	id := txid.String()
	if info, err := s.TxInfo(ctx, txid); err != nil {
		return err
	} else if info != nil {
		if height > 0 {
			return nil
		}
		if err := s.removeVerified(ctx, id); err != nil {
			return err
		}
	}
	return s.Queue.ZAdd(ctx, UnverifiedKey, queue.ScoredMember{Member: id, Score: float64(height)})
}

// UnverifiedTxs returns every tx awaiting verification with the height it
// was last seen at.
func (s *Store) UnverifiedTxs(ctx context.Context) (map[chainhash.Hash]int32, error) {
	members, err := s.Queue.ZRange(ctx, UnverifiedKey, queue.ScoreRange{})
	if err != nil {
		return nil, err
	}
	txs := make(map[chainhash.Hash]int32, len(members))
	for _, m := range members {
		txid, err := chainhash.NewHashFromHex(m.Member)
		if err != nil {
			return nil, fmt.Errorf("bad txid %s: %w", m.Member, err)
		}
		txs[*txid] = int32(m.Score)
	}
	return txs, nil
}

// UnverifiedHeight returns the height a pending tx was last seen at, and
// whether the tx is pending at all.
func (s *Store) UnverifiedHeight(ctx context.Context, txid chainhash.Hash) (int32, bool, error) {
	score, err := s.Queue.ZScore(ctx, UnverifiedKey, txid.String())
	if err != nil {
		if err.Error() == "redis: nil" {
			return 0, false, nil
		}
		return 0, false, err
	}
	return int32(score), true, nil
}

// RemoveUnverifiedTx drops a tx from the unverified set, but only while it
// is still recorded at height. A sighting at some newer height since the
// failed proof request wins.
func (s *Store) RemoveUnverifiedTx(ctx context.Context, txid chainhash.Hash, height int32) error {
	recorded, ok, err := s.UnverifiedHeight(ctx, txid)
	if err != nil {
		return err
	}
	if !ok || recorded != height {
		return nil
	}
	return s.Queue.ZRem(ctx, UnverifiedKey, txid.String())
}

// AddVerifiedTx commits a verified tx with its mined context and announces
// it on the verified topic.
func (s *Store) AddVerifiedTx(ctx context.Context, txid chainhash.Hash, info spv.TxMinedInfo) error {
	id := txid.String()
	data, err := json.Marshal(storedTx{
		Height:     info.Height,
		Timestamp:  info.Timestamp,
		Pos:        info.Pos,
		HeaderHash: info.HeaderHash.String(),
	})
	if err != nil {
		return err
	}
	if err := s.Queue.HSet(ctx, VerifiedKey, id, string(data)); err != nil {
		return err
	}
	if err := s.Queue.ZAdd(ctx, VerifiedLogKey, queue.ScoredMember{Member: id, Score: float64(info.Height)}); err != nil {
		return err
	}
	if err := s.Queue.ZRem(ctx, UnverifiedKey, id); err != nil {
		return err
	}
	if s.PubSub != nil {
		s.PubSub.Publish(ctx, VerifiedTopic, id, float64(info.Height))
	}
	return nil
}

// TxInfo returns the mined context of a verified tx, nil when the tx is
// not verified.
func (s *Store) TxInfo(ctx context.Context, txid chainhash.Hash) (*spv.TxMinedInfo, error) {
	value, err := s.Queue.HGet(ctx, VerifiedKey, txid.String())
	if err != nil && err.Error() != "redis: nil" {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var stored storedTx
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromHex(stored.HeaderHash)
	if err != nil {
		return nil, err
	}
	return &spv.TxMinedInfo{
		Height:     stored.Height,
		Timestamp:  stored.Timestamp,
		Pos:        stored.Pos,
		HeaderHash: *hash,
	}, nil
}

// UndoVerifications drops verification records above height that chain no
// longer backs. A record whose header still matches the branch is kept.
// Dropped txs go back to the unverified set and are announced on the
// reorged topic. Returns the txids needing re-verification.
func (s *Store) UndoVerifications(ctx context.Context, chain *headers.Chain, height uint32) ([]chainhash.Hash, error) {
	min := float64(height)
	members, err := s.Queue.ZRange(ctx, VerifiedLogKey, queue.ScoreRange{Min: &min, MinExclusive: true})
	if err != nil {
		return nil, err
	}
	var undone []chainhash.Hash
	for _, m := range members {
		txid, err := chainhash.NewHashFromHex(m.Member)
		if err != nil {
			return nil, fmt.Errorf("bad txid %s: %w", m.Member, err)
		}
		info, err := s.TxInfo(ctx, *txid)
		if err != nil {
			return nil, err
		}
		if info == nil {
			// dangling log entry
			if err := s.removeVerified(ctx, m.Member); err != nil {
				return nil, err
			}
			continue
		}
		if hdr := chain.Header(info.Height); hdr != nil {
			if hash := hdr.Hash(); hash.Equal(info.HeaderHash) {
				continue
			}
		}
		if err := s.removeVerified(ctx, m.Member); err != nil {
			return nil, err
		}
		if err := s.Queue.ZAdd(ctx, UnverifiedKey, queue.ScoredMember{Member: m.Member, Score: float64(info.Height)}); err != nil {
			return nil, err
		}
		if s.PubSub != nil {
			s.PubSub.Publish(ctx, ReorgedTopic, m.Member, float64(info.Height))
		}
		undone = append(undone, *txid)
	}
	return undone, nil
}

// VerifiedSince returns verified txids at or above the from height score,
// for event catch-up reads.
func (s *Store) VerifiedSince(ctx context.Context, from float64) ([]queue.ScoredMember, error) {
	return s.Queue.ZRange(ctx, VerifiedLogKey, queue.ScoreRange{Min: &from})
}

// RemoveTx forgets a tx entirely, verified or not.
func (s *Store) RemoveTx(ctx context.Context, txid chainhash.Hash) error {
	id := txid.String()
	if err := s.Queue.ZRem(ctx, UnverifiedKey, id); err != nil {
		return err
	}
	return s.removeVerified(ctx, id)
}

// LogProgress records the subscription's high-water block for tag.
func (s *Store) LogProgress(ctx context.Context, tag string, height float64) error {
	return s.Queue.ZAdd(ctx, ProgressKey, queue.ScoredMember{Member: tag, Score: height})
}

// Progress returns the recorded high-water block for tag, zero when none.
func (s *Store) Progress(ctx context.Context, tag string) (float64, error) {
	score, err := s.Queue.ZScore(ctx, ProgressKey, tag)
	if err != nil {
		if err.Error() == "redis: nil" {
			return 0, nil
		}
		return 0, err
	}
	return score, nil
}

// Counts reports how many txs are unverified and verified.
func (s *Store) Counts(ctx context.Context) (unverified int64, verified int64, err error) {
	if unverified, err = s.Queue.ZCard(ctx, UnverifiedKey); err != nil {
		return
	}
	verified, err = s.Queue.ZCard(ctx, VerifiedLogKey)
	return
}

func (s *Store) removeVerified(ctx context.Context, id string) error {
	if err := s.Queue.HDel(ctx, VerifiedKey, id); err != nil {
		return err
	}
	return s.Queue.ZRem(ctx, VerifiedLogKey, id)
}
