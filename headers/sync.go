package headers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

const (
	SyncPageSize = 10000

	// reorgMargin re-requests this many headers below the local tip each
	// catch-up, so shallow reorgs resolve without a walk-back.
	reorgMargin = 6

	// maxBackfill bounds the by-hash walk-back when the remote chain
	// diverges deeper than the margin.
	maxBackfill = 1000

	DefaultSyncInterval = 15 * time.Second
)

// Source serves headers for the sync loop.
type Source interface {
	Tip(ctx context.Context) (*chaintracks.BlockHeader, error)
	// Headers returns up to limit headers on the source's main chain
	// starting at fromHeight.
	Headers(ctx context.Context, fromHeight uint32, limit int) ([]*block.Header, error)
	// HeaderByHash returns one header, or nil if the source does not know
	// it.
	HeaderByHash(ctx context.Context, hash chainhash.Hash) (*block.Header, error)
}

// StartSync polls src for new headers until ctx is cancelled. The sync
// gate is held while the tree catches up, so verification that races
// header arrival can wait for a consistent view.
func (s *Store) StartSync(ctx context.Context, src Source, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	for {
		if err := s.syncOnce(ctx, src); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("header sync failed", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *Store) syncOnce(ctx context.Context, src Source) error {
	tip, err := src.Tip(ctx)
	if err != nil {
		return fmt.Errorf("fetch chaintip: %w", err)
	}
	if tip == nil || s.HasHeader(tip.Hash) {
		return nil
	}
	if err := s.lockSync(ctx); err != nil {
		return err
	}
	defer s.unlockSync()

	for {
		prevTip := s.Best().TipHash()
		from := s.Best().Height() + 1
		if from > s.anchorHeight+reorgMargin {
			from -= reorgMargin
		} else {
			from = s.anchorHeight + 1
		}
		page, err := src.Headers(ctx, from, SyncPageSize)
		if err != nil {
			return fmt.Errorf("fetch headers from %d: %w", from, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, h := range page {
			if _, err := s.Connect(ctx, h); err != nil {
				if errors.Is(err, ErrUnknownParent) {
					if err := s.backfill(ctx, src, h); err != nil {
						return err
					}
					continue
				}
				return err
			}
		}
		s.logger.Info("headers synced",
			slog.Any("height", s.Best().Height()), slog.Any("of", tip.Height))
		if len(page) < SyncPageSize || s.Best().TipHash() == prevTip {
			return nil
		}
	}
}

// backfill recovers from a header whose parent is unknown by walking the
// source's chain backwards until it reattaches to the tree, then
// connecting the run in order.
func (s *Store) backfill(ctx context.Context, src Source, h *block.Header) error {
	pending := []*block.Header{h}
	cursor := h.PrevHash
	for !s.HasHeader(cursor) {
		if len(pending) >= maxBackfill {
			return fmt.Errorf("%w: no common ancestor within %d headers of %s",
				ErrUnknownParent, maxBackfill, h.Hash().String())
		}
		ph, err := src.HeaderByHash(ctx, cursor)
		if err != nil {
			return fmt.Errorf("fetch header %s: %w", cursor.String(), err)
		}
		if ph == nil {
			return fmt.Errorf("%w: %s", ErrUnknownParent, cursor.String())
		}
		pending = append(pending, ph)
		cursor = ph.PrevHash
	}
	s.logger.Warn("backfilling fork", slog.Int("count", len(pending)))
	for i := len(pending) - 1; i >= 0; i-- {
		if _, err := s.Connect(ctx, pending[i]); err != nil {
			return err
		}
	}
	return nil
}
