package headers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/b-open-io/overlay/pubsub"
	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderHeightKey = "hdr:height"
	HeadersKey      = "hdr:headers"
	ChaintipKey     = "hdr:tip"
)

const cachePageSize = 10000

// Cache is a redis mirror of the header tree. The store writes through to
// it on every connect so a restart can rebuild the tree without refetching
// the whole chain, and other services can follow the tip over pubsub.
type Cache struct {
	DB     *redis.Client
	PubSub pubsub.PubSub
}

func NewCache(db *redis.Client, ps pubsub.PubSub) *Cache {
	return &Cache{DB: db, PubSub: ps}
}

// Chaintip returns the cached best tip, or nil if none has been stored.
func (c *Cache) Chaintip(ctx context.Context) (*chaintracks.BlockHeader, error) {
	tip := &chaintracks.BlockHeader{}
	if data, err := c.DB.Get(ctx, ChaintipKey).Bytes(); err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	} else if err = json.Unmarshal(data, tip); err != nil {
		return nil, err
	}
	return tip, nil
}

// HeaderByHash returns a cached header, or nil if unknown.
func (c *Cache) HeaderByHash(ctx context.Context, hash string) (*block.Header, error) {
	if data, err := c.DB.HGet(ctx, HeadersKey, hash).Result(); err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	} else {
		return block.NewHeaderFromHex(data)
	}
}

// Headers returns cached headers with heights in [from, from+count), in
// height order. Fork headers at a height are returned alongside the main
// one.
func (c *Cache) Headers(ctx context.Context, from uint32, count int64) ([]*block.Header, error) {
	min := strconv.FormatUint(uint64(from), 10)
	hashes, err := c.DB.ZRangeByScore(ctx, HeaderHeightKey, &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: count,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	raws, err := c.DB.HMGet(ctx, HeadersKey, hashes...).Result()
	if err != nil {
		return nil, err
	}
	hdrs := make([]*block.Header, 0, len(raws))
	for i, raw := range raws {
		hexStr, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("missing cached header %s", hashes[i])
		}
		h, err := block.NewHeaderFromHex(hexStr)
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, h)
	}
	return hdrs, nil
}

func (c *Cache) storeHeaders(ctx context.Context, hdrs []headerAt) error {
	_, err := c.DB.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ha := range hdrs {
			hash := ha.hdr.Hash().String()
			if err := pipe.HSet(ctx, HeadersKey, hash, ha.hdr.Hex()).Err(); err != nil {
				return err
			} else if err := pipe.ZAdd(ctx, HeaderHeightKey, redis.Z{
				Score:  float64(ha.height),
				Member: hash,
			}).Err(); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (c *Cache) storeTip(ctx context.Context, tip *chaintracks.BlockHeader) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return err
	}
	if err := c.DB.Set(ctx, ChaintipKey, data, 0).Err(); err != nil {
		return err
	}
	if c.PubSub != nil {
		return c.PubSub.Publish(ctx, ChaintipKey, string(data))
	}
	return nil
}

// LoadCache replays cached headers into the tree. Call once at boot,
// before the sync loop starts. Cached headers that no longer attach are
// skipped.
func (s *Store) LoadCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	loaded := 0
	min := strconv.FormatUint(uint64(s.anchorHeight+1), 10)
	for {
		entries, err := s.cache.DB.ZRangeByScoreWithScores(ctx, HeaderHeightKey, &redis.ZRangeBy{
			Min:   min,
			Max:   "+inf",
			Count: cachePageSize,
		}).Result()
		if err != nil {
			return loaded, err
		}
		if len(entries) == 0 {
			break
		}
		hashes := make([]string, 0, len(entries))
		for _, entry := range entries {
			hashes = append(hashes, entry.Member.(string))
		}
		raws, err := s.cache.DB.HMGet(ctx, HeadersKey, hashes...).Result()
		if err != nil {
			return loaded, err
		}
		s.mu.Lock()
		for _, raw := range raws {
			hexStr, ok := raw.(string)
			if !ok {
				continue
			}
			h, err := block.NewHeaderFromHex(hexStr)
			if err != nil {
				continue
			}
			if _, upd, err := s.connectLocked(h); err == nil && upd != nil {
				loaded++
			}
		}
		s.mu.Unlock()
		if len(entries) < cachePageSize {
			break
		}
		min = "(" + strconv.FormatFloat(entries[len(entries)-1].Score, 'f', -1, 64)
	}
	s.logger.Info("headers loaded from cache",
		slog.Int("count", loaded), slog.Any("height", s.Best().Height()))
	return loaded, nil
}
