// Package gateway is the HTTP client for a remote SPV gateway: merkle
// proofs, checkpoint-proven headers, header chunks, and the header feed
// the sync loop follows.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/redis/go-redis/v9"

	"github.com/shruggr/spv-verifier/headers"
	"github.com/shruggr/spv-verifier/lib"
	"github.com/shruggr/spv-verifier/spv"
)

var ErrNotFound = errors.New("not found")

func ProofKey(txid string) string {
	return "prf:" + txid
}

func ChunkKey(start uint32) string {
	return fmt.Sprintf("chunk:%d", start)
}

func HeaderProofKey(height uint32) string {
	return fmt.Sprintf("hdrprf:%d", height)
}

// HeaderProof is the wire form of a checkpoint-proven header: the raw
// header plus the branch from its hash to the checkpoint root.
type HeaderProof struct {
	Header string   `json:"header"`
	Branch []string `json:"branch"`
	Root   string   `json:"root"`
}

type Config struct {
	// Url is the gateway base URL.
	Url string
	// CheckpointRoot is the trusted merkle root over block hashes up to the
	// header store's checkpoint height. Without it headers from proof
	// responses are returned unproven.
	CheckpointRoot *chainhash.Hash
	// Headers receives connected chunks and supplies tip context for cache
	// expiry. Required.
	Headers *headers.Store
	// Cache is optional; proofs and chunks are cached when present.
	Cache  *redis.Client
	Logger *slog.Logger
}

// Client talks to the gateway. Identical concurrent requests are collapsed
// onto a single HTTP round trip.
type Client struct {
	url     string
	cpRoot  *chainhash.Hash
	headers *headers.Store
	cache   *redis.Client
	logger  *slog.Logger
	http    *http.Client

	inflightM sync.Mutex
	inflight  map[string]*inFlight
}

type inFlight struct {
	result []byte
	err    error
	wg     sync.WaitGroup
}

var _ spv.ProofSource = (*Client)(nil)
var _ headers.Source = (*Client)(nil)

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      strings.TrimSuffix(cfg.Url, "/"),
		cpRoot:   cfg.CheckpointRoot,
		headers:  cfg.Headers,
		cache:    cfg.Cache,
		logger:   logger.With(slog.String("module", "gateway")),
		http:     &http.Client{Timeout: 30 * time.Second},
		inflight: map[string]*inFlight{},
	}
}

// MerkleProof fetches the proof for txid, expected at height. The gateway
// answering 404 means the tx is not mined at that height, reported as
// spv.ErrNotFoundAtHeight. A cached proof claiming a different height than
// requested is discarded and refetched; it usually predates a reorg.
func (c *Client) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	key := ProofKey(txid.String())
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key).Bytes(); err == nil {
			if proof, err := c.parseProof(cached, txid); err == nil && proof.BlockHeight == height {
				return proof, nil
			}
			c.cache.Del(ctx, key)
		}
	}

	url := fmt.Sprintf("%s/v1/tx/%s/proof?height=%d", c.url, txid.String(), height)
	raw, err := c.fetch(ctx, url)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("no proof for %s at height %d: %w", txid.String(), height, spv.ErrNotFoundAtHeight)
		}
		return nil, err
	}
	proof, err := c.parseProof(raw, txid)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		ttl := time.Hour
		if proof.BlockHeight < c.headers.Best().Height() {
			ttl = 0
		}
		if err := c.cache.Set(ctx, key, raw, ttl).Err(); err != nil {
			c.logger.Error("failed to cache proof", slog.String("txid", txid.String()), slog.String("err", err.Error()))
		}
	}
	return proof, nil
}

func (c *Client) parseProof(raw []byte, txid chainhash.Hash) (*spv.MerkleProof, error) {
	path, err := transaction.NewMerklePathFromBinary(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proof for %s: %w", txid.String(), err)
	}
	return FlattenProof(path, txid)
}

// HeaderWithProof fetches the header at height together with its branch to
// the checkpoint root, and reports whether the branch checks out against
// the configured root. 404 means the gateway has no proof for that height.
func (c *Client) HeaderWithProof(ctx context.Context, height uint32) (*block.Header, bool, error) {
	key := HeaderProofKey(height)
	var raw []byte
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key).Bytes(); err == nil {
			raw = cached
		}
	}
	if raw == nil {
		url := fmt.Sprintf("%s/v1/block/%d/proof?cp=%d", c.url, height, c.headers.Checkpoint())
		var err error
		if raw, err = c.fetch(ctx, url); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, key, raw, 0).Err(); err != nil {
				c.logger.Error("failed to cache header proof", slog.Any("height", height), slog.String("err", err.Error()))
			}
		}
	}

	var hp HeaderProof
	if err := json.Unmarshal(raw, &hp); err != nil {
		return nil, false, fmt.Errorf("parse header proof at %d: %w", height, err)
	}
	hdr, err := block.NewHeaderFromHex(hp.Header)
	if err != nil {
		return nil, false, fmt.Errorf("parse header at %d: %w", height, err)
	}
	if c.cpRoot == nil {
		return hdr, false, nil
	}

	work := hdr.Hash()
	pos := uint64(height)
	for _, node := range hp.Branch {
		sibling, err := chainhash.NewHashFromHex(node)
		if err != nil {
			return nil, false, fmt.Errorf("parse header proof at %d: %w", height, err)
		}
		if pos&1 == 0 {
			work = spv.HashPair(work, *sibling)
		} else {
			work = spv.HashPair(*sibling, work)
		}
		pos >>= 1
	}
	if !work.Equal(*c.cpRoot) {
		return nil, false, fmt.Errorf("header proof at %d: %w against checkpoint", height, spv.ErrRootMismatch)
	}
	return hdr, true, nil
}

// HeaderChunk downloads the difficulty period containing height and
// connects it to the header store. With canReturnEarly set the call
// returns immediately when the same chunk is already being fetched. Runs
// entirely below the store anchor are pinned with a checkpoint-proven
// header before connecting.
func (c *Client) HeaderChunk(ctx context.Context, height uint32, canReturnEarly bool) error {
	start := height - height%spv.ChunkLen
	url := fmt.Sprintf("%s/v1/block/chunk/%d", c.url, start)
	if canReturnEarly && c.busy(url) {
		return nil
	}

	key := ChunkKey(start)
	var raw []byte
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key).Bytes(); err == nil {
			raw = cached
		}
	}
	if raw == nil {
		var err error
		if raw, err = c.fetch(ctx, url); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("no chunk at height %d: %w", start, err)
			}
			return err
		}
		if c.cache != nil && len(raw) == spv.ChunkLen*block.HeaderSize {
			if err := c.cache.Set(ctx, key, raw, 0).Err(); err != nil {
				c.logger.Error("failed to cache chunk", slog.Any("height", start), slog.String("err", err.Error()))
			}
		}
	}

	if len(raw) == 0 || len(raw)%block.HeaderSize != 0 {
		return fmt.Errorf("%w: %d bytes", headers.ErrBadChunk, len(raw))
	}
	var pin *chainhash.Hash
	end := start + uint32(len(raw)/block.HeaderSize) - 1
	if end < c.headers.AnchorHeight() {
		hdr, proven, err := c.HeaderWithProof(ctx, end)
		if err != nil {
			return err
		}
		if proven {
			hash := hdr.Hash()
			pin = &hash
		}
	}
	connected, err := c.headers.ConnectChunk(ctx, start, raw, pin)
	if err != nil {
		return fmt.Errorf("chunk at height %d: %w", start, err)
	}
	c.logger.Info("chunk connected", slog.Any("height", start), slog.Int("count", connected))
	return nil
}

// Tip fetches the gateway's current chaintip.
func (c *Client) Tip(ctx context.Context) (*chaintracks.BlockHeader, error) {
	raw, err := c.fetch(ctx, fmt.Sprintf("%s/v1/block/tip", c.url))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	tip := &chaintracks.BlockHeader{}
	if err := json.Unmarshal(raw, tip); err != nil {
		return nil, err
	}
	return tip, nil
}

// Headers fetches up to limit headers starting at fromHeight, in ascending
// height order.
func (c *Client) Headers(ctx context.Context, fromHeight uint32, limit int) ([]*block.Header, error) {
	raw, err := c.fetch(ctx, fmt.Sprintf("%s/v1/block/list/%d?limit=%d", c.url, fromHeight, limit))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var page []*chaintracks.BlockHeader
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, err
	}
	hdrs := make([]*block.Header, 0, len(page))
	for _, bh := range page {
		hdrs = append(hdrs, bh.Header)
	}
	return hdrs, nil
}

// HeaderByHash fetches one header by hash, nil when the gateway does not
// know it.
func (c *Client) HeaderByHash(ctx context.Context, hash chainhash.Hash) (*block.Header, error) {
	raw, err := c.fetch(ctx, fmt.Sprintf("%s/v1/block/hash/%s", c.url, hash.String()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	bh := &chaintracks.BlockHeader{}
	if err := json.Unmarshal(raw, bh); err != nil {
		return nil, err
	}
	return bh.Header, nil
}

// Disconnect drops idle connections to the gateway. A retiring verifier
// calls it so the replacement session starts on fresh connections.
func (c *Client) Disconnect() {
	c.http.CloseIdleConnections()
}

func (c *Client) busy(url string) bool {
	c.inflightM.Lock()
	defer c.inflightM.Unlock()
	_, ok := c.inflight[url]
	return ok
}

// fetch GETs url, collapsing concurrent requests for the same url onto one
// round trip. Waiters share the first caller's result.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	c.inflightM.Lock()
	f, waiting := c.inflight[url]
	if !waiting {
		f = &inFlight{}
		f.wg.Add(1)
		c.inflight[url] = f
	}
	c.inflightM.Unlock()
	if waiting {
		f.wg.Wait()
		return f.result, f.err
	}

	f.result, f.err = c.get(ctx, url)
	f.wg.Done()
	c.inflightM.Lock()
	delete(c.inflight, url)
	c.inflightM.Unlock()
	return f.result, f.err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return nil, &lib.HttpError{StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return io.ReadAll(resp.Body)
}
