package spv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/shruggr/spv-verifier/headers"
)

const (
	// DefaultInterval is the job loop cadence. Effects of wallet or header
	// changes become visible within one tick.
	DefaultInterval = 100 * time.Millisecond

	// DefaultConcurrency bounds simultaneous network requests.
	DefaultConcurrency = 100
)

// Wallet is the transaction-state collaborator. A nil Wallet runs the
// verifier in observer mode: it stays cancellable but dispatches nothing.
type Wallet interface {
	// UnverifiedTxs returns a snapshot of txid -> claimed block height.
	// Heights <= 0 mean mempool or local transactions.
	UnverifiedTxs(ctx context.Context) (map[chainhash.Hash]int32, error)
	// AddVerifiedTx commits a verified record and drops the tx from the
	// unverified set.
	AddVerifiedTx(ctx context.Context, txid chainhash.Hash, info TxMinedInfo) error
	// RemoveUnverifiedTx drops a tx the network reports absent at the
	// height the wallet claimed for it.
	RemoveUnverifiedTx(ctx context.Context, txid chainhash.Hash, height int32) error
	// UndoVerifications rolls back verified state above height against the
	// new chain and returns the affected txids.
	UndoVerifications(ctx context.Context, chain *headers.Chain, height uint32) ([]chainhash.Hash, error)
}

// ProofSource serves merkle proofs and headers from the network. A proof
// request for a transaction the peer does not know at that height must
// return an error wrapping ErrNotFoundAtHeight; anything else is treated as
// a transport failure and ends the run.
type ProofSource interface {
	MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*MerkleProof, error)
	// HeaderWithProof fetches a single header along with a proof of its
	// inclusion in the checkpointed chain. proven reports whether the
	// proof was supplied and checked out.
	HeaderWithProof(ctx context.Context, height uint32) (header *block.Header, proven bool, err error)
	// HeaderChunk downloads the whole retarget chunk containing height.
	// With canReturnEarly it returns immediately when an equivalent
	// download is already running.
	HeaderChunk(ctx context.Context, height uint32, canReturnEarly bool) error
}

// Verifier is the SPV job: a fixed-cadence loop that undoes verifications
// after reorgs, dispatches proof requests for the wallet's unverified
// transactions, and runs the verification tasks those requests spawn.
//
// A Verifier is single-use. Proof state lives and dies with one Run, so a
// restarted job (after a peer violation or transport failure) starts clean
// on a fresh instance.
type Verifier struct {
	Headers *headers.Store
	Wallet  Wallet
	Source  ProofSource

	// Tag names this job in logs and diagnostics.
	Tag string

	// SkipMerkleChecks tolerates failed proofs instead of treating them as
	// peer violations. Meant for regtest setups only.
	SkipMerkleChecks bool

	// OnViolation is invoked when a peer serves a proof that fails
	// verification, so the host can disconnect it.
	OnViolation func(error)

	Interval    time.Duration
	Concurrency int
	Logger      *slog.Logger

	once     sync.Once
	logger   *slog.Logger
	interval time.Duration
	sem      chan struct{}
	state    *proofState

	mu    sync.Mutex
	chain *headers.Chain
}

func (v *Verifier) init() {
	v.once.Do(func() {
		v.logger = v.Logger
		if v.logger == nil {
			v.logger = slog.Default()
		}
		v.logger = v.logger.With(slog.String("job", v.String()))
		v.interval = v.Interval
		if v.interval <= 0 {
			v.interval = DefaultInterval
		}
		conc := v.Concurrency
		if conc <= 0 {
			conc = DefaultConcurrency
		}
		v.sem = make(chan struct{}, conc)
		v.state = newProofState()
	})
}

// String is the job's diagnostic name.
func (v *Verifier) String() string {
	if v.Tag != "" {
		return v.Tag
	}
	return "spv"
}

// UpToDate reports whether no proof requests are outstanding.
func (v *Verifier) UpToDate() bool {
	v.init()
	return v.state.upToDate()
}

// Counts returns the number of in-flight requests and confirmed roots.
func (v *Verifier) Counts() (requested, verified int) {
	v.init()
	return v.state.counts()
}

// VerifiedRoot returns the confirmed merkle root for txid, if any.
func (v *Verifier) VerifiedRoot(txid chainhash.Hash) (chainhash.Hash, bool) {
	v.init()
	return v.state.root(txid)
}

func (v *Verifier) heldChain() *headers.Chain {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chain
}

func (v *Verifier) setChain(c *headers.Chain) {
	v.mu.Lock()
	v.chain = c
	v.mu.Unlock()
}

// Run drives the job until ctx is cancelled or a task fails. All spawned
// verification tasks share one scope: when Run returns, none are left
// running. The returned error is ctx.Err() on cancellation, otherwise the
// first task failure.
func (v *Verifier) Run(ctx context.Context) error {
	v.init()
	v.setChain(v.Headers.Best())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if v.Wallet == nil {
				continue
			}
			if err := v.maybeUndoVerifications(ctx); err != nil {
				return err
			}
			if err := v.requestProofs(ctx, g); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

// maybeUndoVerifications compares the chain handle held from the previous
// cycle against the current best one. A different handle means the best
// chain switched forks: verified state above the common ancestor is rolled
// back and the affected transactions re-enter the pending pool.
func (v *Verifier) maybeUndoVerifications(ctx context.Context) error {
	old := v.heldChain()
	cur := v.Headers.Best()
	if cur == old {
		return nil
	}
	v.setChain(cur)
	above := cur.CommonAncestorHeight(old)
	v.logger.Info("undoing verifications", slog.Any("above", above))
	txids, err := v.Wallet.UndoVerifications(ctx, cur, above)
	if err != nil {
		return err
	}
	for _, txid := range txids {
		v.logger.Info("reverifying", slog.String("tx", txid.String()))
		v.state.forget(txid)
	}
	return nil
}

// requestProofs scans the wallet's unverified transactions and launches one
// verification task per eligible tx. It never blocks on the network itself;
// proof and chunk downloads run in spawned tasks.
func (v *Verifier) requestProofs(ctx context.Context, g *errgroup.Group) error {
	chain := v.heldChain()
	localHeight := chain.Height()
	checkpoint := v.Headers.Checkpoint()

	unverified, err := v.Wallet.UnverifiedTxs(ctx)
	if err != nil {
		return err
	}
	for txid, txHeight := range unverified {
		if v.state.has(txid) {
			continue
		}
		// no point requesting before headers can exist for the height
		if txHeight <= 0 || uint32(txHeight) > localHeight {
			continue
		}
		height := uint32(txHeight)
		individualProof := false
		header := chain.Header(height)
		if header == nil {
			if height < checkpoint {
				count := countPeriodHeights(unverified, height)
				if IsChunkCheaper(count, checkpoint) {
					v.logger.Info("downloading full chunk, individual header is less efficient",
						slog.String("tx", txid.String()), slog.Any("height", height))
					g.Go(func() error {
						return v.Source.HeaderChunk(ctx, height, true)
					})
				} else {
					v.logger.Info("skipping chunk, individual header is more efficient",
						slog.String("tx", txid.String()), slog.Any("height", height))
					individualProof = true
				}
			}
			if !individualProof {
				continue
			}
		}
		if !v.state.beginRequest(txid) {
			continue
		}
		v.logger.Info("requested merkle", slog.String("tx", txid.String()))
		g.Go(func() error {
			return v.verifyProof(ctx, txid, txHeight, individualProof)
		})
	}
	return nil
}

// countPeriodHeights counts the distinct claimed heights among unverified
// transactions that fall in the same retarget period as height.
func countPeriodHeights(unverified map[chainhash.Hash]int32, height uint32) int {
	period := height / ChunkLen
	seen := map[uint32]struct{}{}
	for _, h := range unverified {
		if h < 0 {
			continue
		}
		if uint32(h)/ChunkLen == period {
			seen[uint32(h)] = struct{}{}
		}
	}
	return len(seen)
}

// verifyProof is one verification task. claimed is the wallet's height for
// the tx; the server's reported height wins if they differ.
func (v *Verifier) verifyProof(ctx context.Context, txid chainhash.Hash, claimed int32, individualProof bool) error {
	select {
	case v.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-v.sem }()

	height := uint32(claimed)
	var proof *MerkleProof
	var header *block.Header
	var err error
	if individualProof {
		fg, fctx := errgroup.WithContext(ctx)
		fg.Go(func() error {
			p, perr := v.Source.MerkleProof(fctx, txid, height)
			if perr != nil {
				return perr
			}
			proof = p
			return nil
		})
		fg.Go(func() error {
			h, proven, herr := v.Source.HeaderWithProof(fctx, height)
			if herr != nil {
				return herr
			}
			if proven {
				header = h
			}
			return nil
		})
		err = fg.Wait()
	} else {
		proof, err = v.Source.MerkleProof(ctx, txid, height)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFoundAtHeight) || v.Wallet == nil {
			return err
		}
		v.logger.Info("tx not at height", slog.String("tx", txid.String()), slog.Any("height", claimed))
		v.state.release(txid)
		return v.Wallet.RemoveUnverifiedTx(ctx, txid, claimed)
	}

	if proof.BlockHeight != height {
		v.logger.Info("requested height differs from received height",
			slog.Any("requested", height), slog.Any("received", proof.BlockHeight),
			slog.String("tx", txid.String()))
	}
	height = proof.BlockHeight

	if !individualProof {
		header = v.Headers.Best().Header(height)
		if header == nil {
			// header sync or a reorg may still be in flight; let it
			// settle and read once more
			if werr := v.Headers.WaitSynced(ctx); werr != nil {
				return werr
			}
			header = v.Headers.Best().Header(height)
		}
	}

	if verr := VerifyTxInBlock(txid, proof.Branch, proof.Pos, header, height); verr != nil {
		switch {
		case v.SkipMerkleChecks:
			v.logger.Warn("skipping merkle proof check", slog.String("tx", txid.String()))
			if header == nil {
				// nothing to commit without a header, retry next cycle
				v.state.release(txid)
				return nil
			}
		case v.Wallet == nil:
			return verr
		default:
			v.logger.Info(verr.Error())
			if v.OnViolation != nil {
				v.OnViolation(verr)
			}
			return &PeerViolationError{Err: verr}
		}
	}

	v.state.markVerified(txid, header.MerkleRoot)
	v.logger.Info("verified", slog.String("tx", txid.String()))
	if v.Wallet == nil {
		return nil
	}
	info := TxMinedInfo{
		Height:     height,
		Timestamp:  header.Timestamp,
		Pos:        proof.Pos,
		HeaderHash: header.Hash(),
	}
	return v.Wallet.AddVerifiedTx(ctx, txid, info)
}

// ProveTx fetches and verifies a proof for one transaction outside the job
// loop, without touching wallet or proof state. Used by the status API and
// by observer-mode hosts.
func (v *Verifier) ProveTx(ctx context.Context, txid chainhash.Hash, height uint32) (*TxMinedInfo, error) {
	v.init()
	proof, err := v.Source.MerkleProof(ctx, txid, height)
	if err != nil {
		return nil, err
	}
	height = proof.BlockHeight
	header := v.Headers.Best().Header(height)
	if header == nil && height < v.Headers.Checkpoint() {
		h, proven, herr := v.Source.HeaderWithProof(ctx, height)
		if herr != nil {
			return nil, herr
		}
		if proven {
			header = h
		}
	}
	if err := VerifyTxInBlock(txid, proof.Branch, proof.Pos, header, height); err != nil {
		return nil, err
	}
	return &TxMinedInfo{
		Height:     height,
		Timestamp:  header.Timestamp,
		Pos:        proof.Pos,
		HeaderHash: header.Hash(),
	}, nil
}
