package spv

import (
	"errors"
	"fmt"
)

// Verification failures. ErrMissingHeader is recoverable (the header may still
// arrive through a chunk download or the normal sync loop); the other two mean
// the proof itself does not hold up.
var (
	ErrMissingHeader = errors.New("missing block header")
	ErrBranchTooLong = errors.New("merkle branch too long")
	ErrRootMismatch  = errors.New("merkle root mismatch")
)

// ErrNotFoundAtHeight is the distinguishable "peer says the transaction is
// not in that block" outcome of a proof request. Proof sources wrap it so the
// verification task can drop the transaction instead of treating the response
// as a transport failure.
var ErrNotFoundAtHeight = errors.New("tx not found at height")

// IsMerkleVerificationError reports whether err was produced by
// VerifyTxInBlock, as opposed to a transport or storage problem.
func IsMerkleVerificationError(err error) bool {
	return errors.Is(err, ErrMissingHeader) ||
		errors.Is(err, ErrBranchTooLong) ||
		errors.Is(err, ErrRootMismatch)
}

// PeerViolationError wraps a verification failure that should terminate the
// connection to the peer which served the proof. It ends the verification run;
// the host is expected to disconnect and start a fresh run.
type PeerViolationError struct {
	Err error
}

func (e *PeerViolationError) Error() string {
	return fmt.Sprintf("peer protocol violation: %v", e.Err)
}

func (e *PeerViolationError) Unwrap() error {
	return e.Err
}
