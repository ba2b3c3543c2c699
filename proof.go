package queryfi

import (
	"fmt"
	"sync"
)

// ProofVerifier enforces replay protection for payment proofs: a proof's
// version must be strictly greater than the last version accepted for its
// session. Equal or lower versions are rejected as possible replays, never
// silently accepted.
type ProofVerifier struct {
	mu       sync.Mutex
	accepted map[string]uint64
}

// NewProofVerifier creates an empty verifier.
func NewProofVerifier() *ProofVerifier {
	return &ProofVerifier{
		accepted: make(map[string]uint64),
	}
}

// Accept validates and records a payment proof. The first proof for a
// session is accepted at any version; after that only strictly increasing
// versions pass.
func (v *ProofVerifier) Accept(proof PaymentProof) error {
	if proof.AppSessionID == "" {
		return fmt.Errorf("%w: missing app session id", ErrProofReplayed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	last, seen := v.accepted[proof.AppSessionID]
	if seen && proof.Version <= last {
		return fmt.Errorf("%w: version %d, last accepted %d", ErrProofReplayed, proof.Version, last)
	}

	v.accepted[proof.AppSessionID] = proof.Version
	return nil
}

// LastAccepted returns the last accepted version for a session, and whether
// any proof has been accepted for it.
func (v *ProofVerifier) LastAccepted(appSessionID string) (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.accepted[appSessionID]
	return last, ok
}

// Forget drops the session's replay state, e.g. after the channel closes.
func (v *ProofVerifier) Forget(appSessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.accepted, appSessionID)
}
