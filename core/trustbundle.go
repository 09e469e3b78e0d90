package core

// TrustBundles (spec §3, §4.5): epoch-sealed, quorum-signed snapshots of
// federation DAG roots — the only global ordering primitive this system
// has (spec §1 Non-goals: no consensus protocol for block production).

import (
	"time"
)

// TrustBundle is one epoch's sealed snapshot (spec §3).
type TrustBundle struct {
	_            struct{}   `cbor:",toarray"`
	EpochID      uint64     `json:"epoch_id"`
	FederationID DID        `json:"federation_id"`
	DAGRoots     []CID      `json:"dag_roots"`
	Attestations []VC       `json:"attestations"`
	Proof        QuorumProof `json:"-"`
	SealedAt     time.Time  `json:"sealed_at"`
}

// canonicalHash hashes the bundle's fields excluding its own proof (spec
// §3: "a quorum proof over the canonical hash of the bundle fields
// excluding the proof").
func (b TrustBundle) canonicalHash() ([]byte, error) {
	unsigned := b
	unsigned.Proof = QuorumProof{}
	enc, err := dagEncMode.Marshal(unsigned)
	if err != nil {
		return nil, wrapErr(KindEncoding, "cbor encode trust bundle", err)
	}
	return hashBytes(enc), nil
}

func containsDID(list []DID, id DID) bool {
	for _, d := range list {
		if d == id {
			return true
		}
	}
	return false
}

// VerifyTrustBundle checks bundle against the authoritative signer set and
// known epoch for its federation (spec §4.5 verification steps 1-6). The
// optional DAG-anchor check (step 6) is performed only when dag is
// non-nil: every declared root must be reachable as a node in dag under
// bundle.FederationID's own entity graph.
func VerifyTrustBundle(bundle TrustBundle, authorizedSigners []DID, knownEpoch uint64, idSvc *IdentityService, dag *DAGEngine) error {
	if len(bundle.DAGRoots) == 0 {
		return wrapErr(KindValidation, "trust bundle has no dag roots", nil)
	}
	if bundle.EpochID < knownEpoch {
		return ErrEpochRegression
	}

	seen := make(map[DID]bool, len(bundle.Proof.Votes))
	for _, v := range bundle.Proof.Votes {
		if seen[v.Signer] {
			return ErrDuplicateSigner
		}
		seen[v.Signer] = true
		if !containsDID(authorizedSigners, v.Signer) {
			return wrapErr(KindIntegrity, "signer not authorized for this epoch", nil)
		}
	}

	hash, err := bundle.canonicalHash()
	if err != nil {
		return err
	}
	ok, err := bundle.Proof.Verify(hash, authorizedSigners, idSvc)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuorumNotMet
	}

	if dag != nil {
		for _, root := range bundle.DAGRoots {
			if ok, err := dag.ContainsNode(bundle.FederationID, root); err != nil || !ok {
				return wrapErr(KindState, "dag root not reachable locally: "+root.String(), ErrNodeNotFound)
			}
		}
	}
	return nil
}

// AcceptTrustBundle verifies bundle against f's current signer set and
// epoch, then — only on success — advances f's epoch and stores the bundle
// (spec §8 scenario 6: epoch regression rejected, valid next epoch
// accepted and becomes current).
func (f *Federation) AcceptTrustBundle(bundle TrustBundle, dagAnchorCheck bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dag *DAGEngine
	if dagAnchorCheck {
		dag = f.dag
	}
	if err := VerifyTrustBundle(bundle, f.signers, f.currentEpoch, f.idSvc, dag); err != nil {
		return err
	}
	if bundle.SealedAt.IsZero() {
		bundle.SealedAt = time.Now().UTC()
	}
	f.bundles[bundle.EpochID] = bundle
	f.currentEpoch = bundle.EpochID
	f.log.Infow("trust bundle accepted", "federation_did", f.metadata.FederationDID, "epoch", bundle.EpochID, "roots", len(bundle.DAGRoots))
	return nil
}

// SealTrustBundle builds, signs, and accepts the next epoch's trust
// bundle over roots, collecting signatures from signerDIDs (spec §4.5
// dataflow: "periodically, C5 collects DAG roots across federation
// members, signs a TrustBundle under a quorum, and publishes it").
func (f *Federation) SealTrustBundle(roots []CID, attestations []VC, signerDIDs []DID) (TrustBundle, error) {
	f.mu.RLock()
	nextEpoch := f.currentEpoch + 1
	quorum := f.quorum
	federationID := f.metadata.FederationDID
	f.mu.RUnlock()

	bundle := TrustBundle{EpochID: nextEpoch, FederationID: federationID, DAGRoots: roots, Attestations: attestations}
	hash, err := bundle.canonicalHash()
	if err != nil {
		return TrustBundle{}, err
	}
	proof, err := signQuorum(f.idSvc, hash, signerDIDs, quorum)
	if err != nil {
		return TrustBundle{}, err
	}
	bundle.Proof = proof

	if err := f.AcceptTrustBundle(bundle, false); err != nil {
		return TrustBundle{}, err
	}
	return bundle, nil
}

// Bundle resolves the sealed bundle for epoch, if any.
func (f *Federation) Bundle(epoch uint64) (TrustBundle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bundles[epoch]
	return b, ok
}
