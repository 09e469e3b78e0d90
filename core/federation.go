package core

// Federation genesis & bootstrap (spec §3, §4.5), grounded on the teacher's
// dao.go cooperative-formation flow: a DID-identified body with a named
// signer set and quorum rule, generalized from single-cooperative DAO
// formation to federation-of-cooperatives genesis.

import (
	"crypto/sha256"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FederationMetadata is the canonical, immutable record of a federation's
// founding parameters (spec §3). Field order is fixed via the toarray CBOR
// tag so CanonicalHash is deterministic byte-for-byte (spec §3, §6).
type FederationMetadata struct {
	_               struct{}     `cbor:",toarray"`
	FederationDID   DID          `json:"federation_did"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	CreatedAt       time.Time    `json:"created_at"`
	Quorum          QuorumConfig `json:"-"`
	InitialPolicies []VC         `json:"initial_policies"`
	InitialMembers  []DID        `json:"initial_members"`
	GenesisCID      CID          `json:"genesis_cid"`
}

// hashBytes is the shared sha256 digest helper every canonical-hash method
// in this component (FederationMetadata, TrustBundle, RecoveryEvent) uses
// over its dag-cbor encoding.
func hashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// CanonicalHash hashes meta's canonical dag-cbor encoding, the content
// authorized signers sign over during genesis and every subsequent
// TrustBundle/recovery event (spec §4.5 step 4).
func (meta FederationMetadata) CanonicalHash() ([]byte, error) {
	b, err := dagEncMode.Marshal(meta)
	if err != nil {
		return nil, wrapErr(KindEncoding, "cbor encode federation metadata", err)
	}
	return hashBytes(b), nil
}

// Federation is the long-lived, explicitly constructed owner of one
// federation's quorum state, trust bundle history, and recovery chain
// (spec §4.5, §9 no ambient singletons).
type Federation struct {
	mu sync.RWMutex

	metadata     FederationMetadata
	signers      []DID
	quorum       QuorumConfig
	currentEpoch uint64
	bundles      map[uint64]TrustBundle
	recovery     []RecoveryEvent
	lastEventCID CID

	idSvc *IdentityService
	dag   *DAGEngine
	log   *zap.SugaredLogger
}

// FederationGenesis bundles the artifacts InitializeFederation produces:
// the founding metadata, the establishment credential, and the epoch-0
// trust bundle (spec §4.5 steps 1-7).
type FederationGenesis struct {
	Federation            *Federation
	EstablishmentCredential VC
	GenesisBundle         TrustBundle
}

// FederationEstablishmentClaim is the credentialSubject of the federation
// establishment VC (spec §4.5 step 6).
type FederationEstablishmentClaim struct {
	Metadata FederationMetadata `json:"metadata"`
	Epoch    uint64             `json:"epoch"`
}

// signQuorum has every DID in signerDIDs whose key idSvc holds sign
// contentHash, assembling a QuorumProof under config. It is used by every
// genesis/recovery/bundle step that needs "collect signer signatures"
// (spec §4.5 step 5) — an orchestrator running this in a single process
// holds all participating signer keys; a multi-process deployment would
// instead collect Votes out of band and construct QuorumProof directly.
func signQuorum(idSvc *IdentityService, contentHash []byte, signerDIDs []DID, config QuorumConfig) (QuorumProof, error) {
	votes := make([]Vote, 0, len(signerDIDs))
	for _, signer := range signerDIDs {
		sig, err := idSvc.Sign(signer, contentHash)
		if err != nil {
			return QuorumProof{}, err
		}
		votes = append(votes, Vote{Signer: signer, Signature: sig})
	}
	return QuorumProof{Votes: votes, Config: config}, nil
}

// InitializeFederation runs the genesis bootstrap of spec §4.5 steps 1-7:
// it generates the federation DID, builds the founding metadata, computes
// its canonical hash, collects signer signatures into a quorum proof,
// issues a self-signed establishment credential, and seeds an epoch-0
// trust bundle with no DAG roots yet (they are attached by a later
// anchoring step, per spec).
func InitializeFederation(idSvc *IdentityService, dag *DAGEngine, name, description string, signers []DID, quorum QuorumConfig, initialPolicies []VC, initialMembers []DID, log *zap.SugaredLogger) (*FederationGenesis, error) {
	if log == nil {
		log = zap.L().Sugar()
	}
	federationDID, _, err := idSvc.GenerateDID()
	if err != nil {
		return nil, err
	}

	meta := FederationMetadata{
		FederationDID:   federationDID,
		Name:            name,
		Description:     description,
		CreatedAt:       time.Now().UTC(),
		Quorum:          quorum,
		InitialPolicies: initialPolicies,
		InitialMembers:  initialMembers,
	}
	hash, err := meta.CanonicalHash()
	if err != nil {
		return nil, err
	}
	proof, err := signQuorum(idSvc, hash, signers, quorum)
	if err != nil {
		return nil, err
	}
	ok, err := proof.Verify(hash, signers, idSvc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuorumNotMet
	}

	establishment := VC{
		ID:           "urn:icn:federation-establishment:" + string(federationDID),
		Type:         []string{"VerifiableCredential", "FederationEstablishmentCredential"},
		IssuanceDate: time.Now().UTC(),
		CredentialSubject: FederationEstablishmentClaim{
			Metadata: meta,
			Epoch:    0,
		},
	}
	establishment, err = idSvc.SignCredential(establishment, federationDID)
	if err != nil {
		return nil, err
	}

	genesisBundle := TrustBundle{
		EpochID:      0,
		FederationID: federationDID,
		DAGRoots:     nil,
		Attestations: []VC{establishment},
	}
	genesisBundleHash, err := genesisBundle.canonicalHash()
	if err != nil {
		return nil, err
	}
	genesisProof, err := signQuorum(idSvc, genesisBundleHash, signers, quorum)
	if err != nil {
		return nil, err
	}
	genesisBundle.Proof = genesisProof

	f := &Federation{
		metadata:     meta,
		signers:      append([]DID(nil), signers...),
		quorum:       quorum,
		currentEpoch: 0,
		bundles:      map[uint64]TrustBundle{0: genesisBundle},
		idSvc:        idSvc,
		dag:          dag,
		log:          log,
	}
	log.Infow("federation initialized", "federation_did", federationDID, "signers", len(signers))

	return &FederationGenesis{Federation: f, EstablishmentCredential: establishment, GenesisBundle: genesisBundle}, nil
}

// Metadata returns the federation's founding metadata.
func (f *Federation) Metadata() FederationMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.metadata
}

// CurrentEpoch returns the federation's current sealed epoch.
func (f *Federation) CurrentEpoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentEpoch
}

// Signers returns the currently-authorized federation signer set.
func (f *Federation) Signers() []DID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]DID(nil), f.signers...)
}

// Quorum returns the currently-active quorum configuration.
func (f *Federation) Quorum() QuorumConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.quorum
}
