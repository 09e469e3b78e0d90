package core

// Federation recovery protocol (spec §4.5): a linear, DAG-anchored chain of
// recovery events — key rotation, succession, disaster recovery, metadata
// update — grounded on the teacher's dao_access_control.go governance
// transitions (add/remove authority, replace keys), generalized from a
// single DAO's membership changes to a federation's signer-set lifecycle.

import (
	"time"
)

// RecoveryKind tags which of the four recovery transitions an event
// performs.
type RecoveryKind int

const (
	RecoveryKeyRotation RecoveryKind = iota
	RecoverySuccession
	RecoveryDisaster
	RecoveryMetadataUpdate
)

func (k RecoveryKind) String() string {
	switch k {
	case RecoveryKeyRotation:
		return "key_rotation"
	case RecoverySuccession:
		return "succession"
	case RecoveryDisaster:
		return "disaster_recovery"
	case RecoveryMetadataUpdate:
		return "metadata_update"
	default:
		return "unknown"
	}
}

// RecoveryEvent is one link in a federation's linear recovery chain (spec
// §3). Only the fields relevant to Kind are populated; this mirrors the
// teacher's tagged-struct convention (e.g. dao_proposal.go's single
// Proposal type carrying optional per-kind fields) rather than a Go sum
// type, which the language has no native support for.
type RecoveryEvent struct {
	Sequence         uint64
	PreviousEventCID *CID
	Timestamp        time.Time
	Kind             RecoveryKind

	// KeyRotation
	NewFederationDID  DID
	KeyProofSignature []byte

	// Succession
	AddSigners    []DID
	RemoveSigners []DID
	NewQuorum     *QuorumConfig

	// DisasterRecovery
	NewSigners           []DID
	ExternalAttestations []VC
	Justification        string

	// MetadataUpdate
	NewName        string
	NewDescription string
	NewAttributes  map[string]string

	Proof QuorumProof
}

func (e RecoveryEvent) canonicalHash() ([]byte, error) {
	unsigned := e
	unsigned.Proof = QuorumProof{}
	enc, err := dagEncMode.Marshal(unsigned)
	if err != nil {
		return nil, wrapErr(KindEncoding, "cbor encode recovery event", err)
	}
	return hashBytes(enc), nil
}

// CreateRecoveryEvent builds and signs the next event in f's recovery
// chain. signerDIDs supplies the keys available to sign: for KeyRotation
// and Succession and MetadataUpdate these must be (a quorum of) the
// CURRENT signer set; for DisasterRecovery they must be the NEW signer set
// being established (spec §4.5: "the only event whose signatures come
// from the new signer set").
func (f *Federation) CreateRecoveryEvent(kind RecoveryKind, signerDIDs []DID, configure func(*RecoveryEvent)) (RecoveryEvent, error) {
	f.mu.RLock()
	seq := uint64(len(f.recovery)) + 1
	prev := f.lastEventCID
	quorum := f.quorum
	f.mu.RUnlock()

	event := RecoveryEvent{Sequence: seq, Timestamp: time.Now().UTC(), Kind: kind}
	if prev != "" {
		p := prev
		event.PreviousEventCID = &p
	}
	if configure != nil {
		configure(&event)
	}

	if kind == RecoveryKeyRotation {
		sig, err := f.idSvc.Sign(event.NewFederationDID, []byte(f.metadata.FederationDID))
		if err != nil {
			return RecoveryEvent{}, err
		}
		event.KeyProofSignature = sig
	}

	hash, err := event.canonicalHash()
	if err != nil {
		return RecoveryEvent{}, err
	}
	signingQuorum := quorum
	if kind == RecoveryDisaster {
		signingQuorum = QuorumConfig{Rule: RuleMajority}
	}
	proof, err := signQuorum(f.idSvc, hash, signerDIDs, signingQuorum)
	if err != nil {
		return RecoveryEvent{}, err
	}
	event.Proof = proof
	return event, nil
}

// ApplyRecoveryEvent validates event against the transition rule for its
// Kind (spec §4.5), then — only on success — anchors it as a single DAG
// node on the federation's own DAG and mutates f's signer set, quorum
// rule, and/or federation DID accordingly.
func (f *Federation) ApplyRecoveryEvent(event RecoveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if event.Sequence != uint64(len(f.recovery))+1 {
		return wrapErr(KindValidation, "recovery event out of sequence", nil)
	}

	hash, err := event.canonicalHash()
	if err != nil {
		return err
	}

	// anchorEntity is the DID whose DAG already holds this federation's prior
	// history. KeyRotation and DisasterRecovery both reassign
	// f.metadata.FederationDID below; anchoring under the new DID instead of
	// this one would start the event's node with no parents, discontinuing
	// the recovery chain's lineage across the very transition it records.
	anchorEntity := f.metadata.FederationDID

	switch event.Kind {
	case RecoveryKeyRotation:
		ok, err := f.idSvc.Verify([]byte(f.metadata.FederationDID), event.KeyProofSignature, event.NewFederationDID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidSignature
		}
		if ok, err := event.Proof.Verify(hash, f.signers, f.idSvc); err != nil {
			return err
		} else if !ok {
			return ErrQuorumNotMet
		}
		f.metadata.FederationDID = event.NewFederationDID

	case RecoverySuccession:
		if ok, err := event.Proof.Verify(hash, f.signers, f.idSvc); err != nil {
			return err
		} else if !ok {
			return ErrQuorumNotMet
		}
		f.signers = applySignerDelta(f.signers, event.AddSigners, event.RemoveSigners)
		if event.NewQuorum != nil {
			f.quorum = *event.NewQuorum
		}

	case RecoveryDisaster:
		if len(event.ExternalAttestations) == 0 {
			return wrapErr(KindValidation, "disaster recovery requires external attestations", nil)
		}
		if event.Justification == "" {
			return wrapErr(KindValidation, "disaster recovery requires a justification", ErrMissingField)
		}
		if ok, err := event.Proof.Verify(hash, event.NewSigners, f.idSvc); err != nil {
			return err
		} else if !ok {
			return ErrQuorumNotMet
		}
		f.metadata.FederationDID = event.NewFederationDID
		f.signers = append([]DID(nil), event.NewSigners...)

	case RecoveryMetadataUpdate:
		if ok, err := event.Proof.Verify(hash, f.signers, f.idSvc); err != nil {
			return err
		} else if !ok {
			return ErrQuorumNotMet
		}
		if event.NewName != "" {
			f.metadata.Name = event.NewName
		}
		if event.NewDescription != "" {
			f.metadata.Description = event.NewDescription
		}

	default:
		return wrapErr(KindValidation, "unknown recovery event kind", nil)
	}

	if f.dag != nil {
		node := Node{
			Issuer:   anchorEntity,
			Parents:  f.dag.GetTips(anchorEntity),
			Body:     event,
			Metadata: NodeMetadata{Timestamp: event.Timestamp, Sequence: &event.Sequence},
		}
		signed, err := node.Sign(f.idSvc)
		if err == nil {
			if cid, err := f.dag.StoreNode(anchorEntity, signed); err == nil {
				f.lastEventCID = cid
			}
		}
	}
	f.recovery = append(f.recovery, event)
	f.log.Infow("recovery event applied", "federation_did", f.metadata.FederationDID, "kind", event.Kind.String(), "sequence", event.Sequence)
	return nil
}

func applySignerDelta(current, add, remove []DID) []DID {
	removed := make(map[DID]bool, len(remove))
	for _, d := range remove {
		removed[d] = true
	}
	out := make([]DID, 0, len(current)+len(add))
	for _, d := range current {
		if !removed[d] {
			out = append(out, d)
		}
	}
	for _, d := range add {
		if !containsDID(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// RecoveryChain returns the federation's recovery events in sequence order.
func (f *Federation) RecoveryChain() []RecoveryEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]RecoveryEvent(nil), f.recovery...)
}
