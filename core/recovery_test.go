package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRecoveryFederation(t *testing.T, svc *IdentityService, n int) *Federation {
	t.Helper()
	signers := newTestFederationSigners(t, svc, n)
	genesis, err := InitializeFederation(svc, nil, "recovery-federation", "", signers, QuorumConfig{Rule: RuleMajority}, nil, nil, nil)
	require.NoError(t, err)
	return genesis.Federation
}

func TestRecoverySuccessionAddsAndRemovesSigners(t *testing.T) {
	svc := newTestIdentityService(t)
	f := newTestRecoveryFederation(t, svc, 3)
	original := f.Signers()

	newSigner, _, err := svc.GenerateDID()
	require.NoError(t, err)

	event, err := f.CreateRecoveryEvent(RecoverySuccession, original, func(e *RecoveryEvent) {
		e.AddSigners = []DID{newSigner}
		e.RemoveSigners = []DID{original[0]}
	})
	require.NoError(t, err)

	require.NoError(t, f.ApplyRecoveryEvent(event))

	signers := f.Signers()
	require.Contains(t, signers, newSigner)
	require.NotContains(t, signers, original[0])
	require.Len(t, f.RecoveryChain(), 1)
}

func TestRecoveryDisasterRequiresJustificationAndAttestation(t *testing.T) {
	svc := newTestIdentityService(t)
	f := newTestRecoveryFederation(t, svc, 3)
	original := f.Signers()
	newSigners := newTestFederationSigners(t, svc, 2)
	newFederationDID, _, err := svc.GenerateDID()
	require.NoError(t, err)

	// missing justification is rejected before the quorum proof is even
	// consulted.
	missingJustification, err := f.CreateRecoveryEvent(RecoveryDisaster, newSigners, func(e *RecoveryEvent) {
		e.NewSigners = newSigners
		e.NewFederationDID = newFederationDID
		e.ExternalAttestations = []VC{{ID: "urn:icn:attestation:1"}}
	})
	require.NoError(t, err)
	err = f.ApplyRecoveryEvent(missingJustification)
	require.Error(t, err)
	require.Empty(t, f.RecoveryChain())

	valid, err := f.CreateRecoveryEvent(RecoveryDisaster, newSigners, func(e *RecoveryEvent) {
		e.NewSigners = newSigners
		e.NewFederationDID = newFederationDID
		e.ExternalAttestations = []VC{{ID: "urn:icn:attestation:1"}}
		e.Justification = "quorum of original signers unreachable after infrastructure loss"
	})
	require.NoError(t, err)
	require.NoError(t, f.ApplyRecoveryEvent(valid))

	require.ElementsMatch(t, newSigners, f.Signers())
	require.Equal(t, newFederationDID, f.Metadata().FederationDID)
	require.NotContains(t, f.Signers(), original[0])
}

// TestRecoveryKeyRotationAnchorsUnderOldDID confirms that a key rotation
// event is anchored on the DAG under the federation's PRE-rotation DID (the
// entity whose DAG already holds the federation's prior history), not the
// freshly-assigned new DID, so the recovery chain's lineage is not
// discontinued by the very event that performs the rotation.
func TestRecoveryKeyRotationAnchorsUnderOldDID(t *testing.T) {
	svc := newTestIdentityService(t)
	dag, err := NewDAGEngine(svc, nil, NewAuditLog(100), nil)
	require.NoError(t, err)

	signers := newTestFederationSigners(t, svc, 3)
	genesis, err := InitializeFederation(svc, dag, "recovery-federation", "", signers, QuorumConfig{Rule: RuleMajority}, nil, nil, nil)
	require.NoError(t, err)
	f := genesis.Federation
	oldFederationDID := f.Metadata().FederationDID

	// seed a prior node under the old DID's entity keyspace, standing in for
	// whatever DAG history the federation has accumulated before rotation.
	priorNode := Node{Issuer: oldFederationDID, Metadata: NodeMetadata{Timestamp: genesis.GenesisBundle.Attestations[0].IssuanceDate}}
	signedPrior, err := priorNode.Sign(svc)
	require.NoError(t, err)
	priorCID, err := dag.StoreNode(oldFederationDID, signedPrior)
	require.NoError(t, err)

	newFederationDID, _, err := svc.GenerateDID()
	require.NoError(t, err)

	event, err := f.CreateRecoveryEvent(RecoveryKeyRotation, f.Signers(), func(e *RecoveryEvent) {
		e.NewFederationDID = newFederationDID
	})
	require.NoError(t, err)
	require.NoError(t, f.ApplyRecoveryEvent(event))

	require.Equal(t, newFederationDID, f.Metadata().FederationDID)

	// the rotation event must extend the OLD DID's tip set, chaining from
	// the prior node, and must leave the new DID's entity keyspace empty.
	oldTips := dag.GetTips(oldFederationDID)
	require.Len(t, oldTips, 1)
	require.NotEqual(t, priorCID, oldTips[0])

	rotationNode, err := dag.GetNode(oldFederationDID, oldTips[0])
	require.NoError(t, err)
	require.Contains(t, rotationNode.Parents, priorCID)

	require.Empty(t, dag.GetTips(newFederationDID))
}

func TestRecoveryMetadataUpdateChangesNameOnly(t *testing.T) {
	svc := newTestIdentityService(t)
	f := newTestRecoveryFederation(t, svc, 2)
	signers := f.Signers()

	event, err := f.CreateRecoveryEvent(RecoveryMetadataUpdate, signers, func(e *RecoveryEvent) {
		e.NewName = "renamed-federation"
	})
	require.NoError(t, err)
	require.NoError(t, f.ApplyRecoveryEvent(event))

	require.Equal(t, "renamed-federation", f.Metadata().Name)
}

func TestRecoveryEventOutOfSequenceRejected(t *testing.T) {
	svc := newTestIdentityService(t)
	f := newTestRecoveryFederation(t, svc, 2)
	signers := f.Signers()

	event, err := f.CreateRecoveryEvent(RecoveryMetadataUpdate, signers, func(e *RecoveryEvent) {
		e.NewName = "first"
	})
	require.NoError(t, err)
	event.Sequence = 5 // skip ahead of the expected sequence number 1

	err = f.ApplyRecoveryEvent(event)
	require.Error(t, err)
}
