package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDAGEngine(t *testing.T) (*DAGEngine, *IdentityService) {
	t.Helper()
	svc := newTestIdentityService(t)
	eng, err := NewDAGEngine(svc, nil, NewAuditLog(100), nil)
	require.NoError(t, err)
	return eng, svc
}

func signedGenesis(t *testing.T, svc *IdentityService, issuer DID, body Payload) Node {
	t.Helper()
	n := Node{Issuer: issuer, Body: body, Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signed, err := n.Sign(svc)
	require.NoError(t, err)
	return signed
}

func TestStoreNodeAndGetNode(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	genesis := signedGenesis(t, svc, issuer, "root")
	id, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)

	got, err := eng.GetNode(issuer, id)
	require.NoError(t, err)
	require.Equal(t, genesis.Body, got.Body)

	tips := eng.GetTips(issuer)
	require.Equal(t, []CID{id}, tips)
}

func TestStoreNodeIsIdempotent(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	genesis := signedGenesis(t, svc, issuer, "root")
	id1, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)
	id2, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestStoreNodeRejectsBadSignature(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	n := Node{Issuer: issuer, Body: "root", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	n.Signature = []byte("not a real signature padded to sixty four bytes!!")
	_, err = eng.StoreNode(issuer, n)
	require.Error(t, err)
}

func TestStoreNodeRejectsMissingParent(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	ghostParent := CID("bafy2bzacedummyparentdoesnotexist")
	child := Node{Issuer: issuer, Parents: []CID{ghostParent}, Body: "child", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signed, err := child.Sign(svc)
	require.NoError(t, err)

	_, err = eng.StoreNode(issuer, signed)
	require.ErrorIs(t, err, ErrParentMissing)
}

func TestTipsAdvanceAsChildrenAreAdded(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	genesis := signedGenesis(t, svc, issuer, "root")
	rootID, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)

	child := Node{Issuer: issuer, Parents: []CID{rootID}, Body: "child", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signedChild, err := child.Sign(svc)
	require.NoError(t, err)
	childID, err := eng.StoreNode(issuer, signedChild)
	require.NoError(t, err)

	tips := eng.GetTips(issuer)
	require.Equal(t, []CID{childID}, tips)

	parents, err := eng.GetParents(issuer, childID)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	require.Equal(t, genesis.Body, parents[0].Body)

	children, err := eng.GetChildren(issuer, rootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, signedChild.Body, children[0].Body)
}

func TestStoreNodesBatchOrdersAndAppliesAtomically(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	genesis := signedGenesis(t, svc, issuer, "root")
	rootID, err := genesis.CID()
	require.NoError(t, err)

	child1 := Node{Issuer: issuer, Parents: []CID{rootID}, Body: "c1", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signed1, err := child1.Sign(svc)
	require.NoError(t, err)
	child1ID, err := signed1.CID()
	require.NoError(t, err)

	child2 := Node{Issuer: issuer, Parents: []CID{child1ID}, Body: "c2", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signed2, err := child2.Sign(svc)
	require.NoError(t, err)

	// submitted out of dependency order: the engine must topologically sort
	// before applying, since child2 depends on child1 within the same batch.
	ids, err := eng.StoreNodesBatch(issuer, []Node{genesis, signed2, signed1})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	tips := eng.GetTips(issuer)
	child2ID, err := signed2.CID()
	require.NoError(t, err)
	require.Equal(t, []CID{child2ID}, tips)
}

func TestStoreNodesBatchRejectsUnresolvableParent(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	orphan := Node{Issuer: issuer, Parents: []CID{"bafy2bzaceneverexisted"}, Body: "orphan", Metadata: NodeMetadata{Timestamp: time.Now().UTC()}}
	signed, err := orphan.Sign(svc)
	require.NoError(t, err)

	_, err = eng.StoreNodesBatch(issuer, []Node{signed})
	require.ErrorIs(t, err, ErrParentMissing)
}

func TestVerifyNodeDetectsCorruption(t *testing.T) {
	store := NewInMemoryNodeStore()
	svc := newTestIdentityService(t)
	eng, err := NewDAGEngine(svc, store, nil, nil)
	require.NoError(t, err)

	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)
	genesis := signedGenesis(t, svc, issuer, "root")
	id, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)

	require.NoError(t, eng.VerifyNode(issuer, id))

	require.NoError(t, store.Put(issuer, id, []byte("corrupted-bytes")))
	require.Error(t, eng.VerifyNode(issuer, id))
}

func TestContainsNode(t *testing.T) {
	eng, svc := newTestDAGEngine(t)
	issuer, _, err := svc.GenerateDID()
	require.NoError(t, err)

	genesis := signedGenesis(t, svc, issuer, "root")
	id, err := eng.StoreNode(issuer, genesis)
	require.NoError(t, err)

	ok, err := eng.ContainsNode(issuer, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = eng.ContainsNode(issuer, CID("bafy2bzacenothere"))
	require.NoError(t, err)
	require.False(t, ok)
}
