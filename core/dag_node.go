package core

// DAG node type and canonical dag-cbor encoding (spec §3, §6).

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

var dagEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err) // fixed, valid options; cannot fail at runtime
	}
	return m
}()

// NodeMetadata carries the node's timestamp, optional monotonic sequence,
// and optional scope tag. Encoded as a CBOR array to fix field order.
type NodeMetadata struct {
	_         struct{}  `cbor:",toarray"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  *uint64   `json:"sequence,omitempty"`
	Scope     *Scope    `json:"scope,omitempty"`
}

// Node is an immutable, content-addressed DAG record. Field order is fixed
// (issuer, parents, payload, signature, metadata) via the toarray CBOR tag so
// the wire encoding matches spec §6 exactly.
type Node struct {
	_         struct{}     `cbor:",toarray"`
	Issuer    DID          `json:"issuer"`
	Parents   []CID        `json:"parents"`
	Body      Payload      `json:"payload"`
	Signature []byte       `json:"signature"`
	Metadata  NodeMetadata `json:"metadata"`
}

// canonicalEncode serializes n deterministically under dag-cbor.
func (n Node) canonicalEncode() ([]byte, error) {
	b, err := dagEncMode.Marshal(n)
	if err != nil {
		return nil, wrapErr(KindEncoding, "cbor encode node", err)
	}
	return b, nil
}

// decodeNode is the inverse of canonicalEncode, used to verify the CID
// determinism property (cid(node) == cid(deserialize(serialize(node)))).
func decodeNode(b []byte) (Node, error) {
	var n Node
	if err := cbor.Unmarshal(b, &n); err != nil {
		return Node{}, wrapErr(KindEncoding, "cbor decode node", err)
	}
	return n, nil
}

// signingBytes returns the bytes a node's signature is computed over: the
// canonical encoding with the signature field zeroed, so signing is not
// self-referential.
func (n Node) signingBytes() ([]byte, error) {
	unsigned := n
	unsigned.Signature = nil
	return unsigned.canonicalEncode()
}

// CID computes the node's content identifier from its canonical encoding.
func (n Node) CID() (CID, error) {
	b, err := n.canonicalEncode()
	if err != nil {
		return "", err
	}
	return computeCID(b)
}

// Sign attaches a detached signature computed by idSvc over n's signing
// bytes, returning the signed node.
func (n Node) Sign(idSvc *IdentityService) (Node, error) {
	payload, err := n.signingBytes()
	if err != nil {
		return Node{}, err
	}
	sig, err := idSvc.Sign(n.Issuer, payload)
	if err != nil {
		return Node{}, err
	}
	n.Signature = sig
	return n, nil
}

// verifySignature checks n.Signature against n's issuer key.
func (n Node) verifySignature(idSvc *IdentityService) error {
	payload, err := n.signingBytes()
	if err != nil {
		return err
	}
	ok, err := idSvc.Verify(payload, n.Signature, n.Issuer)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
