package core

// Content addressing (spec §6): CID v1, dag-cbor codec (0x71), SHA-256
// multihash, grounded on the teacher's storage.go use of go-cid/go-multihash.

import (
	cidpkg "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CID is the base32 string form of a CIDv1/dag-cbor/sha2-256 identifier.
type CID string

// computeCID hashes the canonical dag-cbor bytes of a value into a CIDv1.
func computeCID(encoded []byte) (CID, error) {
	sum, err := mh.Sum(encoded, mh.SHA2_256, -1)
	if err != nil {
		return "", wrapErr(KindEncoding, "multihash sum", err)
	}
	c := cidpkg.NewCidV1(cidpkg.DagCBOR, sum)
	return CID(c.String()), nil
}

// ParseCID validates and normalizes a CID string.
func ParseCID(s string) (CID, error) {
	c, err := cidpkg.Decode(s)
	if err != nil {
		return "", wrapErr(KindEncoding, "decode cid", ErrInvalidCID)
	}
	return CID(c.String()), nil
}

func (c CID) String() string { return string(c) }

// Empty reports whether c is the zero value.
func (c CID) Empty() bool { return c == "" }
