package core

// Quorum proofs (spec §3, §4.1).

import "math"

// RuleKind selects which evaluation a QuorumConfig applies.
type RuleKind int

const (
	RuleMajority RuleKind = iota
	RuleThreshold
	RuleWeighted
)

// QuorumConfig is one of Majority, Threshold(percent), or
// Weighted(map<DID,weight>, required_total).
type QuorumConfig struct {
	Rule             RuleKind
	ThresholdPercent int             // used when Rule == RuleThreshold, 0-100
	Weights          map[DID]uint64  // used when Rule == RuleWeighted
	RequiredTotal    uint64          // used when Rule == RuleWeighted
}

// Vote is a single signer's signature over a quorum proof's content hash.
type Vote struct {
	Signer    DID
	Signature []byte
}

// QuorumProof is a set of votes plus the rule they must satisfy.
type QuorumProof struct {
	Votes  []Vote
	Config QuorumConfig
}

func isAuthorized(did DID, authorized []DID) bool {
	for _, a := range authorized {
		if a == did {
			return true
		}
	}
	return false
}

// Verify evaluates the proof against contentHash and the authorized-signer
// set for the epoch/context it is attached to. Duplicate signer DIDs in
// Votes are collapsed to their first occurrence before counting, matching
// the "no duplicate signers count twice" invariant (spec §3, §4.1).
//
// Majority uses submitted-vote majority, per the resolved Open Question in
// spec §9: valid*2 > total distinct votes submitted. Ties (exactly half
// valid) are invalid — strict majority only.
func (p QuorumProof) Verify(contentHash []byte, authorized []DID, idSvc *IdentityService) (bool, error) {
	seen := make(map[DID]bool, len(p.Votes))
	var totalSubmitted int
	var validWeight uint64
	var validCount int
	for _, v := range p.Votes {
		if seen[v.Signer] {
			continue
		}
		seen[v.Signer] = true
		totalSubmitted++

		if !isAuthorized(v.Signer, authorized) {
			continue
		}
		ok, err := idSvc.Verify(contentHash, v.Signature, v.Signer)
		if err != nil {
			// Malformed signature bytes are not "valid-form but wrong key";
			// treat as simply not counted rather than propagating, since a
			// proof may legitimately contain signatures from signers whose
			// keys have since been rotated out.
			continue
		}
		if !ok {
			continue
		}
		validCount++
		validWeight += p.Config.Weights[v.Signer]
	}

	switch p.Config.Rule {
	case RuleMajority:
		return validCount*2 > totalSubmitted, nil
	case RuleThreshold:
		need := int(math.Ceil(float64(totalSubmitted) * float64(p.Config.ThresholdPercent) / 100.0))
		return validCount >= need, nil
	case RuleWeighted:
		return validWeight >= p.Config.RequiredTotal, nil
	default:
		return false, wrapErr(KindValidation, "unknown quorum rule", nil)
	}
}
