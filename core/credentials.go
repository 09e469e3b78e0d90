package core

// Verifiable Credentials (spec §3, §4.1, wire format §6).

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Proof is a detached signature over a VC's proofless serialization.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod DID    `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	SignatureValue     string `json:"signatureValue"`
}

// VC is a typed claim signed by an issuer DID over a subject DID.
type VC struct {
	Context           []string `json:"@context"`
	ID                string   `json:"id"`
	Type              []string `json:"type"`
	Issuer            DID      `json:"issuer"`
	IssuanceDate      time.Time `json:"issuanceDate"`
	ExpirationDate    *time.Time `json:"expirationDate,omitempty"`
	CredentialSubject Payload  `json:"credentialSubject"`
	Proof             *Proof   `json:"proof,omitempty"`
}

const defaultVCContext = "https://www.w3.org/2018/credentials/v1"

// signingPayload returns the canonical bytes signed/verified for a VC: the
// credential with its proof stripped, JSON-marshaled with the struct's
// declared field order (spec §4.1 invariant: re-serialization is byte
// identical).
func signingPayload(vc VC) ([]byte, error) {
	vc.Proof = nil
	b, err := json.Marshal(vc)
	if err != nil {
		return nil, wrapErr(KindEncoding, "marshal VC for signing", err)
	}
	return b, nil
}

// SignCredential sets the issuer, strips any existing proof, canonically
// serializes the credential, signs it under issuer's key, and attaches a
// fresh detached proof.
func (s *IdentityService) SignCredential(vc VC, issuer DID) (VC, error) {
	vc.Issuer = issuer
	vc.Proof = nil
	if len(vc.Context) == 0 {
		vc.Context = []string{defaultVCContext}
	}
	payload, err := signingPayload(vc)
	if err != nil {
		return VC{}, err
	}
	sig, err := s.Sign(issuer, payload)
	if err != nil {
		return VC{}, err
	}
	vc.Proof = &Proof{
		Type:               "Ed25519Signature2020",
		Created:            time.Now().UTC().Format(time.RFC3339Nano),
		VerificationMethod: issuer,
		ProofPurpose:       "assertionMethod",
		SignatureValue:     base64.URLEncoding.EncodeToString(sig),
	}
	return vc, nil
}

// VerifyCredential re-serializes the credential without its proof and
// verifies the detached signature against the issuer's resolved key. It also
// enforces: issuer equals the proof's verification method, and (if present)
// the expiration date is in the future relative to now.
func (s *IdentityService) VerifyCredential(vc VC, now time.Time) error {
	if vc.Proof == nil {
		return wrapErr(KindValidation, "credential has no proof", nil)
	}
	if vc.Issuer != vc.Proof.VerificationMethod {
		return wrapErr(KindValidation, "issuer does not match verification method", nil)
	}
	if vc.ExpirationDate != nil && !vc.ExpirationDate.After(now) {
		return wrapErr(KindValidation, "credential expired", nil)
	}
	sig, err := base64.URLEncoding.DecodeString(vc.Proof.SignatureValue)
	if err != nil {
		return wrapErr(KindEncoding, "decode proof signature", err)
	}
	payload, err := signingPayload(vc)
	if err != nil {
		return err
	}
	ok, err := s.Verify(payload, sig, vc.Issuer)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerification
	}
	return nil
}
