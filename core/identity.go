package core

// Identity & Credential layer (spec §4.1).
//
// Key material lives behind the KeyStore interface so the signing and
// verification logic never depends on how keys are persisted. The default
// InMemoryKeyStore satisfies the component's sole invariant: given a DID, at
// most one active key is returned (spec §3).

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"fmt"
	"sync"

	"github.com/multiformats/go-multibase"
	log "github.com/sirupsen/logrus"
)

// KeyStore owns keypairs keyed by DID.
type KeyStore interface {
	Put(did DID, priv ed25519.PrivateKey, pub ed25519.PublicKey) error
	Get(did DID) (ed25519.PrivateKey, ed25519.PublicKey, bool)
	Delete(did DID) error
}

// InMemoryKeyStore is the default KeyStore, safe for concurrent use.
type InMemoryKeyStore struct {
	mu   sync.RWMutex
	priv map[DID]ed25519.PrivateKey
	pub  map[DID]ed25519.PublicKey
}

// NewInMemoryKeyStore constructs an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		priv: make(map[DID]ed25519.PrivateKey),
		pub:  make(map[DID]ed25519.PublicKey),
	}
}

func (s *InMemoryKeyStore) Put(did DID, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priv[did] = priv
	s.pub[did] = pub
	return nil
}

func (s *InMemoryKeyStore) Get(did DID) (ed25519.PrivateKey, ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.priv[did]
	if !ok {
		return nil, nil, false
	}
	return priv, s.pub[did], true
}

func (s *InMemoryKeyStore) Delete(did DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.priv, did)
	delete(s.pub, did)
	return nil
}

// IdentityService generates DIDs, signs, and verifies payloads. It is
// constructed explicitly (no ambient singleton, per spec §9) and injected
// into the components that need it (DAG node signature checks, VM receipt
// issuance, federation bootstrap).
type IdentityService struct {
	keys   KeyStore
	logger *log.Logger
}

// NewIdentityService wires an IdentityService over the given key store. A
// nil logger falls back to logrus's standard logger, matching the teacher's
// wallet.go convention of a package-level default logger.
func NewIdentityService(keys KeyStore, logger *log.Logger) *IdentityService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &IdentityService{keys: keys, logger: logger}
}

// didFromPublicKey derives the did:key identifier for an ed25519 public key.
func didFromPublicKey(pub ed25519.PublicKey) (DID, error) {
	enc, err := multibase.Encode(multibase.Base58BTC, pub)
	if err != nil {
		return "", wrapErr(KindEncoding, "multibase encode", err)
	}
	return DID("did:key:" + enc), nil
}

// GenerateDID mints a fresh Ed25519 keypair and stores it under a new DID.
func (s *IdentityService) GenerateDID() (DID, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return "", nil, wrapErr(KindCryptographic, "generate ed25519 key", err)
	}
	did, err := didFromPublicKey(pub)
	if err != nil {
		return "", nil, err
	}
	if err := s.keys.Put(did, priv, pub); err != nil {
		return "", nil, wrapErr(KindCryptographic, "store keypair", err)
	}
	s.logger.Debugf("identity: generated DID %s", did)
	return did, pub, nil
}

// Sign signs bytes under the DID's stored key.
func (s *IdentityService) Sign(did DID, payload []byte) ([]byte, error) {
	priv, _, ok := s.keys.Get(did)
	if !ok {
		return nil, ErrUnknownDID
	}
	return ed25519.Sign(priv, payload), nil
}

// Verify checks a signature against the DID's resolved public key.
//
// It returns (false, nil) for a well-formed signature that simply does not
// verify, and a non-nil error for malformed signature bytes or an
// unresolvable DID — callers must not conflate the two (spec §4.1).
func (s *IdentityService) Verify(payload, sig []byte, did DID) (bool, error) {
	_, pub, ok := s.keys.Get(did)
	if !ok {
		return false, ErrUnknownDID
	}
	if len(sig) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// PublicKey resolves the currently active public key for did, if any.
func (s *IdentityService) PublicKey(did DID) (ed25519.PublicKey, bool) {
	_, pub, ok := s.keys.Get(did)
	return pub, ok
}

// Describe is a small helper used in log lines across the codebase.
func (did DID) Describe() string {
	return fmt.Sprintf("DID(%s)", string(did))
}
