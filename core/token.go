package core

// Scoped resource tokens (spec §4.6, §9 expansion), grounded on the
// teacher's token_management.go ownership/transfer bookkeeping, collapsed
// from dozens of SYN-standard token types onto one generic
// ScopedResourceToken parameterized by ResourceType (the system carries no
// fungible currency, spec §1 Non-goals).

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScopedResourceToken is a non-fungible grant of ResourceType, owned by a
// single DID at a time, subject to the mint -> transfer* -> burn lifecycle.
type ScopedResourceToken struct {
	ID           string
	ResourceType ResourceType
	Owner        DID
	Amount       uint64
	Scope        Scope
	Burned       bool
}

// TokenStore is the explicitly constructed owner of all minted tokens.
// Only a Guardian-scope minter may mint; only the current owner may
// transfer or burn. Every lifecycle step is audited.
type TokenStore struct {
	mu     sync.RWMutex
	byID   map[string]*ScopedResourceToken
	byOwner map[DID]map[string]struct{}
	audit  *AuditLog
	log    *zap.SugaredLogger
}

func NewTokenStore(audit *AuditLog, log *zap.SugaredLogger) *TokenStore {
	if log == nil {
		log = zap.L().Sugar()
	}
	return &TokenStore{
		byID:    make(map[string]*ScopedResourceToken),
		byOwner: make(map[DID]map[string]struct{}),
		audit:   audit,
		log:     log,
	}
}

func (s *TokenStore) audited(action string, actor DID, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(AuditRecord{Action: action, Actor: actor, Entity: actor, Outcome: outcome})
}

// Mint creates a new token owned by recipient. minterScope must be
// ScopeGuardian; any other scope is rejected.
func (s *TokenStore) Mint(minter DID, minterScope Scope, recipient DID, resourceType ResourceType, amount uint64, scope Scope) (*ScopedResourceToken, error) {
	if minterScope != ScopeGuardian {
		s.audited("token.mint", minter, "rejected: minter not guardian scope")
		return nil, ErrUnauthorized
	}
	tok := &ScopedResourceToken{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		Owner:        recipient,
		Amount:       amount,
		Scope:        scope,
	}
	s.mu.Lock()
	s.byID[tok.ID] = tok
	s.indexOwnerLocked(recipient, tok.ID)
	s.mu.Unlock()
	s.audited("token.mint", minter, "applied: "+tok.ID)
	s.log.Infow("token minted", "id", tok.ID, "owner", recipient, "resource", resourceType.String(), "amount", amount)
	return tok, nil
}

func (s *TokenStore) indexOwnerLocked(owner DID, id string) {
	set, ok := s.byOwner[owner]
	if !ok {
		set = make(map[string]struct{})
		s.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

// Transfer moves ownership of tokenID from caller to recipient. caller must
// be the current owner.
func (s *TokenStore) Transfer(caller DID, tokenID string, recipient DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byID[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if tok.Burned {
		return wrapErr(KindState, "token already burned", nil)
	}
	if tok.Owner != caller {
		s.audited("token.transfer", caller, "rejected: not owner")
		return ErrUnauthorized
	}
	if set, ok := s.byOwner[tok.Owner]; ok {
		delete(set, tokenID)
	}
	tok.Owner = recipient
	s.indexOwnerLocked(recipient, tokenID)
	s.audited("token.transfer", caller, "applied: "+tokenID)
	s.log.Infow("token transferred", "id", tokenID, "from", caller, "to", recipient)
	return nil
}

// Burn destroys tokenID. caller must be the current owner.
func (s *TokenStore) Burn(caller DID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byID[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if tok.Owner != caller {
		s.audited("token.burn", caller, "rejected: not owner")
		return ErrUnauthorized
	}
	tok.Burned = true
	if set, ok := s.byOwner[tok.Owner]; ok {
		delete(set, tokenID)
	}
	s.audited("token.burn", caller, "applied: "+tokenID)
	s.log.Infow("token burned", "id", tokenID, "owner", caller)
	return nil
}

// Get resolves tokenID to its current record. A burned token reports
// ErrTokenNotFound, matching the scenario contract get(T1.id) = None after
// burn (spec §8).
func (s *TokenStore) Get(tokenID string) (*ScopedResourceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.byID[tokenID]
	if !ok || tok.Burned {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// FindOwnedToken locates a non-burned token owned by owner whose resource
// type and amount match exactly, for ABI calls that move a whole token
// rather than an aggregate balance (core/vm_host.go hostTransferResources).
func (s *TokenStore) FindOwnedToken(owner DID, resourceType ResourceType, amount uint64) (*ScopedResourceToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.byOwner[owner] {
		tok, ok := s.byID[id]
		if !ok || tok.Burned {
			continue
		}
		if tok.ResourceType.Equal(resourceType) && tok.Amount == amount {
			return tok, true
		}
	}
	return nil, false
}

// ListTokensByOwner returns all non-burned tokens currently owned by owner.
func (s *TokenStore) ListTokensByOwner(owner DID) []*ScopedResourceToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byOwner[owner]
	out := make([]*ScopedResourceToken, 0, len(set))
	for id := range set {
		if tok, ok := s.byID[id]; ok && !tok.Burned {
			out = append(out, tok)
		}
	}
	return out
}
