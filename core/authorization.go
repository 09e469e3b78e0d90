package core

// Economic resource authorizations (spec §4.6), grounded on the teacher's
// governance.go budget-envelope bookkeeping, generalized from a single
// currency balance to scoped per-resource-type authorizations.

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResourceAuthorization grants grantee permission to consume up to
// AuthorizedAmount units of ResourceType, scoped and optionally
// time-limited.
type ResourceAuthorization struct {
	ID               string
	Grantor          DID
	Grantee          DID
	ResourceType     ResourceType
	AuthorizedAmount uint64
	Scope            Scope
	Expiration       *time.Time
	Metadata         map[string]string

	mu             sync.Mutex
	ConsumedAmount uint64
}

// Remaining returns the unconsumed balance.
func (a *ResourceAuthorization) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConsumedAmount >= a.AuthorizedAmount {
		return 0
	}
	return a.AuthorizedAmount - a.ConsumedAmount
}

// ScopeCompatible reports whether the authorization may be consumed by an
// execution running under execScope: equal scopes match, nothing else does
// (spec §4.4 resource-authorization validity rule (a)).
func (a *ResourceAuthorization) ScopeCompatible(execScope Scope) bool {
	return a.Scope == execScope
}

func (a *ResourceAuthorization) expired(now time.Time) bool {
	return a.Expiration != nil && !now.Before(*a.Expiration)
}

// InsufficientAuthorizationError reports a consumption request that would
// exceed the remaining authorized balance.
type InsufficientAuthorizationError struct {
	Requested uint64
	Available uint64
}

func (e *InsufficientAuthorizationError) Error() string {
	return fmt.Sprintf("insufficient authorization: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientAuthorizationError) Unwrap() error { return ErrInsufficientAuth }

// AuthorizationStore is the explicitly constructed owner of all issued
// authorizations for a deployment. Readers may run in parallel; consumption
// is serialized per authorization so the consumed counter is linearizable
// (spec §5).
type AuthorizationStore struct {
	mu   sync.RWMutex
	byID map[string]*ResourceAuthorization
	log  *zap.SugaredLogger
}

func NewAuthorizationStore(log *zap.SugaredLogger) *AuthorizationStore {
	if log == nil {
		log = zap.L().Sugar()
	}
	return &AuthorizationStore{byID: make(map[string]*ResourceAuthorization), log: log}
}

// Create issues a new authorization.
func (s *AuthorizationStore) Create(grantor, grantee DID, resourceType ResourceType, authorizedAmount uint64, scope Scope, expiration *time.Time, metadata map[string]string) (*ResourceAuthorization, error) {
	auth := &ResourceAuthorization{
		ID:               uuid.NewString(),
		Grantor:          grantor,
		Grantee:          grantee,
		ResourceType:     resourceType,
		AuthorizedAmount: authorizedAmount,
		Scope:            scope,
		Expiration:       expiration,
		Metadata:         metadata,
	}
	s.mu.Lock()
	s.byID[auth.ID] = auth
	s.mu.Unlock()
	s.log.Infow("authorization created", "id", auth.ID, "grantee", grantee, "resource", resourceType.String(), "amount", authorizedAmount)
	return auth, nil
}

// Get resolves an authorization by id.
func (s *AuthorizationStore) Get(authID string) (*ResourceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.byID[authID]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return auth, nil
}

// Validate checks whether requested units may currently be consumed from
// authID, without mutating its consumed counter.
func (s *AuthorizationStore) Validate(authID string, requested uint64, now time.Time) error {
	auth, err := s.Get(authID)
	if err != nil {
		return err
	}
	if auth.expired(now) {
		return ErrAuthorizationExpired
	}
	if remaining := auth.Remaining(); requested > remaining {
		return &InsufficientAuthorizationError{Requested: requested, Available: remaining}
	}
	return nil
}

// Consume validates authID against amount, then atomically increments its
// consumed counter. The check-then-increment is performed under the
// authorization's own lock so two concurrent consumes cannot each observe
// the other's pre-increment state.
func (s *AuthorizationStore) Consume(authID string, amount uint64, now time.Time) error {
	auth, err := s.Get(authID)
	if err != nil {
		return err
	}
	auth.mu.Lock()
	defer auth.mu.Unlock()
	if auth.expired(now) {
		return ErrAuthorizationExpired
	}
	remaining := uint64(0)
	if auth.ConsumedAmount < auth.AuthorizedAmount {
		remaining = auth.AuthorizedAmount - auth.ConsumedAmount
	}
	if amount > remaining {
		return &InsufficientAuthorizationError{Requested: amount, Available: remaining}
	}
	auth.ConsumedAmount += amount
	s.log.Infow("authorization consumed", "id", authID, "amount", amount, "consumed_total", auth.ConsumedAmount)
	return nil
}
