package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAuthorizationStore() *AuthorizationStore {
	return NewAuthorizationStore(nil)
}

// TestAuthorizationConsumeTracksRemainingBalance mirrors the authorization
// lifecycle scenario: grant 1000 compute units, consume 300 leaves 700
// remaining, then a request for 800 is rejected with the exact shortfall.
func TestAuthorizationConsumeTracksRemainingBalance(t *testing.T) {
	store := newTestAuthorizationStore()
	grantor, grantee := DID("did:key:coop"), DID("did:key:alice")
	rt := ResourceType{Kind: ResourceCompute}

	auth, err := store.Create(grantor, grantee, rt, 1000, ScopeCooperative, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.Consume(auth.ID, 300, now))
	require.Equal(t, uint64(700), auth.Remaining())

	err = store.Consume(auth.ID, 800, now)
	var insufficient *InsufficientAuthorizationError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, uint64(800), insufficient.Requested)
	require.Equal(t, uint64(700), insufficient.Available)
	require.ErrorIs(t, err, ErrInsufficientAuth)

	// the rejected request must not have mutated the consumed counter.
	require.Equal(t, uint64(700), auth.Remaining())
}

func TestAuthorizationExpirationIsStrictlyExclusive(t *testing.T) {
	store := newTestAuthorizationStore()
	now := time.Now().UTC()
	grantor, grantee := DID("did:key:coop"), DID("did:key:alice")
	rt := ResourceType{Kind: ResourceStorage}

	// expiration exactly equal to "now" is already expired: the rule is a
	// strict before-comparison, not before-or-equal.
	auth, err := store.Create(grantor, grantee, rt, 100, ScopeCooperative, &now, nil)
	require.NoError(t, err)

	err = store.Consume(auth.ID, 1, now)
	require.ErrorIs(t, err, ErrAuthorizationExpired)

	future := now.Add(time.Hour)
	valid, err := store.Create(grantor, grantee, rt, 100, ScopeCooperative, &future, nil)
	require.NoError(t, err)
	require.NoError(t, store.Consume(valid.ID, 1, now))
}

func TestAuthorizationConsumeAgainstUnknownIDFails(t *testing.T) {
	store := newTestAuthorizationStore()
	err := store.Consume("no-such-auth", 1, time.Now().UTC())
	require.ErrorIs(t, err, ErrAuthorizationNotFound)
}

func TestAuthorizationValidateDoesNotMutateState(t *testing.T) {
	store := newTestAuthorizationStore()
	grantor, grantee := DID("did:key:coop"), DID("did:key:alice")
	auth, err := store.Create(grantor, grantee, ResourceType{Kind: ResourceNetwork}, 50, ScopeCommunity, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.Validate(auth.ID, 50, time.Now().UTC()))
	require.Equal(t, uint64(50), auth.Remaining(), "Validate must not consume")
}

func TestAuthorizationScopeCompatibleRequiresExactMatch(t *testing.T) {
	auth := &ResourceAuthorization{Scope: ScopeCooperative}
	require.True(t, auth.ScopeCompatible(ScopeCooperative))
	require.False(t, auth.ScopeCompatible(ScopeCommunity))
}

// TestAuthorizationConcurrentConsumeNeverExceedsBalance exercises the
// linearizability property: N goroutines each racing to consume more than
// their fair share of a fixed balance must never collectively over-consume.
func TestAuthorizationConcurrentConsumeNeverExceedsBalance(t *testing.T) {
	store := newTestAuthorizationStore()
	grantor, grantee := DID("did:key:coop"), DID("did:key:alice")
	auth, err := store.Create(grantor, grantee, ResourceType{Kind: ResourceCompute}, 1000, ScopeCooperative, nil, nil)
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	var succeeded int64
	var mu sync.Mutex
	now := time.Now().UTC()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Consume(auth.ID, 30, now); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, succeeded*30, int64(1000))
	require.Equal(t, uint64(succeeded*30), auth.ConsumedAmount)
}
