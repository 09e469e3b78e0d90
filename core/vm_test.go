package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestExecutionContext builds a context with enough compute and storage
// authorization to run the small store_data/get_data artifacts compiled in
// these tests.
func newTestExecutionContext(t *testing.T, authStore *AuthorizationStore, caller DID, scope Scope, host *HostEnv) *ExecutionContext {
	t.Helper()
	compute, err := authStore.Create(caller, caller, ResourceType{Kind: ResourceCompute}, 100000, scope, nil, nil)
	require.NoError(t, err)
	storage, err := authStore.Create(caller, caller, ResourceType{Kind: ResourceStorage}, 100000, scope, nil, nil)
	require.NoError(t, err)
	return NewExecutionContext(caller, scope, []*ResourceAuthorization{compute, storage}, host)
}

// TestVMExecuteStoreDataRoundTrips compiles a store_data artifact and
// executes it, then confirms the value lands in the host storage under the
// expected key (spec §8 compile+execute scenario).
func TestVMExecuteStoreDataRoundTrips(t *testing.T) {
	svc := newTestIdentityService(t)
	caller, _, err := svc.GenerateDID()
	require.NoError(t, err)

	compiler := NewCompiler(nil, nil)
	fixedTS := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err := compiler.Compile(
		CompileConfig{TemplateType: "governance", TemplateVersion: "1"},
		map[string]Payload{"action": "store_data", "key_cid": "bafy123", "value": "hello-world"},
		CompileOptions{Timestamp: &fixedTS},
	)
	require.NoError(t, err)
	artifact, err := DecodeArtifact(raw)
	require.NoError(t, err)

	authStore := NewAuthorizationStore(nil)
	host := NewHostEnv()
	vm := NewVM(svc, nil, authStore, NewTokenStore(nil, nil), nil, nil)
	ctx := newTestExecutionContext(t, authStore, caller, ScopeCooperative, host)

	result, err := vm.Execute(artifact, ctx, "invoke")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, StateCompleted, result.State)

	stored, ok := host.Get("bafy123")
	require.True(t, ok)
	require.Equal(t, "hello-world", string(stored))

	require.Greater(t, result.Consumption[ResourceCompute], uint64(0))
	require.Greater(t, result.Consumption[ResourceStorage], uint64(0))
}

func TestVMExecuteGetDataReportsPresence(t *testing.T) {
	svc := newTestIdentityService(t)
	caller, _, err := svc.GenerateDID()
	require.NoError(t, err)

	authStore := NewAuthorizationStore(nil)
	host := NewHostEnv()
	host.Put("bafy456", []byte("already-there"))
	vm := NewVM(svc, nil, authStore, NewTokenStore(nil, nil), nil, nil)
	ctx := newTestExecutionContext(t, authStore, caller, ScopeCooperative, host)

	compiler := NewCompiler(nil, nil)
	raw, err := compiler.Compile(
		CompileConfig{TemplateType: "generic", TemplateVersion: "1"},
		map[string]Payload{"action": "get_data", "key_cid": "bafy456"},
		CompileOptions{},
	)
	require.NoError(t, err)
	artifact, err := DecodeArtifact(raw)
	require.NoError(t, err)

	result, err := vm.Execute(artifact, ctx, "invoke")
	require.NoError(t, err)
	require.True(t, result.Success)
}

// TestVMExecuteFailsWithoutComputeAuthorization exercises the metering
// policy's "consult authorization before work" rule: a caller with no
// matching ResourceAuthorization cannot run even the cheapest host call.
func TestVMExecuteFailsWithoutComputeAuthorization(t *testing.T) {
	svc := newTestIdentityService(t)
	caller, _, err := svc.GenerateDID()
	require.NoError(t, err)

	authStore := NewAuthorizationStore(nil)
	vm := NewVM(svc, nil, authStore, NewTokenStore(nil, nil), nil, nil)
	ctx := NewExecutionContext(caller, ScopeCooperative, nil, NewHostEnv())

	compiler := NewCompiler(nil, nil)
	raw, err := compiler.Compile(
		CompileConfig{TemplateType: "governance", TemplateVersion: "1"},
		map[string]Payload{"action": "store_data", "key_cid": "bafy789", "value": "x"},
		CompileOptions{},
	)
	require.NoError(t, err)
	artifact, err := DecodeArtifact(raw)
	require.NoError(t, err)

	result, err := vm.Execute(artifact, ctx, "invoke")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, StateTrapped, result.State)
}

// TestVMExecuteOutOfFuelTrapsExecution exercises the fuel-exhaustion edge
// case: a context whose fuel budget cannot cover even the first instruction
// terminates in StateOutOfFuel rather than running to completion.
func TestVMExecuteOutOfFuelTrapsExecution(t *testing.T) {
	svc := newTestIdentityService(t)
	caller, _, err := svc.GenerateDID()
	require.NoError(t, err)

	authStore := NewAuthorizationStore(nil)
	vm := NewVM(svc, nil, authStore, NewTokenStore(nil, nil), nil, nil)
	ctx := newTestExecutionContext(t, authStore, caller, ScopeCooperative, NewHostEnv())
	ctx.SetLimits(0, uint64(DefaultMemoryCap))

	compiler := NewCompiler(nil, nil)
	raw, err := compiler.Compile(
		CompileConfig{TemplateType: "generic", TemplateVersion: "1"},
		map[string]Payload{"action": "get_data", "key_cid": "bafy000"},
		CompileOptions{},
	)
	require.NoError(t, err)
	artifact, err := DecodeArtifact(raw)
	require.NoError(t, err)

	result, err := vm.Execute(artifact, ctx, "invoke")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, StateOutOfFuel, result.State)
}
