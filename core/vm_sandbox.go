package core

// Live sandbox introspection (SPEC_FULL.md C4 expansion), grounded on the
// teacher's vm_sandbox_management.go per-contract-address resource tracking,
// repurposed to per-execution-id tracking since this system has no
// persistent contract addresses — every Execute call gets a fresh sandbox.

import (
	"sync"
	"time"
)

// SandboxStatus snapshots one live (or just-finished) execution's resource
// caps for introspection by an external collaborator (e.g. an operator
// dashboard).
type SandboxStatus struct {
	ExecutionID string
	FuelBudget  int64
	MemoryLimit int64
	StartedAt   time.Time
	Finished    bool
}

type sandboxTracker struct {
	mu    sync.Mutex
	byID  map[string]*SandboxStatus
	order []string
}

func newSandboxTracker() *sandboxTracker {
	return &sandboxTracker{byID: make(map[string]*SandboxStatus)}
}

func (t *sandboxTracker) start(id string, fuelBudget, memLimit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[id] = &SandboxStatus{ExecutionID: id, FuelBudget: fuelBudget, MemoryLimit: memLimit, StartedAt: time.Now().UTC()}
	t.order = append(t.order, id)
}

func (t *sandboxTracker) finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byID[id]; ok {
		s.Finished = true
	}
}

// Status resolves a single execution's sandbox record.
func (t *sandboxTracker) Status(id string) (SandboxStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return SandboxStatus{}, false
	}
	return *s, true
}

// List returns every tracked sandbox, oldest first.
func (t *sandboxTracker) List() []SandboxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SandboxStatus, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return out
}

// SandboxStatus exposes a single execution's live resource caps.
func (vm *VM) SandboxStatus(executionID string) (SandboxStatus, bool) {
	return vm.sandboxes.Status(executionID)
}

// ListSandboxes exposes every sandbox this VM has started, oldest first.
func (vm *VM) ListSandboxes() []SandboxStatus {
	return vm.sandboxes.List()
}
