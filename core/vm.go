package core

// Sandbox VM and interpreter (spec §4.4), grounded on the teacher's
// virtual_machine.go gas-metered execution loop, generalized from a single
// EVM-flavored opcode set to the compiler's PUSH/STORE/LOAD/LOG/LOGBYFLAG/
// CALLHOST/RETSTATUSNZ/RETSTATUS target language (core/artifact.go).

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/icn-federation/icn-core/pkg/utils"
)

// VMState is the terminal/intermediate state of one VM invocation (spec
// §4.4 state machine): Created -> Instantiated -> Running ->
// (Suspended at host call, looped) -> Completed | Trapped | OutOfFuel |
// OutOfMemory. Only the last four are observable to a caller of Execute.
type VMState int

const (
	StateCreated VMState = iota
	StateInstantiated
	StateRunning
	StateSuspended
	StateCompleted
	StateTrapped
	StateOutOfFuel
	StateOutOfMemory
)

func (s VMState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateTrapped:
		return "trapped"
	case StateOutOfFuel:
		return "out_of_fuel"
	case StateOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// Fuel/memory caps, overridable per deployment via environment variables
// (spec §4.4 default 1,000,000 fuel units / 1 MiB memory) without a config
// file layer, which is an excluded collaborator concern (spec §1).
var (
	DefaultFuelBudget = utils.EnvOrDefaultUint64("ICN_VM_FUEL_BUDGET", 1_000_000)
	DefaultMemoryCap  = utils.EnvOrDefaultUint64("ICN_VM_MEMORY_CAP", 1<<20) // 1 MiB
)

// NewEntityResult is returned when an execution creates a sub-entity via
// host_create_sub_entity.
type NewEntityResult struct {
	DID        DID
	GenesisCID CID
}

// ExecutionContext carries the identity, authorizations, and host
// environment one Execute call runs under (spec §4.4).
type ExecutionContext struct {
	Caller          DID
	CallerScope     Scope
	Authorizations  []*ResourceAuthorization
	ProposalID      string
	FederationScope *Scope
	Host            *HostEnv
	NowFn           func() time.Time

	fuelBudget    int64
	fuelRemaining int64
	memUsed       int64
	memLimit      int64

	consumption map[ResourceKind]uint64
	newEntity   *NewEntityResult
	lastAnchor  CID
}

// NewExecutionContext constructs a context with the default fuel budget and
// memory cap; override via SetLimits before Execute if the artifact's own
// memory-limits section requests something smaller.
func NewExecutionContext(caller DID, callerScope Scope, auths []*ResourceAuthorization, host *HostEnv) *ExecutionContext {
	return &ExecutionContext{
		Caller:         caller,
		CallerScope:    callerScope,
		Authorizations: auths,
		Host:           host,
		fuelBudget:     int64(DefaultFuelBudget),
		fuelRemaining:  int64(DefaultFuelBudget),
		memLimit:       int64(DefaultMemoryCap),
		consumption:    make(map[ResourceKind]uint64),
	}
}

func (c *ExecutionContext) SetLimits(fuel, memory uint64) {
	c.fuelBudget = int64(fuel)
	c.fuelRemaining = int64(fuel)
	c.memLimit = int64(memory)
}

func (c *ExecutionContext) Now() time.Time {
	if c.NowFn != nil {
		return c.NowFn()
	}
	return time.Now().UTC()
}

func (c *ExecutionContext) authorizationFor(kind ResourceKind) *ResourceAuthorization {
	for _, a := range c.Authorizations {
		if a.ResourceType.Kind == kind && a.ScopeCompatible(c.CallerScope) {
			return a
		}
	}
	return nil
}

func (c *ExecutionContext) recordConsumption(kind ResourceKind, amount uint64) {
	c.consumption[kind] += amount
}

func (c *ExecutionContext) consumeFuel(n uint64) bool {
	return atomic.AddInt64(&c.fuelRemaining, -int64(n)) >= 0
}

func (c *ExecutionContext) growMemory(n int) bool {
	return atomic.AddInt64(&c.memUsed, int64(n)) <= c.memLimit
}

// ExecutionResult is the outcome of one Execute call (spec §4.4).
type ExecutionResult struct {
	Success       bool
	ReturnBytes   []byte
	Consumption   map[ResourceKind]uint64
	Error         string
	NewEntity     *NewEntityResult
	LastAnchorCID CID
	State         VMState
}

// VM loads artifacts and runs them against an ExecutionContext.
type VM struct {
	idSvc     *IdentityService
	dag       *DAGEngine
	authStore *AuthorizationStore
	tokens    *TokenStore
	entities  *EntityMetadataStore
	log       *logrus.Logger
	sandboxes *sandboxTracker
}

// NewVM wires a VM over its collaborators. entities may be nil, in which
// case host_create_sub_entity is unavailable and returns ErrEntityNotFound.
func NewVM(idSvc *IdentityService, dag *DAGEngine, authStore *AuthorizationStore, tokens *TokenStore, entities *EntityMetadataStore, log *logrus.Logger) *VM {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &VM{
		idSvc:     idSvc,
		dag:       dag,
		authStore: authStore,
		tokens:    tokens,
		entities:  entities,
		log:       log,
		sandboxes: newSandboxTracker(),
	}
}

// uuid7Like mints an opaque, sufficiently-random execution id. Named for the
// roughly time-ordered feel callers expect from a UUIDv7 without taking on
// the extra dependency the pack does not carry.
func uuid7Like() string {
	return uuid.NewString()
}

type interpState struct {
	stack  []Payload
	vars   map[string]Payload
	status int
}

func newInterpState() *interpState {
	return &interpState{vars: make(map[string]Payload)}
}

func (s *interpState) push(v Payload) { s.stack = append(s.stack, v) }

func (s *interpState) pop() (Payload, bool) {
	if len(s.stack) == 0 {
		return nil, false
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, true
}

func truthy(v Payload) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case string:
		return t != "" && t != "0" && t != "false"
	default:
		return v != nil
	}
}

// Execute runs artifact's "_start" function then entryPoint (typically
// "invoke") under ctx, returning the VM's terminal state and result.
func (vm *VM) Execute(artifact Artifact, ctx *ExecutionContext, entryPoint string) (result ExecutionResult, execErr error) {
	execID := uuid7Like()
	vm.sandboxes.start(execID, ctx.fuelRemaining, ctx.memLimit)
	defer vm.sandboxes.finish(execID)

	state := StateInstantiated
	defer func() {
		if r := recover(); r != nil {
			state = StateTrapped
			result = ExecutionResult{Success: false, Error: fmt.Sprintf("guest trap: %v", r), Consumption: ctx.consumption, State: state}
			execErr = ErrGuestTrap
		}
		vm.issueReceiptBestEffort(ctx, result)
	}()

	is := newInterpState()

	if start, ok := artifact.Code.Functions["_start"]; ok {
		state = StateRunning
		if st, err := vm.run(ctx, is, start); err != nil {
			return vm.terminal(ctx, st, err), nil
		}
	}

	entry, ok := artifact.Code.Functions[entryPoint]
	if !ok {
		return vm.terminal(ctx, StateTrapped, ErrEntryPointMissing), nil
	}
	state = StateRunning
	if st, err := vm.run(ctx, is, entry); err != nil {
		return vm.terminal(ctx, st, err), nil
	}

	consumedFuel := uint64(0)
	if ctx.fuelRemaining >= 0 {
		consumedFuel = uint64(ctx.fuelBudget - ctx.fuelRemaining)
	}
	ctx.recordConsumption(ResourceCompute, consumedFuel)

	return ExecutionResult{
		Success:       is.status == 0,
		Consumption:   ctx.consumption,
		NewEntity:     ctx.newEntity,
		LastAnchorCID: ctx.lastAnchor,
		State:         StateCompleted,
	}, nil
}

func (vm *VM) terminal(ctx *ExecutionContext, state VMState, err error) ExecutionResult {
	return ExecutionResult{
		Success:       false,
		Error:         err.Error(),
		Consumption:   ctx.consumption,
		NewEntity:     ctx.newEntity,
		LastAnchorCID: ctx.lastAnchor,
		State:         state,
	}
}

// run executes a straight-line instruction list, returning (state, error)
// where a non-nil error always corresponds to one of the documented
// terminal states (OutOfFuel, OutOfMemory, Trapped).
func (vm *VM) run(ctx *ExecutionContext, is *interpState, instrs []Instruction) (VMState, error) {
	for _, in := range instrs {
		if !ctx.consumeFuel(1) {
			return StateOutOfFuel, ErrOutOfFuel
		}
		switch in.Op {
		case "PUSH":
			v := in.Args[0]
			if !ctx.growMemory(len(v)) {
				return StateOutOfMemory, ErrOutOfMemory
			}
			is.push(v)
		case "STORE":
			v, _ := is.pop()
			is.vars[in.Args[0]] = v
		case "LOAD":
			is.push(is.vars[in.Args[0]])
		case "LOG":
			level, msg := in.Args[0], in.Args[1]
			if err := vm.hostLogMessage(ctx, level, msg); err != nil {
				return StateTrapped, err
			}
		case "LOGBYFLAG":
			flag := truthy(is.vars[in.Args[0]])
			msg := in.Args[2]
			if flag {
				msg = in.Args[1]
			}
			if err := vm.hostLogMessage(ctx, "info", msg); err != nil {
				return StateTrapped, err
			}
		case "CALLHOST":
			name := in.Args[0]
			nargs := 0
			fmt.Sscanf(in.Args[1], "%d", &nargs)
			resultVar := in.Args[2]
			args := make([]Payload, nargs)
			for i := nargs - 1; i >= 0; i-- {
				v, ok := is.pop()
				if !ok {
					return StateTrapped, wrapErr(KindExecution, "stack underflow in CALLHOST", nil)
				}
				args[i] = v
			}
			res, err := vm.callHost(ctx, name, args)
			if err != nil {
				return StateTrapped, err
			}
			is.vars[resultVar] = res
		case "RETSTATUSNZ":
			if truthy(is.vars[in.Args[0]]) {
				is.status = 0
			} else {
				is.status = 1
			}
		case "RETSTATUS":
			fmt.Sscanf(in.Args[0], "%d", &is.status)
		default:
			return StateTrapped, wrapErr(KindExecution, "unknown opcode "+in.Op, nil)
		}
	}
	return StateRunning, nil
}
