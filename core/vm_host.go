package core

// Host ABI (spec §4.4 table), grounded on the teacher's virtual_machine.go
// registerHost bindings: the same host_read/host_write/host_log shape,
// extended with the DAG- and economics-aware calls this system's guest code
// needs (sub-entity creation, node anchoring, token mint/transfer).

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HostEnv is the per-execution key/value storage surface host_storage_get
// and host_storage_put operate on, plus the key -> anchor-CID index
// host_anchor_to_dag maintains. It is explicitly constructed and passed into
// an ExecutionContext; nothing about it is global (spec §9).
type HostEnv struct {
	storageMu sync.RWMutex
	storage   map[string][]byte
	anchors   map[string]CID
}

// NewHostEnv constructs an empty host environment.
func NewHostEnv() *HostEnv {
	return &HostEnv{storage: make(map[string][]byte), anchors: make(map[string]CID)}
}

// Put writes value under key.
func (h *HostEnv) Put(key string, value []byte) {
	h.storageMu.Lock()
	defer h.storageMu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	h.storage[key] = cp
}

// Get reads the value stored under key, if any.
func (h *HostEnv) Get(key string) ([]byte, bool) {
	h.storageMu.RLock()
	defer h.storageMu.RUnlock()
	v, ok := h.storage[key]
	return v, ok
}

// RecordAnchor remembers the CID a key was last anchored under.
func (h *HostEnv) RecordAnchor(key string, id CID) {
	h.storageMu.Lock()
	defer h.storageMu.Unlock()
	h.anchors[key] = id
}

// Anchor resolves the CID a key was last anchored under.
func (h *HostEnv) Anchor(key string) (CID, bool) {
	h.storageMu.RLock()
	defer h.storageMu.RUnlock()
	id, ok := h.anchors[key]
	return id, ok
}

// payloadBytes coerces a Payload into a byte slice the way the compiled
// opcode stream's string-typed args are coerced by toStringValue, but also
// accepting raw []byte (signatures, blob data).
func payloadBytes(p Payload) ([]byte, bool) {
	switch v := p.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

// payloadByteLen estimates the encode/decode cost of p for the metering
// policy's incremental-bytes term (spec §4.4).
func payloadByteLen(p Payload) int {
	switch v := p.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	case []Payload:
		n := 0
		for _, e := range v {
			n += payloadByteLen(e)
		}
		return n
	default:
		return 0
	}
}

func toUint64(p Payload) uint64 {
	switch v := p.(type) {
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case string:
		var n uint64
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

func resourceKindFromString(s string) ResourceKind {
	switch s {
	case "compute":
		return ResourceCompute
	case "storage":
		return ResourceStorage
	case "network":
		return ResourceNetwork
	case "labor-hours":
		return ResourceLaborHours
	case "community-credit":
		return ResourceCommunityCredit
	default:
		return ResourceCustom
	}
}

// hostLogMessage backs both the LOG opcode and the host_log_message ABI
// entry: it meters the call then emits a log record at the requested level.
func (vm *VM) hostLogMessage(ctx *ExecutionContext, level, msg string) error {
	if err := vm.chargeHostCall(ctx, "host_log_message", len(msg)); err != nil {
		return err
	}
	entry := vm.log.WithFields(logrus.Fields{"caller": ctx.Caller})
	switch level {
	case "debug":
		entry.Debug(msg)
	case "warn", "warning":
		entry.Warn(msg)
	case "error":
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// callHost dispatches a CALLHOST instruction to the named host function
// (spec §4.4 ABI table). Every case charges its metering cost before doing
// any work, per the metering policy's "consult authorization before work"
// rule.
func (vm *VM) callHost(ctx *ExecutionContext, name string, args []Payload) (Payload, error) {
	switch name {
	case "host_log_message":
		level, _ := toStringValue(arg(args, 0))
		msg, _ := toStringValue(arg(args, 1))
		if err := vm.hostLogMessage(ctx, level, msg); err != nil {
			return nil, err
		}
		return int64(1), nil

	case "host_storage_put":
		return vm.hostStoragePut(ctx, arg(args, 0), arg(args, 1))

	case "host_storage_get":
		return vm.hostStorageGet(ctx, arg(args, 0))

	case "host_contains_node":
		return vm.hostContainsNode(ctx, arg(args, 0), arg(args, 1))

	case "host_create_sub_entity":
		return vm.hostCreateSubEntity(ctx, arg(args, 0), arg(args, 1), arg(args, 2))

	case "host_store_node":
		return vm.hostStoreNode(ctx, arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3))

	case "host_anchor_to_dag":
		return vm.hostAnchorToDag(ctx, arg(args, 0), arg(args, 1))

	case "host_mint_tokens":
		return vm.hostMintTokens(ctx, arg(args, 0), arg(args, 1), arg(args, 2))

	case "host_transfer_resources":
		return vm.hostTransferResources(ctx, arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3))

	default:
		return nil, wrapErr(KindExecution, "unknown host call "+name, nil)
	}
}

func arg(args []Payload, i int) Payload {
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

func (vm *VM) hostStoragePut(ctx *ExecutionContext, keyP, valP Payload) (Payload, error) {
	key, _ := toStringValue(keyP)
	val, _ := payloadBytes(valP)
	if err := vm.chargeHostCall(ctx, "host_storage_put", len(key)+len(val)); err != nil {
		return nil, err
	}
	if err := vm.chargeStorage(ctx, len(val)); err != nil {
		return nil, err
	}
	ctx.Host.Put(key, val)
	return int64(1), nil
}

// hostStorageGet returns 1/0 (found/missing), matching the guest-visible
// ABI contract (spec §9: integer status codes, not exceptions).
func (vm *VM) hostStorageGet(ctx *ExecutionContext, keyP Payload) (Payload, error) {
	key, _ := toStringValue(keyP)
	if err := vm.chargeHostCall(ctx, "host_storage_get", len(key)); err != nil {
		return nil, err
	}
	if _, ok := ctx.Host.Get(key); ok {
		return int64(1), nil
	}
	return int64(0), nil
}

func (vm *VM) hostContainsNode(ctx *ExecutionContext, entityP, cidP Payload) (Payload, error) {
	entity, _ := toStringValue(entityP)
	cid, _ := toStringValue(cidP)
	if err := vm.chargeHostCall(ctx, "host_contains_node", len(cid)); err != nil {
		return nil, err
	}
	ok, err := vm.dag.ContainsNode(DID(entity), CID(cid))
	if err != nil {
		return nil, err
	}
	if ok {
		return int64(1), nil
	}
	return int64(0), nil
}

// hostCreateSubEntity mints a fresh DID, stores its genesis DAG node, and
// registers its EntityMetadata record (spec §4.4 ABI table, §3 Entity
// Metadata).
func (vm *VM) hostCreateSubEntity(ctx *ExecutionContext, parentP, payloadP, typeP Payload) (Payload, error) {
	if err := vm.chargeHostCall(ctx, "host_create_sub_entity", payloadByteLen(payloadP)); err != nil {
		return nil, err
	}
	if vm.entities == nil {
		return nil, ErrEntityNotFound
	}
	parentStr, _ := toStringValue(parentP)
	typeStr, _ := toStringValue(typeP)

	newDID, _, err := vm.idSvc.GenerateDID()
	if err != nil {
		return nil, err
	}
	scope := ctx.CallerScope
	node := Node{
		Issuer:   newDID,
		Body:     payloadP,
		Metadata: NodeMetadata{Timestamp: ctx.Now(), Scope: &scope},
	}
	signed, err := node.Sign(vm.idSvc)
	if err != nil {
		return nil, err
	}
	genesisCID, err := vm.dag.StoreNode(newDID, signed)
	if err != nil {
		return nil, err
	}

	var parentPtr *DID
	if parentStr != "" {
		p := DID(parentStr)
		parentPtr = &p
	}
	if err := vm.entities.Register(EntityMetadata{
		DID:        newDID,
		ParentDID:  parentPtr,
		GenesisCID: genesisCID,
		TypeTag:    typeStr,
		CreatedAt:  ctx.Now(),
	}); err != nil {
		return nil, err
	}
	ctx.newEntity = &NewEntityResult{DID: newDID, GenesisCID: genesisCID}
	return int64(1), nil
}

// hostStoreNode stores a fully-formed node supplied by the guest onto the
// named entity's DAG (spec §4.4 ABI table). The signature is taken as given
// (the guest is expected to have signed offline under the entity's key);
// DAGEngine.StoreNode still re-verifies it.
func (vm *VM) hostStoreNode(ctx *ExecutionContext, entityP, payloadP, parentsP, sigP Payload) (Payload, error) {
	if err := vm.chargeHostCall(ctx, "host_store_node", payloadByteLen(payloadP)); err != nil {
		return nil, err
	}
	entity, _ := toStringValue(entityP)
	sig, _ := payloadBytes(sigP)

	var parents []CID
	if list, ok := parentsP.([]Payload); ok {
		for _, p := range list {
			if s, ok := toStringValue(p); ok {
				parents = append(parents, CID(s))
			}
		}
	}
	n := Node{
		Issuer:    DID(entity),
		Parents:   parents,
		Body:      payloadP,
		Signature: sig,
		Metadata:  NodeMetadata{Timestamp: ctx.Now()},
	}
	if err := vm.chargeStorage(ctx, payloadByteLen(payloadP)); err != nil {
		return nil, err
	}
	id, err := vm.dag.StoreNode(DID(entity), n)
	if err != nil {
		return nil, err
	}
	return string(id), nil
}

// hostAnchorToDag wraps data in a DAG node tagged {key, timestamp, caller},
// chains it onto the caller's current tips, and records the key -> CID
// mapping (spec §4.4 ABI table).
func (vm *VM) hostAnchorToDag(ctx *ExecutionContext, keyP, dataP Payload) (Payload, error) {
	data, _ := payloadBytes(dataP)
	if err := vm.chargeHostCall(ctx, "host_anchor_to_dag", len(data)); err != nil {
		return nil, err
	}
	if err := vm.chargeStorage(ctx, len(data)); err != nil {
		return nil, err
	}
	key, _ := toStringValue(keyP)

	body := map[string]Payload{
		"key":       key,
		"timestamp": ctx.Now().Format(time.RFC3339Nano),
		"caller":    string(ctx.Caller),
		"data":      data,
	}
	parents := vm.dag.GetTips(ctx.Caller)
	n := Node{
		Issuer:   ctx.Caller,
		Parents:  parents,
		Body:     body,
		Metadata: NodeMetadata{Timestamp: ctx.Now()},
	}
	signed, err := n.Sign(vm.idSvc)
	if err != nil {
		return nil, err
	}
	id, err := vm.dag.StoreNode(ctx.Caller, signed)
	if err != nil {
		return nil, err
	}
	ctx.lastAnchor = id
	ctx.Host.RecordAnchor(key, id)
	return string(id), nil
}

// hostMintTokens is guardian-scope only (spec §4.4 ABI table).
func (vm *VM) hostMintTokens(ctx *ExecutionContext, kindP, recipientP, amountP Payload) (Payload, error) {
	if err := vm.chargeHostCall(ctx, "host_mint_tokens", 0); err != nil {
		return nil, err
	}
	if ctx.CallerScope != ScopeGuardian {
		return int64(0), ErrUnauthorized
	}
	kindStr, _ := toStringValue(kindP)
	recipient, _ := toStringValue(recipientP)
	amount := toUint64(amountP)

	_, err := vm.tokens.Mint(ctx.Caller, ctx.CallerScope, DID(recipient), ResourceType{Kind: resourceKindFromString(kindStr)}, amount, ctx.CallerScope)
	if err != nil {
		return int64(0), err
	}
	return int64(1), nil
}

// hostTransferResources requires the caller to be the "from" party or hold
// Guardian scope (spec §4.4 ABI table). It transfers ownership of a single
// token matching resourceType and amount exactly; a VM guest that wants to
// move a partial amount must first split its holdings by minting/burning,
// since ScopedResourceTokens are non-fungible units, not a balance.
func (vm *VM) hostTransferResources(ctx *ExecutionContext, kindP, fromP, toP, amountP Payload) (Payload, error) {
	if err := vm.chargeHostCall(ctx, "host_transfer_resources", 0); err != nil {
		return nil, err
	}
	from, _ := toStringValue(fromP)
	to, _ := toStringValue(toP)
	if ctx.Caller != DID(from) && ctx.CallerScope != ScopeGuardian {
		return int64(0), ErrUnauthorized
	}
	kindStr, _ := toStringValue(kindP)
	amount := toUint64(amountP)

	tok, ok := vm.tokens.FindOwnedToken(DID(from), ResourceType{Kind: resourceKindFromString(kindStr)}, amount)
	if !ok {
		return int64(0), ErrTokenNotFound
	}
	if err := vm.tokens.Transfer(DID(from), tok.ID, DID(to)); err != nil {
		return int64(0), err
	}
	return int64(1), nil
}
