package core

// Per-entity content-addressed DAG engine (spec §4.2), grounded on the
// teacher's storage.go ledger/state-trie engine: same read-through-cache,
// write-lock-per-subject shape, generalized from one global ledger to many
// independently-owned entity graphs.

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// NodeStore is the pluggable persistence backend for encoded DAG nodes,
// keyed by owning entity and content identifier.
type NodeStore interface {
	Put(entity DID, id CID, raw []byte) error
	Get(entity DID, id CID) ([]byte, error)
	Has(entity DID, id CID) (bool, error)
}

// InMemoryNodeStore is the default NodeStore, adapted from the teacher's
// in-memory ledger backing map.
type InMemoryNodeStore struct {
	mu   sync.RWMutex
	data map[DID]map[CID][]byte
}

func NewInMemoryNodeStore() *InMemoryNodeStore {
	return &InMemoryNodeStore{data: make(map[DID]map[CID][]byte)}
}

func (s *InMemoryNodeStore) Put(entity DID, id CID, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[entity]
	if !ok {
		m = make(map[CID][]byte)
		s.data[entity] = m
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m[id] = cp
	return nil
}

func (s *InMemoryNodeStore) Get(entity DID, id CID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data[entity]
	if !ok {
		return nil, nil
	}
	raw, ok := m[id]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

func (s *InMemoryNodeStore) Has(entity DID, id CID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data[entity]
	if !ok {
		return false, nil
	}
	_, ok = m[id]
	return ok, nil
}

// entityIndex tracks one entity's tip set and child adjacency, guarded by
// its own lock so unrelated entities never contend on writes.
type entityIndex struct {
	mu       sync.Mutex
	tips     map[CID]struct{}
	children map[CID][]CID
}

func newEntityIndex() *entityIndex {
	return &entityIndex{tips: make(map[CID]struct{}), children: make(map[CID][]CID)}
}

const defaultFanoutParallelism = 16

// DAGEngine is the explicitly constructed owner of all per-entity DAGs. It
// holds no package-level state; callers obtain one via NewDAGEngine and
// thread it through their own components (spec §9: no ambient singletons).
type DAGEngine struct {
	idSvc       *IdentityService
	store       NodeStore
	cache       *nodeCache
	audit       *AuditLog
	log         *logrus.Logger
	parallelism int

	mu       sync.Mutex
	entities map[DID]*entityIndex
}

// DAGEngineOption customizes a DAGEngine at construction.
type DAGEngineOption func(*DAGEngine)

func WithFanoutParallelism(n int) DAGEngineOption {
	return func(e *DAGEngine) { e.parallelism = n }
}

func WithCacheTuning(size, prefetchDepth, prefetchMax int) DAGEngineOption {
	return func(e *DAGEngine) {
		c, err := newNodeCache(size, prefetchDepth, prefetchMax, e.store, e.log)
		if err == nil {
			e.cache = c
		}
	}
}

// NewDAGEngine wires a DAGEngine over store, using idSvc to verify node
// signatures and audit to record every operation.
func NewDAGEngine(idSvc *IdentityService, store NodeStore, audit *AuditLog, log *logrus.Logger) (*DAGEngine, error) {
	if store == nil {
		store = NewInMemoryNodeStore()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := newNodeCache(defaultCacheSize, defaultPrefetchDepth, defaultPrefetchMax, store, log)
	if err != nil {
		return nil, err
	}
	e := &DAGEngine{
		idSvc:       idSvc,
		store:       store,
		cache:       cache,
		audit:       audit,
		log:         log,
		parallelism: defaultFanoutParallelism,
		entities:    make(map[DID]*entityIndex),
	}
	return e, nil
}

// Apply applies constructor options after NewDAGEngine's defaults, returning
// the same engine for chaining at call sites that want options without a
// variadic constructor signature change.
func (e *DAGEngine) Apply(opts ...DAGEngineOption) *DAGEngine {
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *DAGEngine) indexFor(entity DID) *entityIndex {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.entities[entity]
	if !ok {
		idx = newEntityIndex()
		e.entities[entity] = idx
	}
	return idx
}

func (e *DAGEngine) audited(action string, actor, entity DID, node CID, outcome string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(AuditRecord{Action: action, Actor: actor, Entity: entity, Node: node, Outcome: outcome})
}

// ContainsNode reports whether id is present in entity's graph.
func (e *DAGEngine) ContainsNode(entity DID, id CID) (bool, error) {
	if e.cache != nil {
		if _, ok := e.cache.cache.Get(id); ok {
			return true, nil
		}
	}
	return e.store.Has(entity, id)
}

// GetNode fetches a single node, cache-first, triggering predictive parent
// prefetch on a genuine store hit.
func (e *DAGEngine) GetNode(entity DID, id CID) (Node, error) {
	n, ok, err := e.cache.get(entity, id)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return n, nil
}

// StoreNode verifies n's signature and parent references, persists it, and
// updates entity's tip and children indexes. Storing an already-present CID
// is idempotent and returns the existing CID without re-validating.
func (e *DAGEngine) StoreNode(entity DID, n Node) (CID, error) {
	id, err := n.CID()
	if err != nil {
		return "", err
	}
	idx := e.indexFor(entity)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if has, err := e.store.Has(entity, id); err != nil {
		return "", err
	} else if has {
		return id, nil
	}

	if err := n.verifySignature(e.idSvc); err != nil {
		e.audited("dag.store_node", n.Issuer, entity, id, "rejected: "+err.Error())
		return "", err
	}
	for _, parent := range n.Parents {
		has, err := e.store.Has(entity, parent)
		if err != nil {
			return "", err
		}
		if !has {
			e.audited("dag.store_node", n.Issuer, entity, id, "rejected: parent missing")
			return "", ErrParentMissing
		}
	}

	raw, err := n.canonicalEncode()
	if err != nil {
		return "", err
	}
	if err := e.store.Put(entity, id, raw); err != nil {
		return "", err
	}
	e.cache.put(id, n)

	for _, parent := range n.Parents {
		delete(idx.tips, parent)
		idx.children[parent] = append(idx.children[parent], id)
	}
	idx.tips[id] = struct{}{}

	e.audited("dag.store_node", n.Issuer, entity, id, "applied")
	return id, nil
}

// StoreNodesBatch stores nodes as one atomic unit: nodes are topologically
// ordered first (a node may reference another node in the same batch as a
// parent), then applied in that order. If any node fails verification, no
// node in the batch is committed.
func (e *DAGEngine) StoreNodesBatch(entity DID, nodes []Node) ([]CID, error) {
	ordered, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	idx := e.indexFor(entity)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	type pending struct {
		id  CID
		n   Node
		raw []byte
	}
	plan := make([]pending, 0, len(ordered))
	known := make(map[CID]bool)

	for _, n := range ordered {
		id, err := n.CID()
		if err != nil {
			return nil, err
		}
		if has, err := e.store.Has(entity, id); err != nil {
			return nil, err
		} else if has {
			known[id] = true
			continue
		}
		if err := n.verifySignature(e.idSvc); err != nil {
			return nil, err
		}
		for _, parent := range n.Parents {
			if known[parent] {
				continue
			}
			has, err := e.store.Has(entity, parent)
			if err != nil {
				return nil, err
			}
			if !has {
				return nil, ErrParentMissing
			}
		}
		raw, err := n.canonicalEncode()
		if err != nil {
			return nil, err
		}
		plan = append(plan, pending{id: id, n: n, raw: raw})
		known[id] = true
	}

	ids := make([]CID, 0, len(plan))
	for _, p := range plan {
		if err := e.store.Put(entity, p.id, p.raw); err != nil {
			return nil, err
		}
		e.cache.put(p.id, p.n)
		for _, parent := range p.n.Parents {
			delete(idx.tips, parent)
			idx.children[parent] = append(idx.children[parent], p.id)
		}
		idx.tips[p.id] = struct{}{}
		ids = append(ids, p.id)
		e.audited("dag.store_node", p.n.Issuer, entity, p.id, "applied")
	}
	return ids, nil
}

// topoSort orders nodes so that any node referencing another node of the
// same batch as a parent comes after it. Parents outside the batch are
// assumed already stored and are not part of the ordering.
func topoSort(nodes []Node) ([]Node, error) {
	ids := make([]CID, len(nodes))
	byID := make(map[CID]Node, len(nodes))
	inBatch := make(map[CID]bool, len(nodes))
	for i, n := range nodes {
		id, err := n.CID()
		if err != nil {
			return nil, err
		}
		ids[i] = id
		byID[id] = n
		inBatch[id] = true
	}

	visited := make(map[CID]int) // 0 unvisited, 1 in-progress, 2 done
	var order []Node
	var visit func(id CID) error
	visit = func(id CID) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return wrapErr(KindValidation, "cyclic batch", nil)
		}
		visited[id] = 1
		n := byID[id]
		for _, p := range n.Parents {
			if inBatch[p] {
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		visited[id] = 2
		order = append(order, n)
		return nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// GetParents fans out bounded-parallel fetches over n's declared parent
// CIDs. Parents that cannot be found are silently omitted from the result
// rather than causing the whole call to fail (spec §4.2).
func (e *DAGEngine) GetParents(entity DID, id CID) ([]Node, error) {
	n, err := e.GetNode(entity, id)
	if err != nil {
		return nil, err
	}
	return e.fanout(entity, n.Parents), nil
}

// GetChildren fans out over the children index for id.
func (e *DAGEngine) GetChildren(entity DID, id CID) ([]Node, error) {
	idx := e.indexFor(entity)
	idx.mu.Lock()
	kids := append([]CID(nil), idx.children[id]...)
	idx.mu.Unlock()
	return e.fanout(entity, kids), nil
}

func (e *DAGEngine) fanout(entity DID, ids []CID) []Node {
	if len(ids) == 0 {
		return nil
	}
	limit := e.parallelism
	if limit <= 0 {
		limit = defaultFanoutParallelism
	}
	sem := make(chan struct{}, limit)
	results := make([]*Node, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id CID) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := e.GetNode(entity, id)
			if err != nil {
				e.log.WithField("cid", id).Debug("fanout: node unavailable, omitting")
				return
			}
			results[i] = &n
		}(i, id)
	}
	wg.Wait()
	out := make([]Node, 0, len(ids))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// GetTips returns the current frontier CIDs for entity: nodes with no known
// child in the graph yet.
func (e *DAGEngine) GetTips(entity DID) []CID {
	idx := e.indexFor(entity)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]CID, 0, len(idx.tips))
	for id := range idx.tips {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifyNode recomputes id's content hash from its stored encoding and
// re-checks its signature, catching both storage corruption and a forged
// CID/body mismatch.
func (e *DAGEngine) VerifyNode(entity DID, id CID) error {
	raw, err := e.store.Get(entity, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNodeNotFound
	}
	n, err := decodeNode(raw)
	if err != nil {
		return err
	}
	recomputed, err := n.CID()
	if err != nil {
		return err
	}
	if recomputed != id {
		return ErrCIDMismatch
	}
	return n.verifySignature(e.idSvc)
}
