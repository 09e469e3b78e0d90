package core

// LRU node cache with predictive parent prefetch (spec §4.2), grounded on
// the teacher's storage.go read-through cache and rebuilt onto
// hashicorp/golang-lru/v2 instead of a hand-rolled map+list.

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/icn-federation/icn-core/pkg/utils"
)

// Cache tuning defaults, overridable per deployment via environment
// variables (spec §1 Non-goals excludes on-disk config layout, not process
// env knobs) without touching WithCacheTuning call sites.
var (
	defaultPrefetchDepth = utils.EnvOrDefaultInt("ICN_DAG_PREFETCH_DEPTH", 3)
	defaultPrefetchMax   = utils.EnvOrDefaultInt("ICN_DAG_PREFETCH_MAX", 20)
	defaultCacheSize     = utils.EnvOrDefaultInt("ICN_DAG_CACHE_SIZE", 4096)
)

// nodeCache is a process-wide (all entities share one keyspace, since CIDs
// are globally unique) read-through cache over a NodeStore, with a bounded
// background prefetcher that walks a fetched node's parents.
type nodeCache struct {
	cache    *lru.Cache[CID, Node]
	store    NodeStore
	log      *logrus.Logger
	depth    int
	max      int
	mu       sync.Mutex
	inFlight map[CID]bool
	retry    RetryOptions
}

func newNodeCache(size, depth, max int, store NodeStore, log *logrus.Logger) (*nodeCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	if max <= 0 {
		max = defaultPrefetchMax
	}
	c, err := lru.New[CID, Node](size)
	if err != nil {
		return nil, wrapErr(KindState, "construct node cache", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &nodeCache{cache: c, store: store, log: log, depth: depth, max: max, inFlight: make(map[CID]bool), retry: DefaultRetryOptions()}, nil
}

// storeGet reads through to the backing store with spec §7's bounded
// transient-error retry (up to 3 attempts, exponential backoff) — the
// store itself may be backed by a remote or flaky collaborator, and every
// NodeStore.Get is idempotent so retrying is always safe.
func (c *nodeCache) storeGet(entity DID, id CID) ([]byte, error) {
	var raw []byte
	err := RetryIdempotent(context.Background(), c.retry, func() error {
		r, err := c.store.Get(entity, id)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})
	return raw, err
}

// get returns a node from cache, falling through to the backing store on
// miss and triggering a bounded, asynchronous prefetch of its parents.
func (c *nodeCache) get(entity DID, id CID) (Node, bool, error) {
	if n, ok := c.cache.Get(id); ok {
		return n, true, nil
	}
	raw, err := c.storeGet(entity, id)
	if err != nil {
		return Node{}, false, err
	}
	if raw == nil {
		return Node{}, false, nil
	}
	n, err := decodeNode(raw)
	if err != nil {
		return Node{}, false, err
	}
	c.cache.Add(id, n)
	c.prefetch(entity, n.Parents, c.depth, c.max)
	return n, true, nil
}

func (c *nodeCache) put(id CID, n Node) {
	c.cache.Add(id, n)
}

// prefetch walks up to max parent nodes, depth levels deep, pulling them
// into cache on a detached goroutine. Failures are logged at debug and
// otherwise dropped: prefetching is a latency optimization, never a
// correctness dependency.
func (c *nodeCache) prefetch(entity DID, frontier []CID, depth, budget int) {
	if depth <= 0 || budget <= 0 || len(frontier) == 0 {
		return
	}
	var toFetch []CID
	c.mu.Lock()
	for _, id := range frontier {
		if len(toFetch) >= budget {
			break
		}
		if c.cache.Contains(id) || c.inFlight[id] {
			continue
		}
		c.inFlight[id] = true
		toFetch = append(toFetch, id)
	}
	c.mu.Unlock()
	if len(toFetch) == 0 {
		return
	}
	go func() {
		defer func() {
			c.mu.Lock()
			for _, id := range toFetch {
				delete(c.inFlight, id)
			}
			c.mu.Unlock()
		}()
		var nextFrontier []CID
		for _, id := range toFetch {
			raw, err := c.storeGet(entity, id)
			if err != nil || raw == nil {
				c.log.WithField("cid", id).Debug("prefetch: node unavailable, skipping")
				continue
			}
			n, err := decodeNode(raw)
			if err != nil {
				c.log.WithField("cid", id).Debug("prefetch: decode failed, skipping")
				continue
			}
			c.cache.Add(id, n)
			nextFrontier = append(nextFrontier, n.Parents...)
		}
		c.prefetch(entity, nextFrontier, depth-1, budget-len(toFetch))
	}()
}
