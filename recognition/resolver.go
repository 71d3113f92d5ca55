package recognition

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPendingLimit bounds the queue of unresolved instances.
const DefaultPendingLimit = 500

// Resolver is the two-phase recognition cache. Definitions and instances
// arrive in any interleaving; instances that reference a definition that has
// not arrived yet are queued, bounded by capacity, and retried whenever a new
// definition is ingested.
type Resolver struct {
	mu sync.Mutex

	byID   map[string]Definition
	bySlug map[string]Definition

	pending  []Instance
	capacity int

	resolved map[string]ResolvedInstance
	byOwner  map[string][]string

	logger *logrus.Entry
}

// NewResolver creates a Resolver with the given pending-queue capacity.
// A capacity of zero or less falls back to DefaultPendingLimit.
func NewResolver(capacity int, logger *logrus.Entry) *Resolver {
	if capacity <= 0 {
		capacity = DefaultPendingLimit
	}
	return &Resolver{
		byID:     make(map[string]Definition),
		bySlug:   make(map[string]Definition),
		pending:  make([]Instance, 0, capacity),
		capacity: capacity,
		resolved: make(map[string]ResolvedInstance),
		byOwner:  make(map[string][]string),
		logger:   logger,
	}
}

// Reset drops all definitions, pending instances and resolutions. Called
// when a registry rotation invalidates the topics they came from.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]Definition)
	r.bySlug = make(map[string]Definition)
	r.pending = make([]Instance, 0, r.capacity)
	r.resolved = make(map[string]ResolvedInstance)
	r.byOwner = make(map[string][]string)
}

// UpsertDefinition stores or replaces a definition and immediately retries
// the pending queue, since the new definition may unblock queued instances.
func (r *Resolver) UpsertDefinition(def Definition) int {
	r.mu.Lock()
	r.byID[def.ID] = def
	if def.Slug != "" {
		r.bySlug[def.Slug] = def
	}
	r.mu.Unlock()

	return r.ReprocessPending()
}

// Lookup finds a definition by id first, then by slug. The second return
// value is false when no definition exists yet; absence is an expected,
// transient state, not a fault.
func (r *Resolver) Lookup(ref string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(ref)
}

func (r *Resolver) lookupLocked(ref string) (Definition, bool) {
	if def, ok := r.byID[ref]; ok {
		return def, true
	}
	if def, ok := r.bySlug[ref]; ok {
		return def, true
	}
	return Definition{}, false
}

// Resolve attempts to merge an instance with its definition. It returns nil
// when the definition does not exist yet; the caller decides whether to
// queue.
func (r *Resolver) Resolve(inst Instance) *ResolvedInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.lookupLocked(inst.DefinitionRef)
	if !ok {
		return nil
	}

	res := ResolvedInstance{Instance: inst, Definition: def}
	r.storeResolvedLocked(res)
	return &res
}

// Queue holds an unresolved instance for later. When the queue is full, the
// oldest tenth of it is evicted first; losing very old unresolved instances
// is the documented price of bounding memory against a permanently missing
// definition.
func (r *Resolver) Queue(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inst.Key()
	for i, p := range r.pending {
		if p.Key() == key {
			r.pending[i] = inst
			return
		}
	}

	if len(r.pending) >= r.capacity {
		evict := r.capacity / 10
		if evict < 1 {
			evict = 1
		}
		r.logger.WithField("evicted", evict).Debug("Pending queue full, evicting oldest")
		r.pending = append(r.pending[:0], r.pending[evict:]...)
	}

	r.pending = append(r.pending, inst)
}

// Ingest is the single entry point for new instances: resolve now if the
// definition exists, otherwise queue; either way, retry the rest of the
// queue.
func (r *Resolver) Ingest(inst Instance) *ResolvedInstance {
	res := r.Resolve(inst)
	if res == nil {
		r.Queue(inst)
	}
	r.ReprocessPending()
	return res
}

// ReprocessPending retries resolution for every queued instance, splicing
// out the ones that now resolve. It returns the number resolved on this
// pass.
func (r *Resolver) ReprocessPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	remaining := r.pending[:0]
	for _, inst := range r.pending {
		def, ok := r.lookupLocked(inst.DefinitionRef)
		if !ok {
			remaining = append(remaining, inst)
			continue
		}
		r.storeResolvedLocked(ResolvedInstance{Instance: inst, Definition: def})
		count++
	}
	r.pending = remaining

	if count > 0 {
		r.logger.WithField("count", count).Debug("Resolved pending instances")
	}

	return count
}

// storeResolvedLocked records a resolved instance exactly once per key;
// redelivery overwrites in place.
func (r *Resolver) storeResolvedLocked(res ResolvedInstance) {
	key := res.Instance.Key()
	if _, seen := r.resolved[key]; !seen {
		owner := res.Instance.OwnerID
		r.byOwner[owner] = append(r.byOwner[owner], key)
	}
	r.resolved[key] = res
}

// ResolvedForOwner returns the resolved instances belonging to an owner, in
// ingestion order.
func (r *Resolver) ResolvedForOwner(owner string) []ResolvedInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byOwner[owner]
	out := make([]ResolvedInstance, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.resolved[k])
	}
	return out
}

// PendingCount returns the number of queued unresolved instances.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// DefinitionCount returns the number of known definitions.
func (r *Resolver) DefinitionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// ResolvedCount returns the number of distinct resolved instances.
func (r *Resolver) ResolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}
