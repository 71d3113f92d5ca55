package bootstrap

import (
	"github.com/ledgertail/ledgertail/ledger"
)

// Freshness qualifies how old the data in a BootstrapResult is. Staleness is
// a queryable state, not an error; callers decide how to present it.
type Freshness struct {
	// CacheAgeMs is the age of the hydrated cache entry, -1 when nothing
	// was hydrated.
	CacheAgeMs int64 `json:"cache_age_ms"`

	// RegistryAgeMs is the age of the stored registry snapshot, -1 when
	// none exists.
	RegistryAgeMs int64 `json:"registry_age_ms"`

	IsStale bool `json:"is_stale"`
}

// Derived holds the counters recomputed from the full signal set on every
// refresh.
type Derived struct {
	SignalCounts  map[string]int   `json:"signal_counts"`
	TotalSignals  int              `json:"total_signals"`
	CircleEdges   int              `json:"circle_edges"`
	LastTimestamp ledger.Timestamp `json:"last_timestamp"`
}

// Result is the terminal "ready" state of a bootstrap run. CachedSignals and
// CachedDerived come straight from hydration and may be stale; the detached
// refresh corrects them and announces itself through the hub.
type Result struct {
	CachedSignals  []ledger.NormalizedSignal `json:"cached_signals"`
	CachedDerived  *Derived                  `json:"cached_derived,omitempty"`
	ResolvedTopics map[string]string         `json:"resolved_topics"`
	RegistryID     string                    `json:"registry_id"`
	Degraded       bool                      `json:"degraded"`
	Rotated        bool                      `json:"rotated"`
	Freshness      Freshness                 `json:"freshness"`
}
