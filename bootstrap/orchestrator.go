package bootstrap

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/cache"
	"github.com/ledgertail/ledgertail/circle"
	cm "github.com/ledgertail/ledgertail/common"
	"github.com/ledgertail/ledgertail/ledger"
	"github.com/ledgertail/ledgertail/mirror"
	"github.com/ledgertail/ledgertail/recognition"
	"github.com/ledgertail/ledgertail/registry"
)

// DefaultStaleThreshold is the cache age beyond which a hydrated result is
// flagged stale.
const DefaultStaleThreshold = 5 * time.Minute

// Config holds the orchestrator's own knobs. Component configuration lives
// with the components.
type Config struct {
	// SessionID scopes the cache. An empty id yields a fresh session,
	// which hydrates nothing; callers that want warm starts pass a stable
	// id.
	SessionID string

	// StaleThreshold is the cache age beyond which hydrated data is
	// flagged stale. Zero means DefaultStaleThreshold.
	StaleThreshold time.Duration
}

// Orchestrator sequences hydration, registry resolution, reconciliation and
// the detached refresh. It is the only component that talks to all the
// others, and it enforces their ordering.
type Orchestrator struct {
	state

	conf     Config
	cache    *cache.ProjectionCache
	registry *registry.Resolver
	rest     *mirror.Client
	recog    *recognition.Resolver
	circle   *circle.Projection
	hub      *Hub
	logger   *logrus.Entry

	mu         sync.Mutex
	signals    map[string]ledger.NormalizedSignal
	watermarks map[string]ledger.Timestamp
	topics     map[string]string
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(
	conf Config,
	projCache *cache.ProjectionCache,
	reg *registry.Resolver,
	rest *mirror.Client,
	recog *recognition.Resolver,
	circ *circle.Projection,
	logger *logrus.Entry,
) *Orchestrator {
	if conf.StaleThreshold <= 0 {
		conf.StaleThreshold = DefaultStaleThreshold
	}

	return &Orchestrator{
		conf:       conf,
		cache:      projCache,
		registry:   reg,
		rest:       rest,
		recog:      recog,
		circle:     circ,
		hub:        NewHub(),
		logger:     logger,
		signals:    make(map[string]ledger.NormalizedSignal),
		watermarks: make(map[string]ledger.Timestamp),
		topics:     make(map[string]string),
	}
}

// Hub exposes the update subscription hub.
func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// Phase returns the current bootstrap phase.
func (o *Orchestrator) Phase() Phase {
	return o.getPhase()
}

// Refreshing reports whether the detached refresh is still in flight.
func (o *Orchestrator) Refreshing() bool {
	return o.isRefreshing()
}

// Bootstrap runs the four ordered phases. It returns as soon as phase 3
// completes; the refresh of phase 4 is detached, and its completion is
// announced through the hub. The caller gets an immediate, possibly stale
// answer.
func (o *Orchestrator) Bootstrap(ctx context.Context) (*Result, error) {
	// Phase 1: hydrate
	o.setPhase(Hydrating)
	o.cache.BeginSession(o.conf.SessionID)

	cachedSignals, cachedDerived, cacheAge := o.hydrate()

	// Phase 2: resolve
	o.setPhase(Resolving)
	res := o.registry.Resolve(ctx)

	// Phase 3: reconcile. A rotation clear is synchronous and completes
	// before the refresh starts, so a concurrent refresh cannot resurrect
	// stale topic-scoped data.
	o.setPhase(Reconciling)
	rotated, err := o.registry.CheckRotation(res)
	if err != nil {
		return nil, err
	}
	if rotated {
		cachedSignals = []ledger.NormalizedSignal{}
		cachedDerived = nil
		cacheAge = -1

		o.mu.Lock()
		o.signals = make(map[string]ledger.NormalizedSignal)
		o.watermarks = make(map[string]ledger.Timestamp)
		o.mu.Unlock()

		// The derived projections are topic-scoped too; anything built
		// from the rotated-away topics is invalid.
		o.circle.Reset()
		o.recog.Reset()

		o.hub.Publish(UpdateEvent{Kind: UpdateRotation, At: time.Now()})
	}

	o.mu.Lock()
	o.topics = res.Topics
	o.mu.Unlock()

	// Phase 4: refresh, detached. The caller is never blocked on it.
	o.setRefreshing(true)
	o.goFunc(func() {
		defer o.setRefreshing(false)
		o.refresh(context.Background(), res.Topics)
	})

	o.setPhase(Ready)

	registryAge := int64(-1)
	if snap, err := o.registry.StoredSnapshot(); err == nil {
		registryAge = nowMs() - snap.UpdatedAt
	}

	return &Result{
		CachedSignals:  cachedSignals,
		CachedDerived:  cachedDerived,
		ResolvedTopics: res.Topics,
		RegistryID:     res.RegistryID,
		Degraded:       res.Degraded,
		Rotated:        rotated,
		Freshness: Freshness{
			CacheAgeMs:    cacheAge,
			RegistryAgeMs: registryAge,
			IsStale:       cacheAge < 0 || cacheAge > o.conf.StaleThreshold.Milliseconds(),
		},
	}, nil
}

// hydrate reads the cached projection synchronously. Anything missing comes
// back empty; hydration never fails the bootstrap.
func (o *Orchestrator) hydrate() ([]ledger.NormalizedSignal, *Derived, int64) {
	signals := []ledger.NormalizedSignal{}
	cacheAge := int64(-1)

	env, err := o.cache.Read(cache.KeySignals, &signals)
	if err != nil {
		if !cm.IsStore(err, cm.KeyNotFound) && !cm.IsStore(err, cm.NoSession) {
			o.logger.WithError(err).Warn("Hydration read failed, starting cold")
		}
	} else {
		cacheAge = nowMs() - env.UpdatedAt
	}

	var derived *Derived
	d := new(Derived)
	if _, err := o.cache.Read(cache.KeyDerived, d); err == nil {
		derived = d
	}

	watermarks := map[string]ledger.Timestamp{}
	if _, err := o.cache.Read(cache.KeyWatermarks, &watermarks); err == nil {
		o.mu.Lock()
		o.watermarks = watermarks
		o.mu.Unlock()
	}

	o.mu.Lock()
	for i := range signals {
		signals[i].Source = ledger.SourceCache
		o.signals[signals[i].ID] = signals[i]
	}
	o.mu.Unlock()

	o.replay(signals)

	return signals, derived, cacheAge
}

// replay rebuilds the circle and recognition projections from cached
// signals. The refresh only fetches past the restored watermarks, so
// without this the projections would stay empty on a warm start. Trust
// goes last: an allocation must land on an already-active edge.
func (o *Orchestrator) replay(signals []ledger.NormalizedSignal) {
	ordered := make([]ledger.NormalizedSignal, len(signals))
	copy(ordered, signals)
	sort.Slice(ordered, func(i, j int) bool {
		c := ordered[i].Timestamp.Cmp(ordered[j].Timestamp)
		if c != 0 {
			return c < 0
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, sig := range ordered {
		if sig.Type != ledger.SignalTrustAllocate {
			o.route(sig)
		}
	}
	for _, sig := range ordered {
		if sig.Type == ledger.SignalTrustAllocate {
			o.route(sig)
		}
	}
}

// refresh pulls the full current state over REST, reapplies it to the
// projections, recomputes derived counters and commits the lot as one
// projection write. Transient failures leave the cache as it was; the next
// bootstrap or live event tries again.
func (o *Orchestrator) refresh(ctx context.Context, topics map[string]string) {
	for _, name := range ledger.TopicNames() {
		topicID := topics[name]
		if topicID == "" {
			continue
		}

		since := o.watermarkFor(topicID)
		events, err := o.rest.FetchMessages(ctx, topicID, since)
		if err != nil {
			o.logger.WithError(err).WithField("topic", name).Warn("Refresh fetch failed")
			continue
		}

		for _, raw := range events {
			o.applyRaw(raw, ledger.SourceRest)
		}
	}

	if err := o.commit(); err != nil {
		o.logger.WithError(err).Warn("Projection commit failed")
		return
	}

	o.mu.Lock()
	count := len(o.signals)
	o.mu.Unlock()

	o.hub.Publish(UpdateEvent{
		Kind:        UpdateRefresh,
		SignalCount: count,
		At:          time.Now(),
	})
}

// Ingest feeds one live stream event through the pipeline and commits the
// projection. It is safe to call from stream consumer goroutines.
func (o *Orchestrator) Ingest(raw ledger.RawEvent) {
	o.applyRaw(raw, ledger.SourceStream)
	if err := o.commit(); err != nil {
		o.logger.WithError(err).Warn("Projection commit failed")
	}
}

// applyRaw normalizes and routes a raw event. Parse failures are logged and
// dropped; the pipeline continues.
func (o *Orchestrator) applyRaw(raw ledger.RawEvent, source string) {
	sig, err := ledger.Normalize(raw, source)
	if err != nil {
		o.logger.WithError(err).Debug("Dropping unparseable event")
		return
	}

	o.route(sig)

	o.mu.Lock()
	o.signals[sig.ID] = sig
	if sig.Timestamp.After(o.watermarks[sig.TopicID]) {
		o.watermarks[sig.TopicID] = sig.Timestamp
	}
	o.mu.Unlock()
}

// route folds a signal into whichever projection owns its type.
func (o *Orchestrator) route(sig ledger.NormalizedSignal) {
	switch sig.Type {
	case ledger.SignalContactAccept:
		o.circle.ApplyContactEvent(circle.KindAccept, sig.Actor, sig.Target, sig.Timestamp)
	case ledger.SignalContactRevoke:
		o.circle.ApplyContactEvent(circle.KindRevoke, sig.Actor, sig.Target, sig.Timestamp)
	case ledger.SignalTrustAllocate:
		amount, err := strconv.ParseFloat(sig.Metadata["amount"], 64)
		if err != nil {
			o.logger.WithField("signal", sig.ID).Debug("Trust signal without amount")
			return
		}
		o.circle.ApplyTrustEvent(sig.Actor, sig.Target, amount, sig.Timestamp)
	case ledger.SignalRecognitionDef:
		def := definitionFromSignal(sig)
		if def.ID == "" {
			o.logger.WithField("signal", sig.ID).Debug("Definition signal without id")
			return
		}
		o.recog.UpsertDefinition(def)
	case ledger.SignalRecognitionInst:
		inst := instanceFromSignal(sig)
		if inst.DefinitionRef == "" {
			o.logger.WithField("signal", sig.ID).Debug("Instance signal without definition ref")
			return
		}
		o.recog.Ingest(inst)
	}
}

// commit snapshots the signal set, derived counters and watermarks into the
// cache as a single batch.
func (o *Orchestrator) commit() error {
	o.mu.Lock()
	signals := make([]ledger.NormalizedSignal, 0, len(o.signals))
	for _, sig := range o.signals {
		signals = append(signals, sig)
	}
	watermarks := make(map[string]ledger.Timestamp, len(o.watermarks))
	for k, v := range o.watermarks {
		watermarks[k] = v
	}
	o.mu.Unlock()

	sort.Slice(signals, func(i, j int) bool {
		c := signals[i].Timestamp.Cmp(signals[j].Timestamp)
		if c != 0 {
			return c < 0
		}
		return signals[i].ID < signals[j].ID
	})

	derived := o.computeDerived(signals)

	return o.cache.CommitProjection(map[string]interface{}{
		cache.KeySignals:    signals,
		cache.KeyDerived:    derived,
		cache.KeyWatermarks: watermarks,
	})
}

func (o *Orchestrator) computeDerived(signals []ledger.NormalizedSignal) *Derived {
	d := &Derived{
		SignalCounts: make(map[string]int),
		TotalSignals: len(signals),
		CircleEdges:  o.circle.EdgeCount(),
	}
	for _, sig := range signals {
		d.SignalCounts[sig.Type]++
		if sig.Timestamp.After(d.LastTimestamp) {
			d.LastTimestamp = sig.Timestamp
		}
	}
	return d
}

// Signals returns the current signal set in consensus-timestamp order.
func (o *Orchestrator) Signals() []ledger.NormalizedSignal {
	o.mu.Lock()
	out := make([]ledger.NormalizedSignal, 0, len(o.signals))
	for _, sig := range o.signals {
		out = append(out, sig)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		c := out[i].Timestamp.Cmp(out[j].Timestamp)
		if c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Topics returns the mapping resolved by the last bootstrap.
func (o *Orchestrator) Topics() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]string, len(o.topics))
	for k, v := range o.topics {
		out[k] = v
	}
	return out
}

// Watermarks returns the highest applied consensus timestamp per topic id.
// Stream clients are seeded with these so that reconnects and restarts only
// replay what is genuinely new.
func (o *Orchestrator) Watermarks() map[string]ledger.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]ledger.Timestamp, len(o.watermarks))
	for k, v := range o.watermarks {
		out[k] = v
	}
	return out
}

// Circle exposes the circle projection for query surfaces.
func (o *Orchestrator) Circle() *circle.Projection {
	return o.circle
}

// Recognition exposes the two-phase resolver for query surfaces.
func (o *Orchestrator) Recognition() *recognition.Resolver {
	return o.recog
}

// Stats returns a flat map of operational counters.
func (o *Orchestrator) Stats() map[string]string {
	o.mu.Lock()
	signalCount := len(o.signals)
	watermarkCount := len(o.watermarks)
	o.mu.Unlock()

	return map[string]string{
		"phase":              o.getPhase().String(),
		"refreshing":         strconv.FormatBool(o.isRefreshing()),
		"session":            o.cache.SessionID(),
		"signals":            strconv.Itoa(signalCount),
		"watermarked_topics": strconv.Itoa(watermarkCount),
		"circle_edges":       strconv.Itoa(o.circle.EdgeCount()),
		"definitions":        strconv.Itoa(o.recog.DefinitionCount()),
		"pending_instances":  strconv.Itoa(o.recog.PendingCount()),
		"resolved_instances": strconv.Itoa(o.recog.ResolvedCount()),
	}
}

// Shutdown marks the orchestrator stopped and waits for the detached
// refresh to finish.
func (o *Orchestrator) Shutdown() {
	o.setPhase(Stopped)
	o.waitRoutines()
}

func (o *Orchestrator) watermarkFor(topicID string) ledger.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watermarks[topicID]
}

func definitionFromSignal(sig ledger.NormalizedSignal) recognition.Definition {
	schemaVersion, _ := strconv.Atoi(sig.Metadata["definition_schema_version"])
	return recognition.Definition{
		ID:            sig.Metadata["definition_id"],
		Slug:          sig.Metadata["definition_slug"],
		Title:         sig.Metadata["definition_title"],
		SchemaVersion: schemaVersion,
	}
}

func instanceFromSignal(sig ledger.NormalizedSignal) recognition.Instance {
	owner := sig.Metadata["owner"]
	if owner == "" {
		owner = sig.Actor
	}
	return recognition.Instance{
		OwnerID:       owner,
		DefinitionRef: sig.Metadata["definition_ref"],
		ActorID:       sig.Actor,
		Note:          sig.Metadata["note"],
		Timestamp:     sig.Timestamp,
		TopicID:       sig.TopicID,
	}
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
