package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/cache"
	cm "github.com/ledgertail/ledgertail/common"
	"github.com/ledgertail/ledgertail/ledger"
)

// snapshotKey is the cache-global suffix the current snapshot lives under.
// It is outside the session namespace so it survives session changes, and it
// is not topic-scoped so rotation clears never remove it.
const snapshotKey = "registry"

// Result is a fully-formed resolution outcome. Topics always contains an
// entry for every logical topic name; Degraded marks that some or all of
// them came from the compiled-in fallback rather than the resolution
// service. Degraded operation is an availability trade-off, not an error.
type Result struct {
	RegistryID string            `json:"registry_id"`
	Topics     map[string]string `json:"topics"`
	Degraded   bool              `json:"degraded"`
}

// Resolver resolves the current mapping from logical topic names to concrete
// topic ids, and detects rotation against the persisted snapshot.
type Resolver struct {
	registryID string
	serviceURL string
	fallback   map[string]string
	client     *http.Client
	cache      *cache.ProjectionCache
	logger     *logrus.Entry
}

// NewResolver creates a Resolver. fallback must contain an id for every
// logical topic name; it is what keeps the application usable when the
// resolution service is unreachable or no registry id is configured.
func NewResolver(
	registryID string,
	serviceURL string,
	fallback map[string]string,
	projCache *cache.ProjectionCache,
	logger *logrus.Entry,
) *Resolver {
	return &Resolver{
		registryID: registryID,
		serviceURL: serviceURL,
		fallback:   fallback,
		client:     &http.Client{Timeout: 10 * time.Second},
		cache:      projCache,
		logger:     logger,
	}
}

type topicsResponse struct {
	OK     bool              `json:"ok"`
	Topics map[string]string `json:"topics"`
}

// Resolve returns the current topic mapping. It never returns a partial
// mapping: logical names the service does not answer for are filled from the
// fallback, and any failure to reach the service degrades to the full
// fallback. Callers branch on Degraded, never re-implement the fallback
// decision.
func (r *Resolver) Resolve(ctx context.Context) *Result {
	if r.registryID == "" || r.serviceURL == "" {
		r.logger.Debug("No registry configured, using fallback topics")
		return r.fallbackResult()
	}

	resolved, err := r.fetchTopics(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Registry resolution failed, using fallback topics")
		return r.fallbackResult()
	}

	topics := make(map[string]string, len(r.fallback))
	degraded := false
	for _, name := range ledger.TopicNames() {
		if id, ok := resolved[name]; ok && id != "" {
			topics[name] = id
			continue
		}
		topics[name] = r.fallback[name]
		degraded = true
	}

	return &Result{
		RegistryID: r.registryID,
		Topics:     topics,
		Degraded:   degraded,
	}
}

func (r *Resolver) fetchTopics(ctx context.Context) (map[string]string, error) {
	url := fmt.Sprintf("%s/registry/topics?registry=%s", r.serviceURL, r.registryID)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build registry request")
	}
	req = req.WithContext(ctx)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "registry request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("registry service returned %d", resp.StatusCode)
	}

	var body topicsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode registry response")
	}
	if !body.OK {
		return nil, errors.New("registry service answered not-ok")
	}

	return body.Topics, nil
}

func (r *Resolver) fallbackResult() *Result {
	topics := make(map[string]string, len(r.fallback))
	for k, v := range r.fallback {
		topics[k] = v
	}
	return &Result{
		RegistryID: r.registryID,
		Topics:     topics,
		Degraded:   true,
	}
}

// CheckRotation compares a freshly resolved mapping against the persisted
// snapshot. When the mappings differ by value, the new snapshot is persisted
// and the topic-scoped cache keys are cleared, synchronously, before
// returning. Resolving the same mapping twice never re-triggers a clear. The
// first resolution on an empty store persists the snapshot without treating
// it as a rotation.
func (r *Resolver) CheckRotation(res *Result) (bool, error) {
	var stored Snapshot
	err := r.cache.ReadGlobal(snapshotKey, &stored)

	if err != nil {
		if !cm.IsStore(err, cm.KeyNotFound) {
			return false, err
		}
		return false, r.persist(res)
	}

	if topicsEqual(stored.Topics, res.Topics) {
		return false, nil
	}

	r.logger.WithFields(logrus.Fields{
		"old_registry": stored.RegistryID,
		"new_registry": res.RegistryID,
	}).Info("Registry rotation detected")

	if err := r.persist(res); err != nil {
		return true, err
	}
	if err := r.cache.ClearTopicScoped(); err != nil {
		return true, err
	}

	return true, nil
}

// StoredSnapshot returns the persisted snapshot, if any.
func (r *Resolver) StoredSnapshot() (*Snapshot, error) {
	var stored Snapshot
	if err := r.cache.ReadGlobal(snapshotKey, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *Resolver) persist(res *Result) error {
	snap := Snapshot{
		RegistryID: res.RegistryID,
		Topics:     res.Topics,
		UpdatedAt:  time.Now().UnixNano() / int64(time.Millisecond),
	}
	return r.cache.WriteGlobal(snapshotKey, &snap)
}
