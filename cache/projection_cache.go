package cache

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	cm "github.com/ledgertail/ledgertail/common"
)

// SchemaVersion is bumped whenever the shape of any cached payload changes.
// A mismatch with the persisted version wipes the whole namespace before any
// session begins. This is independent of registry rotation.
const SchemaVersion = 3

// Namespace prefixes every key this subsystem writes. Clear never touches
// keys outside it.
const Namespace = "ledgertail"

// Well-known key suffixes.
const (
	KeySignals    = "signals"
	KeyDerived    = "derived"
	KeyWatermarks = "watermarks"
	KeyProfile    = "profile"
	KeyPrefs      = "prefs"
)

// topicScopedSuffixes are the keys invalidated by a registry rotation.
// Session-identity and preference data is deliberately not in this list.
var topicScopedSuffixes = []string{KeySignals, KeyDerived, KeyWatermarks}

// ProjectionCache is the session-scoped, namespaced cache that all
// projections are persisted through. Every value is wrapped in an Envelope
// stamped with the active session id; a read only ever returns envelopes
// belonging to the active session.
type ProjectionCache struct {
	mu sync.RWMutex

	store     Store
	sessionID string
	startedAt time.Time
	logger    *logrus.Entry
}

// NewProjectionCache wraps a Store and runs the schema-version check: if the
// persisted version differs from SchemaVersion the namespace is wiped before
// anything else happens.
func NewProjectionCache(store Store, logger *logrus.Entry) (*ProjectionCache, error) {
	c := &ProjectionCache{
		store:  store,
		logger: logger,
	}

	stored, err := store.Get(c.versionKey())
	if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return nil, err
	}

	if err == nil {
		v, convErr := strconv.Atoi(string(stored))
		if convErr != nil || v != SchemaVersion {
			logger.WithFields(logrus.Fields{
				"stored":  string(stored),
				"current": SchemaVersion,
			}).Debug("Schema version mismatch, wiping namespace")

			if err := store.DelPrefix(Namespace + ":"); err != nil {
				return nil, err
			}
		}
	}

	if err := store.Set(c.versionKey(), []byte(strconv.Itoa(SchemaVersion))); err != nil {
		return nil, err
	}

	return c, nil
}

// BeginSession starts a session and returns its id. Passing an empty id
// generates a fresh one. Writes before BeginSession are no-ops.
func (c *ProjectionCache) BeginSession(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}

	c.sessionID = id
	c.startedAt = time.Now()

	c.logger.WithField("session", id).Debug("Session started")

	return id
}

// SessionID returns the active session id, or "" when no session is active.
func (c *ProjectionCache) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Write stamps payload into an envelope under the active session and stores
// it. It is a no-op when no session is active; this guards against writes
// racing initialization.
func (c *ProjectionCache) Write(suffix string, payload interface{}) error {
	c.mu.RLock()
	session := c.sessionID
	started := c.startedAt
	c.mu.RUnlock()

	if session == "" {
		c.logger.WithField("key", suffix).Debug("Write before session, dropping")
		return nil
	}

	data, err := c.envelopeBytes(session, started, payload)
	if err != nil {
		return err
	}

	return c.store.Set(c.sessionKey(session, suffix), data)
}

// CommitProjection writes several keys as one atomic batch. This is how a
// refresh publishes signals and derived counters without a window where one
// key reflects a new snapshot and another the old one.
func (c *ProjectionCache) CommitProjection(payloads map[string]interface{}) error {
	c.mu.RLock()
	session := c.sessionID
	started := c.startedAt
	c.mu.RUnlock()

	if session == "" {
		c.logger.Debug("Commit before session, dropping")
		return nil
	}

	values := make(map[string][]byte, len(payloads))
	for suffix, payload := range payloads {
		data, err := c.envelopeBytes(session, started, payload)
		if err != nil {
			return err
		}
		values[c.sessionKey(session, suffix)] = data
	}

	return c.store.SetAll(values)
}

// Read fetches the envelope under suffix for the active session and decodes
// its payload into out (when out is non-nil). A missing key comes back as a
// KeyNotFound store error; an envelope from another session or schema
// version is never returned.
func (c *ProjectionCache) Read(suffix string, out interface{}) (*Envelope, error) {
	c.mu.RLock()
	session := c.sessionID
	c.mu.RUnlock()

	if session == "" {
		return nil, cm.NewStoreErr("ProjectionCache", cm.NoSession, suffix)
	}

	data, err := c.store.Get(c.sessionKey(session, suffix))
	if err != nil {
		return nil, err
	}

	env := new(Envelope)
	if err := env.Unmarshal(data); err != nil {
		return nil, cm.NewStoreErr("ProjectionCache", cm.Corrupt, suffix)
	}

	if env.SessionID != session {
		return nil, cm.NewStoreErr("ProjectionCache", cm.WrongSession, suffix)
	}
	if env.Version != SchemaVersion {
		return nil, cm.NewStoreErr("ProjectionCache", cm.WrongVersion, suffix)
	}

	if out != nil {
		if err := unmarshalPayload(env.Payload, out); err != nil {
			return nil, cm.NewStoreErr("ProjectionCache", cm.Corrupt, suffix)
		}
	}

	return env, nil
}

// WriteGlobal stores a namespace-level value outside any session. Used for
// state that must survive session changes, like the registry snapshot.
func (c *ProjectionCache) WriteGlobal(suffix string, payload interface{}) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.store.Set(c.globalKey(suffix), data)
}

// ReadGlobal fetches a namespace-level value.
func (c *ProjectionCache) ReadGlobal(suffix string, out interface{}) error {
	data, err := c.store.Get(c.globalKey(suffix))
	if err != nil {
		return err
	}
	if err := unmarshalPayload(data, out); err != nil {
		return cm.NewStoreErr("ProjectionCache", cm.Corrupt, suffix)
	}
	return nil
}

// Clear wipes every key under the namespace, then restores the version
// marker. Keys outside the namespace are untouched.
func (c *ProjectionCache) Clear() error {
	if err := c.store.DelPrefix(Namespace + ":"); err != nil {
		return err
	}
	return c.store.Set(c.versionKey(), []byte(strconv.Itoa(SchemaVersion)))
}

// ClearTopicScoped removes only the topic-scoped keys of the active session.
// Session-identity and preference keys survive; this is the rotation
// invalidation procedure.
func (c *ProjectionCache) ClearTopicScoped() error {
	c.mu.RLock()
	session := c.sessionID
	c.mu.RUnlock()

	if session == "" {
		return nil
	}

	for _, suffix := range topicScopedSuffixes {
		if err := c.store.Del(c.sessionKey(session, suffix)); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProjectionCache) envelopeBytes(session string, started time.Time, payload interface{}) ([]byte, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:   SchemaVersion,
		SessionID: session,
		StartedAt: started.UnixNano() / int64(time.Millisecond),
		UpdatedAt: time.Now().UnixNano() / int64(time.Millisecond),
		Payload:   body,
	}

	return env.Marshal()
}

func (c *ProjectionCache) sessionKey(session, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", Namespace, session, suffix)
}

func (c *ProjectionCache) globalKey(suffix string) string {
	return fmt.Sprintf("%s:%s", Namespace, suffix)
}

func (c *ProjectionCache) versionKey() string {
	return Namespace + ":version"
}
