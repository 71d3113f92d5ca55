package circle

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ledgertail/ledgertail/ledger"
)

// Contact event kinds.
const (
	KindAccept = "accept"
	KindRevoke = "revoke"
)

// Node is an account that has appeared in the contact stream.
type Node struct {
	AccountID  string           `json:"account_id"`
	Handle     string           `json:"handle,omitempty"`
	ProfileRef string           `json:"profile_ref,omitempty"`
	FirstSeen  ledger.Timestamp `json:"first_seen"`
}

// Edge is one direction of a relationship. Accepts always create the pair
// (A to B and B to A); revokes tombstone both directions by timestamp rather
// than deleting, so the audit trail is preserved.
type Edge struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Kind      string            `json:"kind"`
	CreatedAt ledger.Timestamp  `json:"created_at"`
	RevokedAt *ledger.Timestamp `json:"revoked_at,omitempty"`
	Strength  float64           `json:"strength,omitempty"`
}

func (e *Edge) active() bool {
	return e.RevokedAt == nil
}

// Subgraph is the answer to QueryCircle: the center node, its active
// contacts, and the active edges between them.
type Subgraph struct {
	Center      *Node            `json:"center"`
	Contacts    []Node           `json:"contacts"`
	Edges       []Edge           `json:"edges"`
	LastUpdated ledger.Timestamp `json:"last_updated"`
}

// Projection is an incrementally maintained first-degree relationship graph.
// It is built purely from the contact and trust streams; a query touches
// only the edges owned by the queried account, never the full event history.
type Projection struct {
	mu sync.RWMutex

	nodes map[string]*Node
	// adjacency: edges[from][to]
	edges map[string]map[string]*Edge

	lastApplied ledger.Timestamp
	logger      *logrus.Entry
}

// NewProjection creates an empty projection.
func NewProjection(logger *logrus.Entry) *Projection {
	return &Projection{
		nodes:  make(map[string]*Node),
		edges:  make(map[string]map[string]*Edge),
		logger: logger,
	}
}

// Reset drops every node and edge. Called when a registry rotation
// invalidates the topics the graph was built from.
func (p *Projection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nodes = make(map[string]*Node)
	p.edges = make(map[string]map[string]*Edge)
	p.lastApplied = ledger.Timestamp{}
}

// ApplyContactEvent folds an accept or revoke into the graph. Accept creates
// or re-activates the reciprocal edge pair; revoke stamps both directions
// revoked. Unknown kinds and self-edges are ignored.
func (p *Projection) ApplyContactEvent(kind, actor, target string, ts ledger.Timestamp) {
	if actor == "" || target == "" || actor == target {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case KindAccept:
		p.ensureNodeLocked(actor, ts)
		p.ensureNodeLocked(target, ts)
		p.upsertEdgeLocked(actor, target, ts)
		p.upsertEdgeLocked(target, actor, ts)
	case KindRevoke:
		p.revokeEdgeLocked(actor, target, ts)
		p.revokeEdgeLocked(target, actor, ts)
	default:
		p.logger.WithField("kind", kind).Debug("Ignoring unknown contact event kind")
		return
	}

	if ts.After(p.lastApplied) {
		p.lastApplied = ts
	}
}

// ApplyTrustEvent updates the strength of an existing active accept edge.
// Trust cannot be allocated to a non-contact: with no active edge the event
// is silently dropped, since it may simply have arrived out of order.
func (p *Projection) ApplyTrustEvent(actor, target string, amount float64, ts ledger.Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	edge, ok := p.edges[actor][target]
	if !ok || !edge.active() {
		p.logger.WithFields(logrus.Fields{
			"actor":  actor,
			"target": target,
		}).Debug("Trust allocation without active edge, dropping")
		return
	}

	edge.Strength = amount
	if reverse, ok := p.edges[target][actor]; ok && reverse.active() {
		reverse.Strength = amount
	}

	if ts.After(p.lastApplied) {
		p.lastApplied = ts
	}
}

// QueryCircle returns the first-degree subgraph of an account. Cost is
// proportional to the account's own edge count. An unknown account yields an
// empty subgraph with a nil center.
func (p *Projection) QueryCircle(accountID string) *Subgraph {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sub := &Subgraph{
		Contacts:    []Node{},
		Edges:       []Edge{},
		LastUpdated: p.lastApplied,
	}

	center, ok := p.nodes[accountID]
	if !ok {
		return sub
	}
	c := *center
	sub.Center = &c

	for to, edge := range p.edges[accountID] {
		if !edge.active() {
			continue
		}
		sub.Edges = append(sub.Edges, *edge)
		if contact, ok := p.nodes[to]; ok {
			sub.Contacts = append(sub.Contacts, *contact)
		}
		if reverse, ok := p.edges[to][accountID]; ok && reverse.active() {
			sub.Edges = append(sub.Edges, *reverse)
		}
	}

	return sub
}

// EdgeCount returns the total number of edges, tombstoned included.
func (p *Projection) EdgeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, m := range p.edges {
		n += len(m)
	}
	return n
}

// ContactCount returns the number of active contacts of an account.
func (p *Projection) ContactCount(accountID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, edge := range p.edges[accountID] {
		if edge.active() {
			n++
		}
	}
	return n
}

// lookupEdge exposes raw edge state, tombstones included. Tests and the
// stats surface use it; queries go through QueryCircle.
func (p *Projection) lookupEdge(from, to string) (Edge, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	edge, ok := p.edges[from][to]
	if !ok {
		return Edge{}, false
	}
	return *edge, true
}

func (p *Projection) ensureNodeLocked(accountID string, ts ledger.Timestamp) {
	if _, ok := p.nodes[accountID]; ok {
		return
	}
	p.nodes[accountID] = &Node{
		AccountID: accountID,
		FirstSeen: ts,
	}
}

func (p *Projection) upsertEdgeLocked(from, to string, ts ledger.Timestamp) {
	if p.edges[from] == nil {
		p.edges[from] = make(map[string]*Edge)
	}

	if edge, ok := p.edges[from][to]; ok {
		// re-activation after a revoke; redelivery of an accept on an
		// active edge changes nothing
		if !edge.active() {
			edge.RevokedAt = nil
			edge.CreatedAt = ts
			edge.Strength = 0
		}
		return
	}

	p.edges[from][to] = &Edge{
		From:      from,
		To:        to,
		Kind:      KindAccept,
		CreatedAt: ts,
	}
}

func (p *Projection) revokeEdgeLocked(from, to string, ts ledger.Timestamp) {
	edge, ok := p.edges[from][to]
	if !ok || !edge.active() {
		return
	}
	revoked := ts
	edge.RevokedAt = &revoked
}
