package recognition

import (
	"fmt"

	"github.com/ledgertail/ledgertail/ledger"
)

// Definition is a recognition type: created once, rarely updated, referenced
// by id or slug from many instances.
type Definition struct {
	ID            string            `json:"id"`
	Slug          string            `json:"slug,omitempty"`
	Title         string            `json:"title"`
	SchemaVersion int               `json:"schema_version"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Instance is a single recognition record. It is unresolved until a
// definition matching its DefinitionRef exists; unresolved instances are
// held and retried, not dropped.
type Instance struct {
	OwnerID       string            `json:"owner_id"`
	DefinitionRef string            `json:"definition_ref"`
	ActorID       string            `json:"actor_id,omitempty"`
	Note          string            `json:"note,omitempty"`
	Timestamp     ledger.Timestamp  `json:"timestamp"`
	TopicID       string            `json:"topic_id"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Key identifies the instance deterministically, so redelivery overwrites
// instead of duplicating.
func (i Instance) Key() string {
	return fmt.Sprintf("%s@%s", i.TopicID, i.Timestamp.String())
}

// ResolvedInstance is an instance merged with its definition.
type ResolvedInstance struct {
	Instance   Instance   `json:"instance"`
	Definition Definition `json:"definition"`
}
