package ledger

import (
	"encoding/json"
	"fmt"
)

// Sources recorded on normalized signals.
const (
	SourceStream = "stream"
	SourceRest   = "rest"
	SourceCache  = "cache"
)

// payloadBody is the decoded JSON body of a topic message. Producers are not
// under our control, so every field is optional and aliases are tolerated
// (actor/from, target/to).
type payloadBody struct {
	Type          string            `json:"type"`
	Actor         string            `json:"actor"`
	From          string            `json:"from"`
	Target        string            `json:"target"`
	To            string            `json:"to"`
	Owner         string            `json:"owner"`
	Amount        json.Number       `json:"amount"`
	Note          string            `json:"note"`
	DefinitionRef string            `json:"definition_ref"`
	Definition    *definitionBody   `json:"definition"`
	Meta          map[string]string `json:"meta"`
}

type definitionBody struct {
	ID            string            `json:"id"`
	Slug          string            `json:"slug"`
	Title         string            `json:"title"`
	SchemaVersion int               `json:"schema_version"`
	Meta          map[string]string `json:"meta"`
}

var knownSignalTypes = map[string]string{
	"contact_accept":         SignalContactAccept,
	"contact_revoke":         SignalContactRevoke,
	"trust_allocate":         SignalTrustAllocate,
	"recognition_definition": SignalRecognitionDef,
	"recognition_instance":   SignalRecognitionInst,
	"profile_update":         SignalProfileUpdate,
	"system_update":          SignalSystemUpdate,
}

// Normalize decodes a RawEvent into a NormalizedSignal. The signal id is
// derived from (topic id, consensus timestamp) so that a redelivered event
// maps onto the same id. Unknown payload types are not an error; they come
// back with type "unknown" so projections can ignore them without losing
// them from the feed.
func Normalize(raw RawEvent, source string) (NormalizedSignal, error) {
	var body payloadBody
	if err := json.Unmarshal(raw.Payload, &body); err != nil {
		return NormalizedSignal{}, fmt.Errorf("decode payload of %s: %v", raw.ID(), err)
	}

	sigType, ok := knownSignalTypes[body.Type]
	if !ok {
		sigType = SignalUnknown
	}

	actor := body.Actor
	if actor == "" {
		actor = body.From
	}
	target := body.Target
	if target == "" {
		target = body.To
	}

	meta := make(map[string]string)
	for k, v := range body.Meta {
		meta[k] = v
	}
	if body.Type != "" {
		meta["raw_type"] = body.Type
	}
	if body.Owner != "" {
		meta["owner"] = body.Owner
	}
	if body.Amount != "" {
		meta["amount"] = body.Amount.String()
	}
	if body.Note != "" {
		meta["note"] = body.Note
	}
	if body.DefinitionRef != "" {
		meta["definition_ref"] = body.DefinitionRef
	}
	if body.Definition != nil {
		meta["definition_id"] = body.Definition.ID
		meta["definition_slug"] = body.Definition.Slug
		meta["definition_title"] = body.Definition.Title
		if body.Definition.SchemaVersion != 0 {
			meta["definition_schema_version"] = fmt.Sprintf("%d", body.Definition.SchemaVersion)
		}
	}

	return NormalizedSignal{
		ID:        raw.ID(),
		Type:      sigType,
		Actor:     actor,
		Target:    target,
		Timestamp: raw.ConsensusTimestamp,
		TopicID:   raw.TopicID,
		Metadata:  meta,
		Source:    source,
	}, nil
}
