package ledger

import "fmt"

// Logical topic names. The registry maps each of these to a concrete topic id
// on the ledger; the mapping can rotate over the lifetime of an application.
const (
	TopicFeed        = "feed"
	TopicContacts    = "contacts"
	TopicTrust       = "trust"
	TopicRecognition = "recognition"
	TopicProfile     = "profile"
	TopicSystem      = "system"
)

// TopicNames lists the logical topic names in a stable order.
func TopicNames() []string {
	return []string{
		TopicFeed,
		TopicContacts,
		TopicTrust,
		TopicRecognition,
		TopicProfile,
		TopicSystem,
	}
}

// RawEvent is a single consensus-ordered message as delivered by a mirror
// node. It is immutable once received. The ordering key is
// (TopicID, ConsensusTimestamp), not arrival order, because reconnection can
// redeliver in a different wall-clock order than original publication.
type RawEvent struct {
	TopicID            string    `json:"topic_id"`
	SequenceNumber     int64     `json:"sequence_number"`
	ConsensusTimestamp Timestamp `json:"consensus_timestamp"`
	Payload            []byte    `json:"payload"`
}

// ID returns the deterministic identity of the event. Two deliveries of the
// same consensus message always produce the same id, which makes redelivery
// after a reconnect idempotent: same id means overwrite, never duplicate.
func (e RawEvent) ID() string {
	return fmt.Sprintf("%s@%s", e.TopicID, e.ConsensusTimestamp.String())
}

// Signal types produced by the normalizer.
const (
	SignalContactAccept   = "contact_accept"
	SignalContactRevoke   = "contact_revoke"
	SignalTrustAllocate   = "trust_allocate"
	SignalRecognitionDef  = "recognition_definition"
	SignalRecognitionInst = "recognition_instance"
	SignalProfileUpdate   = "profile_update"
	SignalSystemUpdate    = "system_update"
	SignalUnknown         = "unknown"
)

// NormalizedSignal is the routed, decoded form of a RawEvent.
type NormalizedSignal struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Target    string            `json:"target,omitempty"`
	Timestamp Timestamp         `json:"timestamp"`
	TopicID   string            `json:"topic_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Source    string            `json:"source"`
}
