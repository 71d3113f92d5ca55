package registry

import "github.com/ledgertail/ledgertail/ledger"

// DefaultFallbackTopics is the compiled-in static mapping used when no
// registry is configured or the resolution service is unreachable.
func DefaultFallbackTopics() map[string]string {
	return map[string]string{
		ledger.TopicFeed:        "0.0.6110001",
		ledger.TopicContacts:    "0.0.6110002",
		ledger.TopicTrust:       "0.0.6110003",
		ledger.TopicRecognition: "0.0.6110004",
		ledger.TopicProfile:     "0.0.6110005",
		ledger.TopicSystem:      "0.0.6110006",
	}
}
