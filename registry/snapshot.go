package registry

// Snapshot is the persisted record of which concrete topic ids backed the
// logical topic names the last time the registry was resolved. Exactly one
// snapshot is current per process; comparing a freshly resolved mapping
// against it is how rotation is detected.
type Snapshot struct {
	RegistryID string            `json:"registry_id"`
	Topics     map[string]string `json:"topics"`
	UpdatedAt  int64             `json:"updated_at"`
}

// topicsEqual compares two topic mappings by value.
func topicsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
