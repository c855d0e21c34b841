package agent

import (
	"encoding/json"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// ParseCapabilities normalizes an identify frame's capability list. Entries
// are either plain strings or {name, version} objects; anything else is
// dropped. An absent version acts as a wildcard during matching.
func ParseCapabilities(raw []json.RawMessage) []v1.Capability {
	out := make([]v1.Capability, 0, len(raw))
	for _, entry := range raw {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			if name != "" {
				out = append(out, v1.Capability{Name: name})
			}
			continue
		}
		var cap v1.Capability
		if err := json.Unmarshal(entry, &cap); err == nil && cap.Name != "" {
			out = append(out, cap)
		}
	}
	return out
}
