package mapping

import (
	"strings"
	"time"
)

// SourceRef is how one upstream source identifies a canonical entity.
type SourceRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type Mapping struct {
	CanonicalID string               `json:"canonical_id"`
	Sources     map[string]SourceRef `json:"sources"`
	LastUpdated time.Time            `json:"last_updated"`
}

// merge folds the non-empty fields of partial into m. Sources are merged
// additively; a source ref field is only replaced by a non-empty value.
func (m Mapping) merge(partial Mapping) Mapping {
	out := Mapping{
		CanonicalID: m.CanonicalID,
		Sources:     make(map[string]SourceRef, len(m.Sources)+len(partial.Sources)),
		LastUpdated: m.LastUpdated,
	}
	if out.CanonicalID == "" {
		out.CanonicalID = partial.CanonicalID
	}

	for name, ref := range m.Sources {
		out.Sources[name] = ref
	}

	for name, ref := range partial.Sources {
		current := out.Sources[name]
		if ref.ID != "" {
			current.ID = ref.ID
		}
		if ref.Name != "" {
			current.Name = ref.Name
		}
		if current.ID == "" && current.Name == "" {
			continue
		}
		out.Sources[name] = current
	}

	return out
}

func (m Mapping) matches(source, key string) bool {
	ref, ok := m.Sources[source]
	if !ok {
		return false
	}
	return strings.EqualFold(ref.ID, key) || strings.EqualFold(ref.Name, key)
}

func (m Mapping) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(m.LastUpdated) > ttl
}
