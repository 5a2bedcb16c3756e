package cache

import (
	"time"

	"github.com/saiset-co/kpulse/types"
)

// ContentType is the closed set of payload kinds the cache distinguishes.
// Each kind has its own freshness policy.
type ContentType int

const (
	ContentSearchResults ContentType = iota
	ContentArtistData
	ContentTrackList
	ContentRelatedArtists
	ContentVideoMetadata
	ContentNews
	ContentTrending
	ContentIdentityMapping

	numContentTypes
)

var contentTypeNames = [numContentTypes]string{
	ContentSearchResults:   "search-results",
	ContentArtistData:      "artist-data",
	ContentTrackList:       "track-list",
	ContentRelatedArtists:  "related-artists",
	ContentVideoMetadata:   "video-metadata",
	ContentNews:            "news",
	ContentTrending:        "trending",
	ContentIdentityMapping: "identity-mapping",
}

func (ct ContentType) String() string {
	if !ct.Valid() {
		return "unknown"
	}
	return contentTypeNames[ct]
}

func (ct ContentType) Valid() bool {
	return ct >= 0 && ct < numContentTypes
}

func ParseContentType(name string) (ContentType, error) {
	for i, n := range contentTypeNames {
		if n == name {
			return ContentType(i), nil
		}
	}
	return 0, types.Errorf(types.ErrCacheContentType, "name: %s", name)
}

func ContentTypes() []ContentType {
	all := make([]ContentType, numContentTypes)
	for i := range all {
		all[i] = ContentType(i)
	}
	return all
}

// Policy is the pair of ages that split an entry's life into fresh
// (age <= Fresh), stale but servable (age <= Stale) and expired.
type Policy struct {
	Fresh time.Duration `json:"fresh"`
	Stale time.Duration `json:"stale"`
}

type Policies [numContentTypes]Policy

func DefaultPolicies() Policies {
	return Policies{
		ContentSearchResults:   {Fresh: 5 * time.Minute, Stale: 30 * time.Minute},
		ContentArtistData:      {Fresh: 30 * time.Minute, Stale: 2 * time.Hour},
		ContentTrackList:       {Fresh: time.Hour, Stale: 6 * time.Hour},
		ContentRelatedArtists:  {Fresh: 6 * time.Hour, Stale: 24 * time.Hour},
		ContentVideoMetadata:   {Fresh: 15 * time.Minute, Stale: 2 * time.Hour},
		ContentNews:            {Fresh: 10 * time.Minute, Stale: time.Hour},
		ContentTrending:        {Fresh: 5 * time.Minute, Stale: 30 * time.Minute},
		ContentIdentityMapping: {Fresh: 24 * time.Hour, Stale: 72 * time.Hour},
	}
}

func (p Policies) Validate() error {
	for i, policy := range p {
		ct := ContentType(i)
		if policy.Fresh <= 0 {
			return types.Errorf(types.ErrCachePolicyInvalid, "%s: fresh must be positive", ct)
		}
		if policy.Stale < policy.Fresh {
			return types.Errorf(types.ErrCachePolicyInvalid, "%s: stale %v is shorter than fresh %v", ct, policy.Stale, policy.Fresh)
		}
	}
	return nil
}

func (p Policies) For(ct ContentType) Policy {
	return p[ct]
}

// PoliciesFromConfig overlays configured overrides on DefaultPolicies. A
// zero duration in an override keeps the default for that bound.
func PoliciesFromConfig(cfg *types.CacheConfig) (Policies, error) {
	policies := DefaultPolicies()
	if cfg == nil {
		return policies, nil
	}

	for name, override := range cfg.Policies {
		ct, err := ParseContentType(name)
		if err != nil {
			return Policies{}, err
		}

		if override.Fresh > 0 {
			policies[ct].Fresh = override.Fresh
		}
		if override.Stale > 0 {
			policies[ct].Stale = override.Stale
		}
	}

	if err := policies.Validate(); err != nil {
		return Policies{}, err
	}

	return policies, nil
}
