package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/kpulse/types"
)

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	require.NoError(t, p.Validate())

	assert.Equal(t, Policy{Fresh: 30 * time.Minute, Stale: 2 * time.Hour}, p.For(ContentArtistData))
	assert.Equal(t, Policy{Fresh: 24 * time.Hour, Stale: 72 * time.Hour}, p.For(ContentIdentityMapping))
	assert.Len(t, ContentTypes(), 8)
}

func TestParseContentType(t *testing.T) {
	for _, ct := range ContentTypes() {
		parsed, err := ParseContentType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, parsed)
	}

	_, err := ParseContentType("lyrics")
	assert.ErrorIs(t, err, types.ErrCacheContentType)
	assert.Equal(t, "unknown", ContentType(-1).String())
}

func TestPoliciesFromConfig(t *testing.T) {
	p, err := PoliciesFromConfig(&types.CacheConfig{
		Policies: map[string]types.PolicyConfig{
			"news":     {Fresh: 2 * time.Minute},
			"trending": {Fresh: time.Minute, Stale: 10 * time.Minute},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Policy{Fresh: 2 * time.Minute, Stale: time.Hour}, p.For(ContentNews))
	assert.Equal(t, Policy{Fresh: time.Minute, Stale: 10 * time.Minute}, p.For(ContentTrending))

	_, err = PoliciesFromConfig(&types.CacheConfig{
		Policies: map[string]types.PolicyConfig{"news": {Fresh: 2 * time.Hour}},
	})
	assert.ErrorIs(t, err, types.ErrCachePolicyInvalid)

	_, err = PoliciesFromConfig(&types.CacheConfig{
		Policies: map[string]types.PolicyConfig{"podcasts": {Fresh: time.Minute}},
	})
	assert.ErrorIs(t, err, types.ErrCacheContentType)
}

func TestValidateRejectsZeroSlot(t *testing.T) {
	p := DefaultPolicies()
	p[ContentTrackList] = Policy{}
	assert.ErrorIs(t, p.Validate(), types.ErrCachePolicyInvalid)
}
