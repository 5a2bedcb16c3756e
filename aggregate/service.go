package aggregate

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/kpulse/cache"
	"github.com/saiset-co/kpulse/mapping"
	"github.com/saiset-co/kpulse/ratelimit"
	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/upstream"
	"github.com/saiset-co/kpulse/utils"
)

// Rate gate endpoints, one per upstream operation family.
const (
	EndpointCatalogSearch  = "catalog-search"
	EndpointCatalogArtist  = "catalog-artist"
	EndpointScrobbleArtist = "scrobble-artist"
	EndpointVideoSearch    = "video-search"
	EndpointNewsSearch     = "news-search"
	EndpointChart          = "chart"
)

const (
	searchLimit = 20
	videoLimit  = 12
	newsLimit   = 20
	chartLimit  = 50

	sourceCatalog  = upstream.ServiceCatalog
	sourceScrobble = upstream.ServiceScrobble
)

type Gate interface {
	Check(endpoint string) ratelimit.Result
	CheckWithoutIncrement(endpoint string) ratelimit.Result
}

type Upstreams struct {
	Catalog  upstream.CatalogAPI
	Scrobble upstream.ScrobbleAPI
	Videos   upstream.VideoAPI
	News     upstream.NewsAPI
}

type ArtistProfile struct {
	CanonicalID string                `json:"canonical_id"`
	Artist      upstream.Artist       `json:"artist"`
	Stats       *upstream.ArtistStats `json:"stats,omitempty"`
}

type Option func(*Service)

// WithIDGenerator replaces uuid.NewString for minting canonical ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// Service answers dashboard queries from the SWR cache. Upstream calls only
// happen inside refresh closures, and each is charged to the rate gate at
// that point, so cache hits cost nothing.
type Service struct {
	cache     *cache.Cache
	mappings  *mapping.Cache
	gate      Gate
	apis      Upstreams
	logger    types.Logger
	newID     func() string
	resolveMu sync.Mutex
}

func NewService(swr *cache.Cache, mappings *mapping.Cache, gate Gate, apis Upstreams, logger types.Logger, opts ...Option) *Service {
	s := &Service{
		cache:    swr,
		mappings: mappings,
		gate:     gate,
		apis:     apis,
		logger:   logger,
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) SearchArtists(ctx context.Context, query string) (cache.Result[[]upstream.Artist], error) {
	query = utils.NormalizeKey(query)
	if query == "" {
		return cache.Result[[]upstream.Artist]{}, types.Errorf(types.ErrInvalidParameter, "empty search query")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("search", query), cache.ContentSearchResults,
		func(ctx context.Context) ([]upstream.Artist, error) {
			return s.searchArtists(ctx, query)
		})
}

// GetArtist combines catalog data with listening statistics. The catalog
// and scrobble calls run in parallel when the scrobble name is already
// known from the mapping cache; otherwise the catalog name is used.
// A nil profile means the catalog does not know artistID.
func (s *Service) GetArtist(ctx context.Context, artistID string) (cache.Result[*ArtistProfile], error) {
	if artistID == "" {
		return cache.Result[*ArtistProfile]{}, types.Errorf(types.ErrInvalidParameter, "empty artist id")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("artist", artistID), cache.ContentArtistData,
		func(ctx context.Context) (*ArtistProfile, error) {
			return s.loadArtist(ctx, artistID)
		})
}

func (s *Service) GetTopTracks(ctx context.Context, artistID string) (cache.Result[[]upstream.Track], error) {
	if artistID == "" {
		return cache.Result[[]upstream.Track]{}, types.Errorf(types.ErrInvalidParameter, "empty artist id")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("tracks", artistID), cache.ContentTrackList,
		func(ctx context.Context) ([]upstream.Track, error) {
			if err := s.check(EndpointCatalogArtist); err != nil {
				return nil, err
			}
			return s.apis.Catalog.TopTracks(ctx, artistID)
		})
}

func (s *Service) GetRelatedArtists(ctx context.Context, artistID string) (cache.Result[[]upstream.Artist], error) {
	if artistID == "" {
		return cache.Result[[]upstream.Artist]{}, types.Errorf(types.ErrInvalidParameter, "empty artist id")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("related", artistID), cache.ContentRelatedArtists,
		func(ctx context.Context) ([]upstream.Artist, error) {
			if err := s.check(EndpointCatalogArtist); err != nil {
				return nil, err
			}
			return s.apis.Catalog.RelatedArtists(ctx, artistID)
		})
}

func (s *Service) GetVideos(ctx context.Context, query string) (cache.Result[[]upstream.Video], error) {
	query = utils.NormalizeKey(query)
	if query == "" {
		return cache.Result[[]upstream.Video]{}, types.Errorf(types.ErrInvalidParameter, "empty video query")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("videos", query), cache.ContentVideoMetadata,
		func(ctx context.Context) ([]upstream.Video, error) {
			if err := s.check(EndpointVideoSearch); err != nil {
				return nil, err
			}
			return s.apis.Videos.SearchVideos(ctx, query, videoLimit)
		})
}

func (s *Service) GetNews(ctx context.Context, query string) (cache.Result[[]upstream.Article], error) {
	query = utils.NormalizeKey(query)
	if query == "" {
		return cache.Result[[]upstream.Article]{}, types.Errorf(types.ErrInvalidParameter, "empty news query")
	}

	return cache.Fetch(ctx, s.cache, utils.BuildKey("news", query), cache.ContentNews,
		func(ctx context.Context) ([]upstream.Article, error) {
			if err := s.check(EndpointNewsSearch); err != nil {
				return nil, err
			}
			return s.apis.News.SearchArticles(ctx, query, newsLimit)
		})
}

func (s *Service) GetTrending(ctx context.Context) (cache.Result[[]upstream.ChartArtist], error) {
	return cache.Fetch(ctx, s.cache, utils.BuildKey("trending", "global"), cache.ContentTrending,
		func(ctx context.Context) ([]upstream.ChartArtist, error) {
			if err := s.check(EndpointChart); err != nil {
				return nil, err
			}
			return s.apis.Scrobble.TopArtists(ctx, chartLimit)
		})
}

// ResolveArtist maps a name or id used by source to a canonical record. The
// mapping cache is consulted first; on a miss the catalog is searched and
// the outcome cached as identity-mapping. ok is false when nothing matched.
func (s *Service) ResolveArtist(ctx context.Context, source, key string) (mapping.Mapping, bool, error) {
	source = utils.NormalizeKey(source)
	name := strings.TrimSpace(key)
	key = utils.NormalizeKey(key)
	if source == "" || key == "" {
		return mapping.Mapping{}, false, types.Errorf(types.ErrInvalidParameter, "source and key are required")
	}

	if m, ok := s.mappings.GetBySecondaryKey(ctx, source, key); ok {
		return m, true, nil
	}

	res, err := cache.Fetch(ctx, s.cache, utils.BuildKey("identity", source, key), cache.ContentIdentityMapping,
		func(ctx context.Context) (mapping.Mapping, error) {
			return s.lookupIdentity(ctx, source, key, name)
		})
	if err != nil {
		return mapping.Mapping{}, false, err
	}

	return res.Value, res.Value.CanonicalID != "", nil
}

// Warm fills the search cache for queries ahead of traffic. It stops early
// when the rate gate rejects and returns how many queries were stored.
func (s *Service) Warm(ctx context.Context, queries []string) (int, error) {
	warmed := 0

	for _, raw := range queries {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}

		query := utils.NormalizeKey(raw)
		if query == "" {
			continue
		}

		artists, err := s.searchArtists(ctx, query)
		if err != nil {
			if types.IsError(err, types.ErrRateLimitExceeded) {
				s.logger.Warn("Cache warm-up stopped by rate gate", zap.Int("warmed", warmed), zap.Error(err))
				return warmed, nil
			}
			s.logger.Warn("Cache warm-up query failed", zap.String("query", query), zap.Error(err))
			continue
		}

		if err := s.cache.Set(utils.BuildKey("search", query), artists, cache.ContentSearchResults); err != nil {
			return warmed, err
		}
		warmed++
	}

	s.logger.Info("Cache warm-up finished", zap.Int("warmed", warmed), zap.Int("queries", len(queries)))
	return warmed, nil
}

func (s *Service) searchArtists(ctx context.Context, query string) ([]upstream.Artist, error) {
	if err := s.check(EndpointCatalogSearch); err != nil {
		return nil, err
	}

	artists, err := s.apis.Catalog.SearchArtists(ctx, query, searchLimit)
	if err != nil {
		return nil, err
	}

	for _, a := range artists {
		if _, err := s.canonicalFor(ctx, a, nil); err != nil {
			s.logger.Warn("Failed to seed identity mapping", zap.String("artist_id", a.ID), zap.Error(err))
		}
	}

	return artists, nil
}

func (s *Service) loadArtist(ctx context.Context, artistID string) (*ArtistProfile, error) {
	for _, endpoint := range []string{EndpointCatalogArtist, EndpointScrobbleArtist} {
		if res := s.gate.CheckWithoutIncrement(endpoint); !res.Allowed {
			return nil, res.Err(endpoint)
		}
	}

	var (
		artist *upstream.Artist
		stats  *upstream.ArtistStats
	)

	known, _ := s.mappings.GetBySecondaryKey(ctx, sourceCatalog, artistID)
	scrobbleName := known.Sources[sourceScrobble].Name
	if scrobbleName == "" {
		scrobbleName = known.Sources[sourceCatalog].Name
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.check(EndpointCatalogArtist); err != nil {
			return err
		}
		var err error
		artist, err = s.apis.Catalog.Artist(gctx, artistID)
		return err
	})
	if scrobbleName != "" {
		g.Go(func() error {
			var err error
			stats, err = s.fetchStats(gctx, scrobbleName)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if artist == nil {
		return nil, nil
	}

	if scrobbleName == "" {
		var err error
		if stats, err = s.fetchStats(ctx, artist.Name); err != nil {
			return nil, err
		}
	}

	canonicalID, err := s.canonicalFor(ctx, *artist, stats)
	if err != nil {
		s.logger.Warn("Failed to record identity mapping", zap.String("artist_id", artistID), zap.Error(err))
	}

	return &ArtistProfile{CanonicalID: canonicalID, Artist: *artist, Stats: stats}, nil
}

func (s *Service) fetchStats(ctx context.Context, name string) (*upstream.ArtistStats, error) {
	if err := s.check(EndpointScrobbleArtist); err != nil {
		return nil, err
	}
	return s.apis.Scrobble.ArtistStats(ctx, name)
}

// lookupIdentity searches the catalog by the normalized key and records the
// caller's spelling as the source's display name.
func (s *Service) lookupIdentity(ctx context.Context, source, key, name string) (mapping.Mapping, error) {
	if err := s.check(EndpointCatalogSearch); err != nil {
		return mapping.Mapping{}, err
	}

	artists, err := s.apis.Catalog.SearchArtists(ctx, key, 1)
	if err != nil {
		return mapping.Mapping{}, err
	}
	if len(artists) == 0 {
		return mapping.Mapping{}, nil
	}

	canonicalID, err := s.canonicalFor(ctx, artists[0], nil)
	if err != nil {
		return mapping.Mapping{}, err
	}

	if source != sourceCatalog {
		if err := s.mappings.Upsert(ctx, mapping.Mapping{
			CanonicalID: canonicalID,
			Sources:     map[string]mapping.SourceRef{source: {Name: name}},
		}); err != nil {
			return mapping.Mapping{}, err
		}
	}

	m, _ := s.mappings.Get(ctx, canonicalID)
	return m, nil
}

// canonicalFor returns the canonical id recorded for a catalog artist,
// minting one on first sight, and merges what is known about the artist.
func (s *Service) canonicalFor(ctx context.Context, artist upstream.Artist, stats *upstream.ArtistStats) (string, error) {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	canonicalID := ""
	if m, ok := s.mappings.GetBySecondaryKey(ctx, sourceCatalog, artist.ID); ok {
		canonicalID = m.CanonicalID
	} else {
		canonicalID = s.newID()
	}

	sources := map[string]mapping.SourceRef{
		sourceCatalog: {ID: artist.ID, Name: artist.Name},
	}
	if stats != nil {
		sources[sourceScrobble] = mapping.SourceRef{Name: stats.Name}
	}

	return canonicalID, s.mappings.Upsert(ctx, mapping.Mapping{CanonicalID: canonicalID, Sources: sources})
}

func (s *Service) check(endpoint string) error {
	res := s.gate.Check(endpoint)
	if !res.Allowed {
		s.logger.Debug("Upstream call rejected by rate gate",
			zap.String("endpoint", endpoint),
			zap.Int("reset_in_seconds", res.ResetInSeconds))
		return res.Err(endpoint)
	}
	return nil
}
