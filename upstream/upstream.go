package upstream

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

// Service names as configured under upstreams.
const (
	ServiceCatalog  = "catalog"
	ServiceScrobble = "scrobble"
	ServiceVideo    = "video"
	ServiceNews     = "news"
)

// Caller is the part of client.Manager the adapters need.
type Caller interface {
	Call(ctx context.Context, serviceName, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error)
}

type Artist struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Genres     []string `json:"genres,omitempty"`
	ImageURL   string   `json:"image_url,omitempty"`
	Popularity int      `json:"popularity"`
	Followers  int64    `json:"followers"`
}

type Track struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Album      string `json:"album"`
	DurationMs int    `json:"duration_ms"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type ArtistStats struct {
	Name      string   `json:"name"`
	Listeners int64    `json:"listeners"`
	Playcount int64    `json:"playcount"`
	Tags      []string `json:"tags,omitempty"`
}

type ChartArtist struct {
	Rank      int    `json:"rank"`
	Name      string `json:"name"`
	Listeners int64  `json:"listeners"`
	Playcount int64  `json:"playcount"`
}

type Video struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Channel      string    `json:"channel"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type CatalogAPI interface {
	SearchArtists(ctx context.Context, query string, limit int) ([]Artist, error)
	Artist(ctx context.Context, id string) (*Artist, error)
	TopTracks(ctx context.Context, artistID string) ([]Track, error)
	RelatedArtists(ctx context.Context, artistID string) ([]Artist, error)
}

type ScrobbleAPI interface {
	ArtistStats(ctx context.Context, name string) (*ArtistStats, error)
	TopArtists(ctx context.Context, limit int) ([]ChartArtist, error)
}

type VideoAPI interface {
	SearchVideos(ctx context.Context, query string, limit int) ([]Video, error)
}

type NewsAPI interface {
	SearchArticles(ctx context.Context, query string, limit int) ([]Article, error)
}

// getJSON decodes a GET response into T. A 404 is reported as found=false
// with no error; other 4xx/5xx statuses are errors.
func getJSON[T any](ctx context.Context, caller Caller, service, path string, query map[string]string) (T, bool, error) {
	var out T

	body, status, err := caller.Call(ctx, service, fasthttp.MethodGet, path, nil, &types.CallOptions{Query: query})
	if err != nil {
		return out, false, err
	}

	switch {
	case status == fasthttp.StatusNotFound:
		return out, false, nil
	case status >= fasthttp.StatusBadRequest:
		return out, false, types.Errorf(types.ErrClientResponseInvalid, "%s %s: status %d", service, path, status)
	case len(body) == 0:
		return out, false, nil
	}

	if err := utils.Unmarshal(body, &out); err != nil {
		return out, false, types.Errorf(types.ErrClientResponseInvalid, "%s %s: %v", service, path, err)
	}

	return out, true, nil
}
