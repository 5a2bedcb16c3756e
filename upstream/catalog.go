package upstream

import (
	"context"
	"net/url"
	"strconv"
)

type catalogArtist struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Genres     []string `json:"genres"`
	Popularity int      `json:"popularity"`
	Followers  struct {
		Total int64 `json:"total"`
	} `json:"followers"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (a catalogArtist) toArtist() Artist {
	out := Artist{
		ID:         a.ID,
		Name:       a.Name,
		Genres:     a.Genres,
		Popularity: a.Popularity,
		Followers:  a.Followers.Total,
	}
	if len(a.Images) > 0 {
		out.ImageURL = a.Images[0].URL
	}
	return out
}

func toArtists(in []catalogArtist) []Artist {
	out := make([]Artist, 0, len(in))
	for _, a := range in {
		out = append(out, a.toArtist())
	}
	return out
}

// Catalog talks to the music catalog API.
type Catalog struct {
	caller Caller
	market string
}

func NewCatalog(caller Caller, market string) *Catalog {
	if market == "" {
		market = "KR"
	}
	return &Catalog{caller: caller, market: market}
}

func (c *Catalog) SearchArtists(ctx context.Context, query string, limit int) ([]Artist, error) {
	resp, _, err := getJSON[struct {
		Artists struct {
			Items []catalogArtist `json:"items"`
		} `json:"artists"`
	}](ctx, c.caller, ServiceCatalog, "/v1/search", map[string]string{
		"q":     query,
		"type":  "artist",
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	return toArtists(resp.Artists.Items), nil
}

// Artist returns nil without error when the catalog does not know id.
func (c *Catalog) Artist(ctx context.Context, id string) (*Artist, error) {
	resp, found, err := getJSON[catalogArtist](ctx, c.caller, ServiceCatalog, "/v1/artists/"+url.PathEscape(id), nil)
	if err != nil || !found {
		return nil, err
	}
	artist := resp.toArtist()
	return &artist, nil
}

func (c *Catalog) TopTracks(ctx context.Context, artistID string) ([]Track, error) {
	resp, _, err := getJSON[struct {
		Tracks []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Album struct {
				Name string `json:"name"`
			} `json:"album"`
			DurationMs int    `json:"duration_ms"`
			PreviewURL string `json:"preview_url"`
		} `json:"tracks"`
	}](ctx, c.caller, ServiceCatalog, "/v1/artists/"+url.PathEscape(artistID)+"/top-tracks", map[string]string{
		"market": c.market,
	})
	if err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(resp.Tracks))
	for _, t := range resp.Tracks {
		tracks = append(tracks, Track{
			ID:         t.ID,
			Name:       t.Name,
			Album:      t.Album.Name,
			DurationMs: t.DurationMs,
			PreviewURL: t.PreviewURL,
		})
	}
	return tracks, nil
}

func (c *Catalog) RelatedArtists(ctx context.Context, artistID string) ([]Artist, error) {
	resp, _, err := getJSON[struct {
		Artists []catalogArtist `json:"artists"`
	}](ctx, c.caller, ServiceCatalog, "/v1/artists/"+url.PathEscape(artistID)+"/related-artists", nil)
	if err != nil {
		return nil, err
	}
	return toArtists(resp.Artists), nil
}
