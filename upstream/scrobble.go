package upstream

import (
	"context"
	"strconv"
)

// Scrobble talks to the listening statistics API. It reports counts as
// decimal strings.
type Scrobble struct {
	caller Caller
}

func NewScrobble(caller Caller) *Scrobble {
	return &Scrobble{caller: caller}
}

// ArtistStats returns nil without error for an unknown artist.
func (s *Scrobble) ArtistStats(ctx context.Context, name string) (*ArtistStats, error) {
	resp, found, err := getJSON[struct {
		Error  int `json:"error"`
		Artist struct {
			Name  string `json:"name"`
			Stats struct {
				Listeners string `json:"listeners"`
				Playcount string `json:"playcount"`
			} `json:"stats"`
			Tags struct {
				Tag []struct {
					Name string `json:"name"`
				} `json:"tag"`
			} `json:"tags"`
		} `json:"artist"`
	}](ctx, s.caller, ServiceScrobble, "/2.0/", map[string]string{
		"method": "artist.getinfo",
		"artist": name,
		"format": "json",
	})
	if err != nil || !found || resp.Error != 0 || resp.Artist.Name == "" {
		return nil, err
	}

	stats := &ArtistStats{
		Name:      resp.Artist.Name,
		Listeners: parseCount(resp.Artist.Stats.Listeners),
		Playcount: parseCount(resp.Artist.Stats.Playcount),
	}
	for _, tag := range resp.Artist.Tags.Tag {
		stats.Tags = append(stats.Tags, tag.Name)
	}
	return stats, nil
}

func (s *Scrobble) TopArtists(ctx context.Context, limit int) ([]ChartArtist, error) {
	resp, _, err := getJSON[struct {
		Artists struct {
			Artist []struct {
				Name      string `json:"name"`
				Listeners string `json:"listeners"`
				Playcount string `json:"playcount"`
			} `json:"artist"`
		} `json:"artists"`
	}](ctx, s.caller, ServiceScrobble, "/2.0/", map[string]string{
		"method": "chart.gettopartists",
		"limit":  strconv.Itoa(limit),
		"format": "json",
	})
	if err != nil {
		return nil, err
	}

	chart := make([]ChartArtist, 0, len(resp.Artists.Artist))
	for i, a := range resp.Artists.Artist {
		chart = append(chart, ChartArtist{
			Rank:      i + 1,
			Name:      a.Name,
			Listeners: parseCount(a.Listeners),
			Playcount: parseCount(a.Playcount),
		})
	}
	return chart, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
