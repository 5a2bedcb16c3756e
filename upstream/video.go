package upstream

import (
	"context"
	"strconv"
	"time"
)

type Videos struct {
	caller Caller
}

func NewVideos(caller Caller) *Videos {
	return &Videos{caller: caller}
}

func (v *Videos) SearchVideos(ctx context.Context, query string, limit int) ([]Video, error) {
	resp, _, err := getJSON[struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title        string    `json:"title"`
				ChannelTitle string    `json:"channelTitle"`
				PublishedAt  time.Time `json:"publishedAt"`
				Thumbnails   struct {
					High struct {
						URL string `json:"url"`
					} `json:"high"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}](ctx, v.caller, ServiceVideo, "/youtube/v3/search", map[string]string{
		"part":       "snippet",
		"type":       "video",
		"q":          query,
		"maxResults": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.ID.VideoID == "" {
			continue
		}
		videos = append(videos, Video{
			ID:           item.ID.VideoID,
			Title:        item.Snippet.Title,
			Channel:      item.Snippet.ChannelTitle,
			ThumbnailURL: item.Snippet.Thumbnails.High.URL,
			PublishedAt:  item.Snippet.PublishedAt,
		})
	}
	return videos, nil
}
