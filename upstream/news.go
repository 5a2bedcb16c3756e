package upstream

import (
	"context"
	"strconv"
	"time"
)

type News struct {
	caller Caller
}

func NewNews(caller Caller) *News {
	return &News{caller: caller}
}

func (n *News) SearchArticles(ctx context.Context, query string, limit int) ([]Article, error) {
	resp, _, err := getJSON[struct {
		Articles []struct {
			Title       string    `json:"title"`
			URL         string    `json:"url"`
			Description string    `json:"description"`
			PublishedAt time.Time `json:"publishedAt"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}](ctx, n.caller, ServiceNews, "/v2/everything", map[string]string{
		"q":        query,
		"pageSize": strconv.Itoa(limit),
		"sortBy":   "publishedAt",
	})
	if err != nil {
		return nil, err
	}

	articles := make([]Article, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		articles = append(articles, Article{
			Title:       a.Title,
			URL:         a.URL,
			Source:      a.Source.Name,
			Summary:     a.Description,
			PublishedAt: a.PublishedAt,
		})
	}
	return articles, nil
}
