package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"song-fulfillment/internal/models"
)

// LyricsRequest is the brief sent to the lyric model.
type LyricsRequest struct {
	Brief             models.Quiz `json:"brief"`
	Feedback          string      `json:"feedback,omitempty"`
	RegenerationCount int         `json:"regeneration_count"`
}

// LyricsClient calls the lyric generation service.
type LyricsClient struct {
	client
}

func NewLyricsClient(baseURL, apiKey string, timeout time.Duration) *LyricsClient {
	return &LyricsClient{client: newClient("lyrics", baseURL, apiKey, timeout)}
}

// GenerateLyrics returns a structured draft. Empty drafts are upstream failures.
func (c *LyricsClient) GenerateLyrics(ctx context.Context, req LyricsRequest) (models.Lyrics, error) {
	var out models.Lyrics
	if err := c.do(ctx, "generate", http.MethodPost, "/generate", req, &out); err != nil {
		return models.Lyrics{}, err
	}
	if out.Empty() {
		return models.Lyrics{}, &UpstreamError{Provider: c.provider, Op: "generate", Err: errors.New("empty lyrics")}
	}
	return out, nil
}
