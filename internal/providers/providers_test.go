package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/models"
)

func TestGenerateLyrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req LyricsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Ana", req.Brief.RecipientName)
		assert.Equal(t, "more upbeat", req.Feedback)
		assert.Equal(t, 1, req.RegenerationCount)
		_ = json.NewEncoder(w).Encode(models.Lyrics{
			Title:  "For Ana",
			Verses: []models.Verse{{Label: "verse 1", Lines: []string{"hello"}}},
		})
	}))
	defer srv.Close()

	c := NewLyricsClient(srv.URL, "key", time.Second)
	lyrics, err := c.GenerateLyrics(context.Background(), LyricsRequest{
		Brief:             models.Quiz{RecipientName: "Ana"},
		Feedback:          "more upbeat",
		RegenerationCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "For Ana", lyrics.Title)
}

func TestGenerateLyricsEmptyIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"title":"x","verses":[{"label":"v","lines":["  "]}]}`))
	}))
	defer srv.Close()

	_, err := NewLyricsClient(srv.URL, "", time.Second).GenerateLyrics(context.Background(), LyricsRequest{})
	assert.ErrorIs(t, err, ErrUpstreamGeneration)
}

func TestUpstreamStatusCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewAudioClient(srv.URL, "", time.Second).Submit(context.Background(), AudioRequest{Lyrics: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamGeneration)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "audio", upstream.Provider)
	assert.Equal(t, "submit", upstream.Op)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, "model overloaded", upstream.Body)
}

func TestTimeoutIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewAudioClient(srv.URL, "", 50*time.Millisecond).Status(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrUpstreamGeneration)
}

func TestSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			_, _ = w.Write([]byte(`{"task_id":"task-9"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-9":
			_, _ = w.Write([]byte(`{"status":"succeeded","clips":[{"audio_url":"https://cdn/a.mp3","duration_seconds":181.5}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewAudioClient(srv.URL, "", time.Second)
	id, err := c.Submit(context.Background(), AudioRequest{Lyrics: "la", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "task-9", id)

	res, err := c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "task-9", res.TaskID)
	assert.Equal(t, TaskSucceeded, res.Status)
	require.Len(t, res.Clips, 1)
	assert.InDelta(t, 181.5, res.Clips[0].DurationSeconds, 0.001)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewAudioClient(srv.URL, "", time.Second)
	for i := 0; i < 5; i++ {
		_, _ = c.Submit(context.Background(), AudioRequest{})
	}
	_, err := c.Submit(context.Background(), AudioRequest{})
	assert.ErrorIs(t, err, ErrUpstreamGeneration)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, calls)
}
