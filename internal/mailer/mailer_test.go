package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lyricsVars() map[string]string {
	return map[string]string{
		"customer_name":      "Sam",
		"recipient_name":     "Ana",
		"title":              "Ana's Song",
		"approval_url":       "https://songs.example.com/approve/tok?x=<1>",
		"expires_at":         "Mon, 05 Jan 2026 12:00:00 UTC",
		"regeneration_count": "2",
	}
}

func TestRenderLyricsReady(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render("lyrics_ready", lyricsVars())
	require.NoError(t, err)
	assert.Equal(t, "Your lyrics for Ana are ready", out.Subject)
	assert.Contains(t, out.Text, "https://songs.example.com/approve/tok?x=<1>")
	assert.Contains(t, out.Text, "revision 2")
	assert.Contains(t, out.HTML, "<strong>Ana&#39;s Song</strong>")
	assert.NotContains(t, out.HTML, "x=<1>")
}

func TestRenderMissingVariableFails(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	_, err = r.Render("song_released", map[string]string{"customer_name": "Sam"})
	assert.Error(t, err)
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	_, err = r.Render("welcome", nil)
	assert.ErrorContains(t, err, "unknown template")
}

func TestHTTPSender(t *testing.T) {
	var got httpMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer mail-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"msg-42"}`))
	}))
	defer srv.Close()

	r, err := NewRenderer()
	require.NoError(t, err)
	s := NewHTTPSender(srv.URL, "mail-key", "songs@example.com", time.Second, r)

	id, err := s.Send(context.Background(), Message{Recipient: "sam@example.com", Template: "lyrics_ready", Variables: lyricsVars()})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
	assert.Equal(t, "sam@example.com", got.To)
	assert.Equal(t, "songs@example.com", got.From)
	assert.Equal(t, "Your lyrics for Ana are ready", got.Subject)
}

func TestHTTPSenderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "mailbox unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	r, err := NewRenderer()
	require.NoError(t, err)
	_, err = NewHTTPSender(srv.URL, "", "f@example.com", time.Second, r).
		Send(context.Background(), Message{Recipient: "x@example.com", Template: "lyrics_ready", Variables: lyricsVars()})
	assert.ErrorContains(t, err, "status 502")
}

func TestLogSender(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	id, err := NewLogSender(zerolog.Nop(), r).Send(context.Background(), Message{
		Recipient: "ops@example.com",
		Template:  "generation_escalated",
		Variables: map[string]string{"job_id": "j1", "order_id": "o1", "regeneration_count": "4", "reason": "too sad"},
	})
	require.NoError(t, err)
	assert.Contains(t, id, "log-")
}
