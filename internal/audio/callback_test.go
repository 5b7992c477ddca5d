package audio

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/models"
)

const testSecret = "whsec_test"

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	body := []byte(`{"task_id":"t"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(testSecret, ts, body)

	assert.NoError(t, VerifySignature(testSecret, ts, sig, body, now))
	assert.NoError(t, VerifySignature(testSecret, ts, strings.ToUpper(sig), body, now.Add(4*time.Minute)))

	assert.ErrorIs(t, VerifySignature(testSecret, "yesterday", sig, body, now), ErrInvalidTimestamp)
	assert.ErrorIs(t, VerifySignature(testSecret, ts, sig, body, now.Add(6*time.Minute)), ErrTimestampOutsideWindow)
	assert.ErrorIs(t, VerifySignature(testSecret, ts, sig, []byte(`{"task_id":"u"}`), now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("other", ts, sig, body, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(testSecret, ts, "zz", body, now), ErrInvalidSignature)
}

func callbackRequest(t *testing.T, body string, now time.Time, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/audio", bytes.NewBufferString(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, Sign(secret, ts, []byte(body)))
	return req
}

func TestCallbackHandler(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	require.NoError(t, tr.Trigger(context.Background(), f.job.ID))

	h := NewCallbackHandler(tr, testSecret, zerolog.Nop())
	h.now = f.clock

	done := `{"task_id":"task-1","status":"succeeded","clips":[{"audio_url":"https://cdn.example.com/a.mp3"}]}`

	cases := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"bad signature", callbackRequest(t, done, f.now, "wrong"), http.StatusUnauthorized},
		{"stale timestamp", callbackRequest(t, done, f.now.Add(-10*time.Minute), testSecret), http.StatusUnauthorized},
		{"malformed body", callbackRequest(t, `{"task_id":`, f.now, testSecret), http.StatusBadRequest},
		{"unknown task", callbackRequest(t, `{"task_id":"task-404","status":"succeeded"}`, f.now, testSecret), http.StatusAccepted},
		{"succeeded", callbackRequest(t, done, f.now, testSecret), http.StatusOK},
		{"redelivery", callbackRequest(t, done, f.now, testSecret), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tc.req)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, models.JobCompleted, f.jobState(t).Status)
	songs, err := f.st.ListSongsByOrder(context.Background(), "order-9")
	require.NoError(t, err)
	assert.Len(t, songs, 1)
}

func TestCallbackWithoutSecretSkipsVerification(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	require.NoError(t, tr.Trigger(context.Background(), f.job.ID))

	h := NewCallbackHandler(tr, "", zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/audio",
		strings.NewReader(`{"task_id":"task-1","status":"failed","error":"timeout"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobFailed, f.jobState(t).Status)
}

func TestCallbackRejectsOversizedBody(t *testing.T) {
	h := NewCallbackHandler(nil, "", zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/audio", bytes.NewReader(make([]byte, maxCallbackBytes+1)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
