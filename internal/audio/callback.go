package audio

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"song-fulfillment/internal/providers"
)

// Callback signature headers set by the audio provider.
const (
	TimestampHeader = "X-Audio-Timestamp"
	SignatureHeader = "X-Audio-Signature"
)

// SignatureWindow bounds how far a callback timestamp may drift from now.
const SignatureWindow = 5 * time.Minute

const maxCallbackBytes = 1 << 20

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// VerifySignature checks hex(HMAC-SHA256(secret, "<ts>.<body>")) and the timestamp window.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	timestamp = strings.TrimSpace(timestamp)
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(unix, 0).UTC()
	now = now.UTC()
	if ts.Before(now.Add(-SignatureWindow)) || ts.After(now.Add(SignatureWindow)) {
		return ErrTimestampOutsideWindow
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, sign(secret, timestamp, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature for a callback body.
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestamp, body))
}

func sign(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// CallbackHandler is the push side of task completion.
type CallbackHandler struct {
	observer CompletionObserver
	secret   string
	log      zerolog.Logger
	now      func() time.Time
}

// NewCallbackHandler builds the webhook handler. An empty secret disables
// signature checks and is only accepted in development configs.
func NewCallbackHandler(observer CompletionObserver, secret string, log zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		observer: observer,
		secret:   secret,
		log:      log.With().Str("component", "audio_callback").Logger(),
		now:      time.Now,
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxCallbackBytes)
	if err != nil {
		writeStatus(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if h.secret != "" {
		if err := VerifySignature(h.secret, r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader), body, h.now()); err != nil {
			h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("callback rejected")
			writeStatus(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var res providers.TaskResult
	if err := json.Unmarshal(body, &res); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.observer.Complete(r.Context(), res); err != nil {
		if errors.Is(err, ErrUnknownTask) {
			// acknowledge so the provider stops redelivering
			h.log.Warn().Str("task_id", res.TaskID).Msg("callback for unknown task")
			writeStatus(w, http.StatusAccepted, "ignored")
			return
		}
		h.log.Error().Err(err).Str("task_id", res.TaskID).Msg("apply callback failed")
		writeStatus(w, http.StatusInternalServerError, "retry later")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
