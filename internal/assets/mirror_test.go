package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMirrorClipLocal(t *testing.T) {
	cover := pngBytes(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/song.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("ID3-audio"))
		case "/cover.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(cover)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewMirror(NewLocalStore(dir, "https://cdn.example.com/assets/"), 2*time.Second, 1<<20, 8)

	out, err := m.MirrorClip(context.Background(), "orders/o1/job-1/1", srv.URL+"/song.mp3", srv.URL+"/cover.png?sig=abc")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/assets/orders/o1/job-1/1/audio.mp3", out.AudioURL)
	assert.Equal(t, "https://cdn.example.com/assets/orders/o1/job-1/1/cover.png", out.CoverURL)
	assert.Equal(t, "https://cdn.example.com/assets/orders/o1/job-1/1/thumb.jpg", out.ThumbnailURL)
	assert.Len(t, out.Keys, 3)

	audio, err := os.ReadFile(filepath.Join(dir, "orders", "o1", "job-1", "1", "audio.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio", string(audio))

	thumbData, err := os.ReadFile(filepath.Join(dir, "orders", "o1", "job-1", "1", "thumb.jpg"))
	require.NoError(t, err)
	thumb, _, err := image.Decode(bytes.NewReader(thumbData))
	require.NoError(t, err)
	assert.Equal(t, 8, thumb.Bounds().Dx())
	assert.Equal(t, 8, thumb.Bounds().Dy())

	require.NoError(t, Delete(context.Background(), NewLocalStore(dir, ""), out.Keys))
	_, err = os.Stat(filepath.Join(dir, "orders", "o1", "job-1", "1", "audio.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestMirrorClipWithoutCover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	m := NewMirror(NewLocalStore(t.TempDir(), "http://local"), time.Second, 0, 0)
	out, err := m.MirrorClip(context.Background(), "p", srv.URL+"/x", "")
	require.NoError(t, err)
	assert.Equal(t, "http://local/p/audio.mp3", out.AudioURL)
	assert.Empty(t, out.CoverURL)
	assert.Len(t, out.Keys, 1)
}

func TestMirrorRejectsOversizeAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	m := NewMirror(NewLocalStore(t.TempDir(), ""), time.Second, 16, 0)
	_, err := m.MirrorClip(context.Background(), "p", srv.URL+"/big", "")
	assert.ErrorContains(t, err, "too large")

	_, err = m.MirrorClip(context.Background(), "p", srv.URL+"/missing", "")
	assert.ErrorContains(t, err, "status 404")
}

func TestSanitizeKeyStaysInsideBase(t *testing.T) {
	key, err := sanitizeKey("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", key)

	_, err = sanitizeKey("/")
	assert.Error(t, err)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	assert.NoError(t, NewLocalStore(t.TempDir(), "").Delete(context.Background(), "nope/x.mp3"))
}
