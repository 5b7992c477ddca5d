package assets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Mirrored lists the stored copies of one clip.
type Mirrored struct {
	AudioURL     string
	CoverURL     string
	ThumbnailURL string
	Keys         []string
}

// Mirror copies provider-hosted clips into our asset store.
type Mirror struct {
	store      Store
	httpClient *http.Client
	maxBytes   int64
	thumbSize  int
}

// NewMirror builds a mirror. Zero values pick 60s downloads, 50 MiB, 300px thumbnails.
func NewMirror(store Store, timeout time.Duration, maxBytes int64, thumbSize int) *Mirror {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 50 * 1024 * 1024
	}
	if thumbSize == 0 {
		thumbSize = 300
	}
	return &Mirror{store: store, httpClient: &http.Client{Timeout: timeout}, maxBytes: maxBytes, thumbSize: thumbSize}
}

// MirrorClip stores the audio, cover and a square cover thumbnail under prefix.
// An empty cover URL skips both images.
func (m *Mirror) MirrorClip(ctx context.Context, prefix, audioURL, coverURL string) (Mirrored, error) {
	var out Mirrored

	audio, contentType, err := m.download(ctx, audioURL)
	if err != nil {
		return Mirrored{}, fmt.Errorf("audio: %w", err)
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	key := path.Join(prefix, "audio"+extensionFor(audioURL, ".mp3"))
	if out.AudioURL, err = m.store.Put(ctx, key, audio, contentType); err != nil {
		return Mirrored{}, fmt.Errorf("store audio: %w", err)
	}
	out.Keys = append(out.Keys, key)

	if coverURL == "" {
		return out, nil
	}
	cover, coverType, err := m.download(ctx, coverURL)
	if err != nil {
		return out, fmt.Errorf("cover: %w", err)
	}
	key = path.Join(prefix, "cover"+extensionFor(coverURL, ".jpg"))
	if out.CoverURL, err = m.store.Put(ctx, key, cover, coverType); err != nil {
		return out, fmt.Errorf("store cover: %w", err)
	}
	out.Keys = append(out.Keys, key)

	thumb, err := Thumbnail(cover, m.thumbSize)
	if err != nil {
		return out, err
	}
	key = path.Join(prefix, "thumb.jpg")
	if out.ThumbnailURL, err = m.store.Put(ctx, key, thumb, "image/jpeg"); err != nil {
		return out, fmt.Errorf("store thumbnail: %w", err)
	}
	out.Keys = append(out.Keys, key)
	return out, nil
}

// Thumbnail crops the image to a centered square of size px and encodes it as JPEG.
func Thumbnail(data []byte, size int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Delete removes stored keys, stopping at the first failure.
func Delete(ctx context.Context, store Store, keys []string) error {
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (m *Mirror) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > m.maxBytes {
		return nil, "", fmt.Errorf("asset too large (>%d bytes)", m.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func extensionFor(rawURL, fallback string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	ext := strings.ToLower(path.Ext(rawURL))
	switch ext {
	case ".mp3", ".wav", ".m4a", ".ogg", ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return ext
	}
	return fallback
}
