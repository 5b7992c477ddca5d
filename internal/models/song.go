package models

import "time"

// SongStatus enumerates rendered song states.
type SongStatus string

const (
	SongPending  SongStatus = "pending"
	SongReady    SongStatus = "ready"
	SongApproved SongStatus = "approved"
	SongReleased SongStatus = "released"
	SongRejected SongStatus = "rejected"
)

// Song is a rendered audio artifact for one variant of an order.
type Song struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	JobID         string     `json:"job_id"`
	Title         string     `json:"title"`
	VariantNumber int        `json:"variant_number"`
	Status        SongStatus `json:"status"`
	AudioURL      *string    `json:"audio_url,omitempty"`
	CoverURL      *string    `json:"cover_url,omitempty"`
	ThumbnailURL  *string    `json:"thumbnail_url,omitempty"`
	AssetKeys     []string   `json:"-"`
	ReleaseAt     *time.Time `json:"release_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	EmailSent     bool       `json:"email_sent"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
