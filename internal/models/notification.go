package models

import "time"

// NotificationStatus enumerates queue entry states.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationProcessing NotificationStatus = "processing"
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
)

// Notification kinds.
const (
	KindLyricsReady     = "lyrics_ready"
	KindSongReleased    = "song_released"
	KindGenerationStuck = "generation_escalated"
)

// Notification is one outbound email attempt chain.
type Notification struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Recipient   string             `json:"recipient"`
	Template    string             `json:"template"`
	Payload     map[string]string  `json:"payload"`
	DedupeKey   string             `json:"dedupe_key"`
	Status      NotificationStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	NextRetryAt time.Time          `json:"next_retry_at"`
	LastError   *string            `json:"last_error,omitempty"`
	MessageID   *string            `json:"message_id,omitempty"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// SongReleasedKey is the dedupe key of an order's release notification.
func SongReleasedKey(orderID string) string {
	return KindSongReleased + ":" + orderID
}
