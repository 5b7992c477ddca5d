package models

import (
	"strings"
	"time"
)

// ApprovalStatus enumerates lyrics approval states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Verse is one labelled block of lyrics ("verse 1", "chorus", ...).
type Verse struct {
	Label string   `json:"label"`
	Lines []string `json:"lines"`
}

// Lyrics is the structured output of the lyric provider.
type Lyrics struct {
	Title  string  `json:"title"`
	Verses []Verse `json:"verses"`
}

// Empty reports whether the lyrics carry no usable text.
func (l Lyrics) Empty() bool {
	for _, v := range l.Verses {
		for _, line := range v.Lines {
			if strings.TrimSpace(line) != "" {
				return false
			}
		}
	}
	return true
}

// Text renders the lyrics as plain text with bracketed section labels.
func (l Lyrics) Text() string {
	var b strings.Builder
	for i, v := range l.Verses {
		if i > 0 {
			b.WriteString("\n")
		}
		if v.Label != "" {
			b.WriteString("[" + v.Label + "]\n")
		}
		for _, line := range v.Lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// LyricsApproval is one approval cycle for a generated draft.
type LyricsApproval struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id"`
	OrderID           string         `json:"order_id"`
	QuizID            string         `json:"quiz_id"`
	Lyrics            Lyrics         `json:"lyrics"`
	Token             string         `json:"-"`
	Status            ApprovalStatus `json:"status"`
	ExpiresAt         time.Time      `json:"expires_at"`
	RegenerationCount int            `json:"regeneration_count"`
	RejectionReason   *string        `json:"rejection_reason,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ExpiredAt reports whether the approval can no longer be acted upon at now.
func (a LyricsApproval) ExpiredAt(now time.Time) bool {
	return a.Status == ApprovalExpired || !now.Before(a.ExpiresAt)
}
