package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// jobTransitions lists every status change the store will perform.
// processing/completed -> pending is the unapprove rollback; failed -> pending is an operator retry.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobFailed},
	JobProcessing: {JobCompleted, JobFailed, JobPending},
	JobCompleted:  {JobPending},
	JobFailed:     {JobPending},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks every source status against the transition table.
func ValidateTransition(from []JobStatus, to JobStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source status", to)
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("illegal job transition %s -> %s", f, to)
		}
	}
	return nil
}

// Terminal reports whether the status ends the automated flow.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AudioClaimPrefix marks an audio_task_reference held by an in-flight submission.
const AudioClaimPrefix = "claim:"

// Job is one fulfillment unit for an order variant.
type Job struct {
	ID                 string    `json:"id"`
	OrderID            string    `json:"order_id"`
	QuizID             string    `json:"quiz_id"`
	Variant            int       `json:"variant"`
	Status             JobStatus `json:"status"`
	GeneratedLyrics    *Lyrics   `json:"generated_lyrics,omitempty"`
	AudioTaskReference *string   `json:"audio_task_reference,omitempty"`
	Error              *string   `json:"error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasAudioTask reports whether a submission is recorded or in flight.
func (j Job) HasAudioTask() bool {
	return j.AudioTaskReference != nil && *j.AudioTaskReference != ""
}

// AudioTaskID returns the provider task id, or "" while unset or claimed.
func (j Job) AudioTaskID() string {
	if !j.HasAudioTask() || strings.HasPrefix(*j.AudioTaskReference, AudioClaimPrefix) {
		return ""
	}
	return *j.AudioTaskReference
}

// JobEvent is an append-only audit row for a job transition.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// UnapproveResult reports what an unapprove rollback touched.
type UnapproveResult struct {
	JobID                  string   `json:"job_id"`
	OrderID                string   `json:"order_id"`
	ApprovalID             string   `json:"approval_id,omitempty"`
	SongIDs                []string `json:"song_ids"`
	CancelledNotifications int      `json:"cancelled_notifications"`
}
