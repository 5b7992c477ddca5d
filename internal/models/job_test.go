package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobPending, JobProcessing))
	assert.True(t, CanTransition(JobProcessing, JobCompleted))
	assert.True(t, CanTransition(JobProcessing, JobFailed))
	assert.True(t, CanTransition(JobFailed, JobPending))
	assert.True(t, CanTransition(JobCompleted, JobPending))

	assert.False(t, CanTransition(JobCompleted, JobFailed))
	assert.False(t, CanTransition(JobFailed, JobCompleted))
	assert.False(t, CanTransition(JobPending, JobCompleted))
	assert.False(t, CanTransition(JobFailed, JobProcessing))
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition([]JobStatus{JobPending, JobProcessing}, JobFailed))
	require.Error(t, ValidateTransition([]JobStatus{JobCompleted}, JobFailed))
	require.Error(t, ValidateTransition(nil, JobFailed))
}

func TestJobAudioTaskID(t *testing.T) {
	var j Job
	assert.False(t, j.HasAudioTask())

	claim := AudioClaimPrefix + "abc"
	j.AudioTaskReference = &claim
	assert.True(t, j.HasAudioTask())
	assert.Equal(t, "", j.AudioTaskID())

	ref := "task-1"
	j.AudioTaskReference = &ref
	assert.Equal(t, "task-1", j.AudioTaskID())
}

func TestLyricsEmptyAndText(t *testing.T) {
	assert.True(t, Lyrics{Title: "x"}.Empty())
	assert.True(t, Lyrics{Verses: []Verse{{Label: "verse", Lines: []string{"  "}}}}.Empty())

	l := Lyrics{Verses: []Verse{
		{Label: "verse 1", Lines: []string{"a", "b"}},
		{Label: "chorus", Lines: []string{"c"}},
	}}
	assert.False(t, l.Empty())
	assert.Equal(t, "[verse 1]\na\nb\n\n[chorus]\nc\n", l.Text())
}

func TestApprovalExpiredAt(t *testing.T) {
	now := time.Now()
	a := LyricsApproval{Status: ApprovalPending, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, a.ExpiredAt(now))
	assert.True(t, a.ExpiredAt(now.Add(time.Hour)))

	a.Status = ApprovalExpired
	assert.True(t, a.ExpiredAt(now))
}
