// Package memstore is an in-process store with the same conditional-update
// semantics as the Postgres store. It backs unit tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"song-fulfillment/internal/models"
)

type rateKey struct {
	identifier, action string
	window             int64
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	orders        map[string]models.Order
	quizzes       map[string]models.Quiz
	jobs          map[string]models.Job
	approvals     map[string]models.LyricsApproval
	approvalSeq   map[string]int
	seq           int
	songs         map[string]models.Song
	notifications map[string]models.Notification
	events        []models.JobEvent
	rates         map[rateKey]int
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the clock used for updated_at bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		orders:        map[string]models.Order{},
		quizzes:       map[string]models.Quiz{},
		jobs:          map[string]models.Job{},
		approvals:     map[string]models.LyricsApproval{},
		approvalSeq:   map[string]int{},
		songs:         map[string]models.Song{},
		notifications: map[string]models.Notification{},
		rates:         map[rateKey]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) RunMigrations(context.Context) error { return nil }

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, models.ErrNotFound)
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }

// ---- orders ----

func (s *Store) CreateOrder(_ context.Context, o models.Order, q models.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = s.now()
		}
		s.orders[o.ID] = o
	}
	if _, ok := s.quizzes[q.ID]; !ok {
		q.OrderID = o.ID
		s.quizzes[q.ID] = q
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, notFound("order")
	}
	return o, nil
}

func (s *Store) GetQuiz(_ context.Context, id string) (models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return models.Quiz{}, notFound("quiz")
	}
	return q, nil
}

// ---- jobs ----

func (s *Store) CreateJob(_ context.Context, orderID, quizID string, variant int) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variant <= 0 {
		variant = 1
	}
	for _, j := range s.jobs {
		if j.OrderID == orderID && j.Variant == variant && !j.Status.Terminal() {
			return j, true, nil
		}
	}
	now := s.now().UTC()
	j := models.Job{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		QuizID:    quizID,
		Variant:   variant,
		Status:    models.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	return j, false, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, notFound("job")
	}
	return j, nil
}

func (s *Store) GetJobByAudioTask(_ context.Context, taskID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.AudioTaskReference != nil && *j.AudioTaskReference == taskID {
			return j, nil
		}
	}
	return models.Job{}, notFound("job")
}

func (s *Store) ListJobs(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterJobs(func(j models.Job) bool { return status == "" || j.Status == status }, limit, true), nil
}

func (s *Store) filterJobs(keep func(models.Job) bool, limit int, newestFirst bool) []models.Job {
	var out []models.Job
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].ID < out[b].ID
		}
		if newestFirst {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].UpdatedAt.Before(out[b].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) TransitionJob(_ context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg *string) (bool, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !containsStatus(from, j.Status) {
		return false, nil
	}
	j.Status = to
	j.Error = errMsg
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return true, nil
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Store) SetJobError(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Error = &msg
		j.UpdatedAt = s.now()
		s.jobs[id] = j
	}
	return nil
}

func (s *Store) ClaimAudioTask(_ context.Context, jobID, claim string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobProcessing || j.AudioTaskReference != nil {
		return false, nil
	}
	j.AudioTaskReference = &claim
	j.UpdatedAt = s.now()
	s.jobs[jobID] = j
	return true, nil
}

func (s *Store) SetAudioTask(_ context.Context, jobID, claim, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AudioTaskReference == nil || *j.AudioTaskReference != claim {
		return false, nil
	}
	j.AudioTaskReference = &taskID
	j.Error = nil
	j.UpdatedAt = s.now()
	s.jobs[jobID] = j
	return true, nil
}

func (s *Store) ReleaseAudioClaim(_ context.Context, jobID, claim, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AudioTaskReference == nil || *j.AudioTaskReference != claim {
		return false, nil
	}
	j.AudioTaskReference = nil
	j.Error = strPtr(errMsg)
	j.UpdatedAt = s.now()
	s.jobs[jobID] = j
	return true, nil
}

func (s *Store) ReleaseStaleAudioClaims(_ context.Context, updatedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == models.JobProcessing && j.AudioTaskReference != nil &&
			strings.HasPrefix(*j.AudioTaskReference, models.AudioClaimPrefix) && j.UpdatedAt.Before(updatedBefore) {
			j.AudioTaskReference = nil
			j.UpdatedAt = s.now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *Store) ListJobsAwaitingAudio(_ context.Context, updatedBefore time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approved := map[string]bool{}
	for _, a := range s.approvals {
		if a.Status == models.ApprovalApproved {
			approved[a.JobID] = true
		}
	}
	return s.filterJobs(func(j models.Job) bool {
		return j.Status == models.JobProcessing && j.AudioTaskReference == nil && j.UpdatedAt.Before(updatedBefore) && approved[j.ID]
	}, limit, false), nil
}

func (s *Store) ListJobsWithAudioTask(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterJobs(func(j models.Job) bool {
		return j.Status == models.JobProcessing && j.AudioTaskID() != ""
	}, limit, false), nil
}

func (s *Store) CompleteAudio(_ context.Context, jobID, taskID string, songs []models.Song) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobProcessing || j.AudioTaskReference == nil || *j.AudioTaskReference != taskID {
		return false, nil
	}
	now := s.now()
	j.Status = models.JobCompleted
	j.Error = nil
	j.UpdatedAt = now
	s.jobs[jobID] = j

	for _, song := range songs {
		song.JobID = jobID
		song.ReleasedAt = nil
		song.EmailSent = false
		song.UpdatedAt = now
		song.CreatedAt = now
		for id, existing := range s.songs {
			if existing.JobID == jobID && existing.VariantNumber == song.VariantNumber {
				song.ID = id
				song.CreatedAt = existing.CreatedAt
			}
		}
		s.songs[song.ID] = song
	}
	return true, nil
}

func (s *Store) RetryFailedJobs(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, j := range s.jobs {
		if j.Status != models.JobFailed || (len(ids) > 0 && !containsStatus(ids, id)) {
			continue
		}
		for _, other := range s.jobs {
			if other.ID != id && other.OrderID == j.OrderID && other.Variant == j.Variant && !other.Status.Terminal() {
				return nil, fmt.Errorf("retry failed jobs: another job is active for the variant: %w", models.ErrConflict)
			}
		}
		out = append(out, id)
	}
	// no job changes unless every candidate is clear
	for _, id := range out {
		j := s.jobs[id]
		j.Status = models.JobPending
		j.Error = nil
		j.AudioTaskReference = nil
		j.UpdatedAt = s.now()
		s.jobs[id] = j
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AppendJobEvent(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.JobEvent{JobID: jobID, Event: event, Detail: detail, Recorded: s.now()})
	return nil
}

func (s *Store) ListJobEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ---- approvals ----

func (s *Store) CreateApproval(_ context.Context, a models.LyricsApproval) (models.LyricsApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[a.JobID]
	if !ok {
		return models.LyricsApproval{}, notFound("job")
	}
	if j.Status != models.JobPending && j.Status != models.JobProcessing {
		return models.LyricsApproval{}, fmt.Errorf("job %s is %s: %w", a.JobID, j.Status, models.ErrConflict)
	}
	now := s.now()
	lyrics := a.Lyrics
	j.Status = models.JobProcessing
	j.GeneratedLyrics = &lyrics
	j.Error = nil
	j.UpdatedAt = now
	s.jobs[j.ID] = j

	for id, prior := range s.approvals {
		if prior.JobID == a.JobID && prior.Status == models.ApprovalPending {
			prior.Status = models.ApprovalExpired
			prior.UpdatedAt = now
			s.approvals[id] = prior
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	a.Status = models.ApprovalPending
	s.seq++
	s.approvalSeq[a.ID] = s.seq
	s.approvals[a.ID] = a
	return a, nil
}

func (s *Store) GetApproval(_ context.Context, id string) (models.LyricsApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return models.LyricsApproval{}, notFound("approval")
	}
	return a, nil
}

func (s *Store) GetApprovalByToken(_ context.Context, token string) (models.LyricsApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.Token == token {
			return a, nil
		}
	}
	return models.LyricsApproval{}, notFound("approval")
}

func (s *Store) LatestApproval(_ context.Context, jobID string) (models.LyricsApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.latestApproval(jobID, "")
	if !ok {
		return models.LyricsApproval{}, notFound("approval")
	}
	return a, nil
}

// latestApproval picks by insertion order so equal timestamps stay deterministic.
func (s *Store) latestApproval(jobID string, status models.ApprovalStatus) (models.LyricsApproval, bool) {
	var (
		best    models.LyricsApproval
		bestSeq = -1
	)
	for id, a := range s.approvals {
		if a.JobID != jobID || (status != "" && a.Status != status) {
			continue
		}
		if seq := s.approvalSeq[id]; seq > bestSeq {
			best, bestSeq = a, seq
		}
	}
	return best, bestSeq >= 0
}

func (s *Store) ApproveApproval(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok || a.Status != models.ApprovalPending || !a.ExpiresAt.After(now) {
		return false, nil
	}
	j, ok := s.jobs[a.JobID]
	if !ok || (j.Status != models.JobPending && j.Status != models.JobProcessing) {
		return false, fmt.Errorf("job %s not approvable: %w", a.JobID, models.ErrConflict)
	}
	a.Status = models.ApprovalApproved
	a.DecidedAt = timePtr(now)
	a.UpdatedAt = now
	s.approvals[id] = a
	j.Status = models.JobProcessing
	j.UpdatedAt = s.now()
	s.jobs[j.ID] = j
	return true, nil
}

func (s *Store) RejectApproval(_ context.Context, id, reason string, now time.Time, checkExpiry bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok || a.Status != models.ApprovalPending || (checkExpiry && !a.ExpiresAt.After(now)) {
		return false, nil
	}
	a.Status = models.ApprovalRejected
	a.RejectionReason = &reason
	a.DecidedAt = timePtr(now)
	a.UpdatedAt = now
	s.approvals[id] = a
	return true, nil
}

func (s *Store) ExpireApprovals(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.approvals {
		if a.Status == models.ApprovalPending && !a.ExpiresAt.After(now) {
			a.Status = models.ApprovalExpired
			a.UpdatedAt = now
			s.approvals[id] = a
			n++
		}
	}
	return n, nil
}

func (s *Store) UnapproveJob(_ context.Context, jobID string, expiresAt time.Time) (models.UnapproveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || (j.Status != models.JobProcessing && j.Status != models.JobCompleted) {
		return models.UnapproveResult{}, fmt.Errorf("job %s cannot be unapproved: %w", jobID, models.ErrConflict)
	}
	now := s.now()
	res := models.UnapproveResult{JobID: jobID, OrderID: j.OrderID}
	j.Status = models.JobPending
	j.AudioTaskReference = nil
	j.Error = nil
	j.UpdatedAt = now
	s.jobs[jobID] = j

	if a, ok := s.latestApproval(jobID, models.ApprovalApproved); ok {
		a.Status = models.ApprovalPending
		a.ExpiresAt = expiresAt
		a.DecidedAt = nil
		a.UpdatedAt = now
		s.approvals[a.ID] = a
		res.ApprovalID = a.ID
	}
	for id, song := range s.songs {
		if song.JobID != jobID {
			continue
		}
		song.Status = models.SongPending
		song.ReleaseAt = nil
		song.ReleasedAt = nil
		song.EmailSent = false
		song.UpdatedAt = now
		s.songs[id] = song
		res.SongIDs = append(res.SongIDs, id)
	}
	sort.Strings(res.SongIDs)
	key := models.SongReleasedKey(j.OrderID)
	for id, n := range s.notifications {
		if n.DedupeKey == key && n.Status != models.NotificationProcessing {
			delete(s.notifications, id)
			res.CancelledNotifications++
		}
	}
	return res, nil
}

// ---- songs ----

func (s *Store) sortedSongs(keep func(models.Song) bool) []models.Song {
	var out []models.Song
	for _, song := range s.songs {
		if keep(song) {
			out = append(out, song)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].OrderID != out[b].OrderID {
			return out[a].OrderID < out[b].OrderID
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (s *Store) DueSongs(_ context.Context, now time.Time, limit int) ([]models.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedSongs(func(song models.Song) bool {
		return song.Status == models.SongApproved && song.ReleaseAt != nil && !song.ReleaseAt.After(now) && song.ReleasedAt == nil
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReleaseSongs(_ context.Context, orderID string, ids []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released []string
	for _, id := range ids {
		song, ok := s.songs[id]
		if !ok || song.OrderID != orderID || song.Status != models.SongApproved || song.ReleasedAt != nil ||
			song.ReleaseAt == nil || song.ReleaseAt.After(now) {
			continue
		}
		song.Status = models.SongReleased
		song.ReleasedAt = timePtr(now)
		song.UpdatedAt = now
		s.songs[id] = song
		released = append(released, id)
	}
	return released, nil
}

func (s *Store) GetSong(_ context.Context, id string) (models.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	song, ok := s.songs[id]
	if !ok {
		return models.Song{}, notFound("song")
	}
	return song, nil
}

func (s *Store) ListSongsByOrder(_ context.Context, orderID string) ([]models.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedSongs(func(song models.Song) bool { return song.OrderID == orderID })
	sort.SliceStable(out, func(a, b int) bool { return out[a].VariantNumber < out[b].VariantNumber })
	return out, nil
}

func (s *Store) ApproveSong(_ context.Context, id string, releaseAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	song, ok := s.songs[id]
	if !ok || song.Status != models.SongReady {
		return false, nil
	}
	song.Status = models.SongApproved
	song.ReleaseAt = timePtr(releaseAt)
	song.UpdatedAt = s.now()
	s.songs[id] = song
	return true, nil
}

func (s *Store) DeleteSong(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.songs[id]; !ok {
		return false, nil
	}
	delete(s.songs, id)
	return true, nil
}

func (s *Store) ListUnnotifiedReleases(_ context.Context, limit int) ([]models.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := map[string]bool{}
	for _, n := range s.notifications {
		queued[n.DedupeKey] = true
	}
	out := s.sortedSongs(func(song models.Song) bool {
		return song.Status == models.SongReleased && !song.EmailSent && !queued[models.SongReleasedKey(song.OrderID)]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkOrderNotified(_ context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, song := range s.songs {
		if song.OrderID == orderID && song.Status == models.SongReleased && !song.EmailSent {
			song.EmailSent = true
			song.UpdatedAt = s.now()
			s.songs[id] = song
			n++
		}
	}
	return n, nil
}

// ---- notifications ----

func (s *Store) EnqueueNotification(_ context.Context, n models.Notification) (models.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.notifications {
		if existing.DedupeKey == n.DedupeKey {
			return existing, false, nil
		}
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Payload == nil {
		n.Payload = map[string]string{}
	}
	now := s.now()
	n.Status = models.NotificationPending
	n.RetryCount = 0
	n.CreatedAt = now
	n.UpdatedAt = now
	s.notifications[n.ID] = n
	return n, true, nil
}

func (s *Store) ClaimNotifications(_ context.Context, now time.Time, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Notification
	for _, n := range s.notifications {
		if n.Status == models.NotificationPending && !n.NextRetryAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].NextRetryAt.Equal(due[b].NextRetryAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].NextRetryAt.Before(due[b].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = models.NotificationProcessing
		due[i].UpdatedAt = now
		s.notifications[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) updateProcessing(id string, fn func(*models.Notification)) bool {
	n, ok := s.notifications[id]
	if !ok || n.Status != models.NotificationProcessing {
		return false
	}
	fn(&n)
	s.notifications[id] = n
	return true
}

func (s *Store) MarkNotificationSent(_ context.Context, id, messageID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProcessing(id, func(n *models.Notification) {
		n.Status = models.NotificationSent
		n.MessageID = strPtr(messageID)
		n.SentAt = timePtr(now)
		n.LastError = nil
		n.UpdatedAt = now
	}), nil
}

func (s *Store) ScheduleNotificationRetry(_ context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProcessing(id, func(n *models.Notification) {
		n.Status = models.NotificationPending
		n.RetryCount = retryCount
		n.NextRetryAt = nextRetryAt
		n.LastError = &lastErr
		n.UpdatedAt = s.now()
	}), nil
}

func (s *Store) MarkNotificationFailed(_ context.Context, id string, retryCount int, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProcessing(id, func(n *models.Notification) {
		n.Status = models.NotificationFailed
		n.RetryCount = retryCount
		n.LastError = &lastErr
		n.UpdatedAt = s.now()
	}), nil
}

func (s *Store) RequeueStuckNotifications(_ context.Context, updatedBefore time.Time, defaultMax int, lastErr string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued, failed := 0, 0
	for id, n := range s.notifications {
		if n.Status != models.NotificationProcessing || !n.UpdatedAt.Before(updatedBefore) {
			continue
		}
		maxRetries := n.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultMax
		}
		n.RetryCount++
		n.LastError = strPtr(lastErr)
		n.UpdatedAt = s.now()
		if n.RetryCount >= maxRetries {
			n.Status = models.NotificationFailed
			failed++
		} else {
			n.Status = models.NotificationPending
			requeued++
		}
		s.notifications[id] = n
	}
	return requeued, failed, nil
}

func (s *Store) RetryFailedNotifications(_ context.Context, ids []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.notifications {
		if n.Status != models.NotificationFailed || (len(ids) > 0 && !containsStatus(ids, id)) {
			continue
		}
		n.Status = models.NotificationPending
		n.RetryCount = 0
		n.NextRetryAt = now
		n.UpdatedAt = s.now()
		s.notifications[id] = n
		count++
	}
	return count, nil
}

func (s *Store) ListNotifications(_ context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if status == "" || n.Status == status {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].UpdatedAt.After(out[b].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- rate limits ----

func (s *Store) IncrementRateLimit(_ context.Context, identifier, action string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rateKey{identifier: identifier, action: action, window: windowStart.UnixNano()}
	s.rates[k]++
	return s.rates[k], nil
}

func (s *Store) PruneRateLimits(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.rates {
		if k.window < cutoff.UnixNano() {
			delete(s.rates, k)
			n++
		}
	}
	return n, nil
}

// ---- seeding ----

// PutJob stores a job as-is.
func (s *Store) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

// PutSong stores a song as-is.
func (s *Store) PutSong(song models.Song) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.songs[song.ID] = song
}

// PutNotification stores a queue entry as-is.
func (s *Store) PutNotification(n models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
}

// GetNotification returns a queue entry by id.
func (s *Store) GetNotification(_ context.Context, id string) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return models.Notification{}, notFound("notification")
	}
	return n, nil
}

// ListApprovals returns a job's approvals oldest first.
func (s *Store) ListApprovals(_ context.Context, jobID string) ([]models.LyricsApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LyricsApproval
	for _, a := range s.approvals {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.approvalSeq[out[i].ID] < s.approvalSeq[out[j].ID] })
	return out, nil
}
