package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"song-fulfillment/internal/lyrics"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/telemetry"
)

type quizRequest struct {
	RecipientName   string `json:"recipient_name" validate:"required,max=120"`
	Relationship    string `json:"relationship" validate:"max=120"`
	Occasion        string `json:"occasion" validate:"max=120"`
	Genre           string `json:"genre" validate:"required,max=60"`
	Mood            string `json:"mood" validate:"max=60"`
	VoicePreference string `json:"voice_preference" validate:"omitempty,oneof=male female any"`
	Story           string `json:"story" validate:"max=4000"`
	Language        string `json:"language" validate:"omitempty,max=20"`
}

type orderRequest struct {
	OrderID       string      `json:"order_id" validate:"required,max=64"`
	CustomerEmail string      `json:"customer_email" validate:"required,email"`
	CustomerName  string      `json:"customer_name" validate:"required,max=120"`
	Variants      int         `json:"variants" validate:"omitempty,min=1,max=3"`
	Quiz          quizRequest `json:"quiz" validate:"required"`
}

type orderJob struct {
	models.Job
	Reused      bool   `json:"reused"`
	LyricsError string `json:"lyrics_error,omitempty"`
}

type orderResponse struct {
	OrderID string     `json:"order_id"`
	Jobs    []orderJob `json:"jobs"`
}

// handleCreateOrder records a paid order, opens one job per variant and
// generates the first draft for each new job.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !s.decode(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	if !s.limit(w, r, email, "order", s.cfg.OrderRate) {
		return
	}
	if req.Variants == 0 {
		req.Variants = 1
	}

	ctx := r.Context()
	log := loggerFrom(ctx, s.log)
	quiz := models.Quiz{
		ID:              uuid.NewSHA1(uuid.NameSpaceURL, []byte("quiz:"+req.OrderID)).String(),
		OrderID:         req.OrderID,
		RecipientName:   req.Quiz.RecipientName,
		Relationship:    req.Quiz.Relationship,
		Occasion:        req.Quiz.Occasion,
		Genre:           req.Quiz.Genre,
		Mood:            req.Quiz.Mood,
		VoicePreference: req.Quiz.VoicePreference,
		Story:           req.Quiz.Story,
		Language:        req.Quiz.Language,
	}
	order := models.Order{ID: req.OrderID, CustomerEmail: email, CustomerName: req.CustomerName}
	if err := s.deps.Store.CreateOrder(ctx, order, quiz); err != nil {
		s.fail(w, r, err)
		return
	}

	resp := orderResponse{OrderID: req.OrderID}
	for variant := 1; variant <= req.Variants; variant++ {
		job, reused, err := s.deps.Store.CreateJob(ctx, req.OrderID, quiz.ID, variant)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		item := orderJob{Job: job, Reused: reused}
		if !reused {
			if _, err := s.deps.Lyrics.Generate(ctx, job.ID); err != nil {
				// the job stays pending and can be regenerated
				_, _, msg := classify(err)
				item.LyricsError = msg
				log.Warn().Err(err).Str("job_id", job.ID).Msg("initial lyrics generation failed")
			}
			if fresh, err := s.deps.Store.GetJob(ctx, job.ID); err == nil {
				item.Job = fresh
			}
		}
		resp.Jobs = append(resp.Jobs, item)
	}

	telemetry.OrdersAccepted.Inc()
	log.Info().Str("order_id", req.OrderID).Int("variants", req.Variants).Msg("order accepted")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !s.limit(w, r, jobID, "generate", s.cfg.GenerateRate) {
		return
	}
	a, err := s.deps.Lyrics.Generate(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.approvalView(a))
}

// approvalView is what the customer approval page renders. The token never
// leaves the server in a response body.
type approvalView struct {
	ID                string                `json:"id"`
	JobID             string                `json:"job_id"`
	Status            models.ApprovalStatus `json:"status"`
	Lyrics            models.Lyrics         `json:"lyrics"`
	ExpiresAt         time.Time             `json:"expires_at"`
	RegenerationCount int                   `json:"regeneration_count"`
	RevisionsLeft     int                   `json:"revisions_left"`
	RejectionReason   *string               `json:"rejection_reason,omitempty"`
	Message           string                `json:"message"`
}

func (s *Server) approvalView(a models.LyricsApproval) approvalView {
	status := a.Status
	if status == models.ApprovalPending && a.ExpiredAt(s.now()) {
		status = models.ApprovalExpired
	}
	left := s.cfg.RegenerationCap - a.RegenerationCount
	if left < 0 {
		left = 0
	}
	v := approvalView{
		ID:                a.ID,
		JobID:             a.JobID,
		Status:            status,
		Lyrics:            a.Lyrics,
		ExpiresAt:         a.ExpiresAt,
		RegenerationCount: a.RegenerationCount,
		RevisionsLeft:     left,
		RejectionReason:   a.RejectionReason,
	}
	switch status {
	case models.ApprovalPending:
		v.Message = "Review your lyrics and approve them or ask for changes."
	case models.ApprovalApproved:
		v.Message = "Approved. Your song is being produced."
	case models.ApprovalRejected:
		v.Message = "Changes requested. A new draft is on its way by email."
	case models.ApprovalExpired:
		v.Message = "This draft is no longer open for review."
	}
	return v
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Lyrics.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.approvalView(a))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !s.limit(w, r, token, "approve", s.cfg.DecisionRate) {
		return
	}
	a, err := s.deps.Lyrics.Approve(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.approvalView(a))
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type rejectResponse struct {
	Rejected  approvalView  `json:"rejected"`
	Next      *approvalView `json:"next,omitempty"`
	Escalated bool          `json:"escalated"`
}

func (s *Server) rejectView(out lyrics.RejectOutcome) rejectResponse {
	resp := rejectResponse{Rejected: s.approvalView(out.Rejected), Escalated: out.Escalated}
	if out.Next != nil {
		next := s.approvalView(*out.Next)
		resp.Next = &next
	}
	return resp
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req rejectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.limit(w, r, token, "reject", s.cfg.DecisionRate) {
		return
	}
	out, err := s.deps.Lyrics.Reject(r.Context(), token, strings.TrimSpace(req.Reason))
	if err != nil && errors.Is(err, providers.ErrUpstreamGeneration) && out.Rejected.Status == models.ApprovalRejected {
		// the rejection is recorded; the next draft is retried later
		log := loggerFrom(r.Context(), s.log)
		log.Warn().Err(err).Str("approval_id", out.Rejected.ID).Msg("regeneration after reject failed")
		writeJSON(w, http.StatusAccepted, s.rejectView(out))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rejectView(out))
}
