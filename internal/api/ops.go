package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"song-fulfillment/internal/models"
)

// cron triggers

func (s *Server) handleCronRelease(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Releaser.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCronNotifications(w http.ResponseWriter, r *http.Request) {
	requeued, err := s.deps.Notifications.RequeueStuck(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sum, err := s.deps.Notifications.Drain(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued, "drain": sum})
}

func (s *Server) handleCronAudio(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.deps.Poller != nil {
		sum, err := s.deps.Poller.PollOnce(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out["poll"] = sum
	}
	if s.deps.Resubmitter != nil {
		n, err := s.deps.Resubmitter.ResubmitStalled(r.Context(), 50)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out["resubmitted"] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCronApprovals(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Lyrics.ExpireStale(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// operator routes

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobs, err := s.deps.Store.ListJobs(r.Context(), status, queryLimit(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListJobEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

type idsRequest struct {
	IDs []string `json:"ids" validate:"max=500,dive,required"`
}

func (s *Server) handleRetryJobs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !s.decode(w, r, &req) {
		return
	}
	retried, err := s.deps.Lyrics.RetryFailed(r.Context(), req.IDs...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if retried == nil {
		retried = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
}

func (s *Server) handleUnapprove(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Lyrics.AdminUnapprove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.Lyrics.AdminReject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rejectView(out))
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	status := models.NotificationStatus(r.URL.Query().Get("status"))
	list, err := s.deps.Store.ListNotifications(r.Context(), status, queryLimit(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleRetryNotifications(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.deps.Notifications.RetryFailed(r.Context(), req.IDs...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := s.deps.Store.ListSongsByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": songs})
}

type approveSongRequest struct {
	ReleaseAt *time.Time `json:"release_at"`
}

func (s *Server) handleApproveSong(w http.ResponseWriter, r *http.Request) {
	var req approveSongRequest
	if !s.decode(w, r, &req) {
		return
	}
	releaseAt := s.now().Add(s.cfg.ReleaseDelay)
	if req.ReleaseAt != nil {
		releaseAt = *req.ReleaseAt
	}
	song, err := s.deps.Releaser.ApproveSong(r.Context(), chi.URLParam(r, "id"), releaseAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, song)
}

func (s *Server) handleDeleteSong(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Releaser.DeleteSong(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
