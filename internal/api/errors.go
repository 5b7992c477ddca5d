package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"song-fulfillment/internal/lyrics"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/ratelimit"
)

// Stable error codes returned in the envelope.
const (
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeRateLimited  = "too_many_requests"
	codeInternal     = "internal_error"

	codeInvalidToken     = "invalid_token"
	codeExpired          = "approval_expired"
	codeAlreadyProcessed = "already_processed"
	codeCapExceeded      = "regeneration_cap_exceeded"
	codeUpstream         = "generation_unavailable"
)

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	RequestID string            `json:"request_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{RequestID: requestIDFrom(r.Context()), Code: code, Message: msg})
}

// classify maps domain errors to a status, code and customer-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, lyrics.ErrInvalidToken):
		return http.StatusNotFound, codeInvalidToken, "this approval link is not valid"
	case errors.Is(err, lyrics.ErrExpired):
		return http.StatusGone, codeExpired, "this approval link has expired"
	case errors.Is(err, lyrics.ErrAlreadyProcessed):
		return http.StatusConflict, codeAlreadyProcessed, "these lyrics were already reviewed"
	case errors.Is(err, lyrics.ErrRegenerationCapExceeded):
		return http.StatusUnprocessableEntity, codeCapExceeded, "no more revisions are available for this song"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, codeRateLimited, "too many requests, try again later"
	case errors.Is(err, providers.ErrUpstreamGeneration):
		return http.StatusBadGateway, codeUpstream, "generation is temporarily unavailable"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, codeNotFound, "resource not found"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, codeConflict, "request conflicts with the current state"
	}
	return http.StatusInternalServerError, codeInternal, "internal server error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	log := loggerFrom(r.Context(), s.log)
	if status >= 500 {
		log.Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("code", code).Msg("request rejected")
	}
	writeError(w, r, status, code, msg)
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeBadRequest, err.Error())
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid request")
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldPath(fe)] = validationMessage(fe)
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			RequestID: requestIDFrom(r.Context()),
			Code:      codeBadRequest,
			Message:   "validation failed",
			Fields:    fields,
		})
		return false
	}
	return true
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min":
		return "is too short or too small"
	case "max":
		return "is too long or too large"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}
