package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
	"github.com/bdobrica/Aibou/internal/aibou/fallback"
	"github.com/bdobrica/Aibou/internal/aibou/generation"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// Error codes carried in the "code" field of error bodies.
const (
	CodeNotFound            = "not_found"
	CodeAlreadyEnded        = "already_ended"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInvalidInput        = "invalid_input"
	CodeInvariantViolation  = "invariant_violation"
	CodeInternal            = "internal"
)

var errMalformedBody = errors.New("api: malformed request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, persona.ErrTemplateNotFound),
		errors.Is(err, durable.ErrNotFound),
		errors.Is(err, fallback.ErrNoPersonalities):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusGone, CodeAlreadyEnded
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, fallback.ErrInvalidNotification),
		errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, session.ErrInvariantViolation),
		errors.Is(err, persona.ErrEmptyPersonality),
		errors.Is(err, persona.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity, CodeInvariantViolation
	case errors.Is(err, session.ErrGenerationFailed),
		errors.Is(err, generation.ErrRateLimited),
		errors.Is(err, generation.ErrUpstream),
		errors.Is(err, generation.ErrRejected),
		errors.Is(err, generation.ErrEmptyReply),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, CodeUpstreamUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError renders err as an error body. Internal errors are logged and
// their text is not sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observability.WithTrace(r.Context(), s.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
