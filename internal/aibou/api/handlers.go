package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Aibou/common/version"
	"github.com/bdobrica/Aibou/internal/aibou/cleanup"
	"github.com/bdobrica/Aibou/internal/aibou/fallback"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

const maxBodyBytes = 64 << 10

type createSessionRequest struct {
	OwnerID       string `json:"owner_id"`
	PersonalityID string `json:"personality_id"`
}

type createSessionResponse struct {
	SessionID     string `json:"session_id"`
	PersonalityID string `json:"personality_id"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	Reply     string `json:"reply"`
	TurnCount int    `json:"turn_count"`
	Discarded bool   `json:"discarded"`
	DelayMS   int64  `json:"delay_ms"`
}

type fallbackMessageResponse struct {
	SessionID string `json:"session_id"`
	sendMessageResponse
}

type turnView struct {
	Speaker   session.Speaker `json:"speaker"`
	Text      string          `json:"text"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	SessionID      string         `json:"session_id"`
	OwnerID        string         `json:"owner_id"`
	PersonalityID  string         `json:"personality_id"`
	Status         session.Status `json:"status"`
	TurnCount      int            `json:"turn_count"`
	Turns          []turnView     `json:"turns"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

type personalityView struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	WelcomeMessage string   `json:"welcome_message,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string               `json:"status"`
	Version    string               `json:"version"`
	Commit     string               `json:"commit"`
	BuildTime  string               `json:"build_time"`
	StartedAt  time.Time            `json:"started_at"`
	UptimeSecs float64              `json:"uptime_seconds"`
	Sessions   session.Stats        `json:"sessions"`
	Outbox     *session.OutboxStats `json:"outbox,omitempty"`
	LastSweep  *cleanup.Report      `json:"last_sweep,omitempty"`
	Storage    string               `json:"storage"`
}

func viewOf(s session.Session) sessionView {
	turns := make([]turnView, 0, len(s.Turns))
	for _, t := range s.Turns {
		turns = append(turns, turnView{Speaker: t.Speaker, Text: t.Text, CreatedAt: t.CreatedAt})
	}
	return sessionView{
		SessionID:      s.ID,
		OwnerID:        s.OwnerID,
		PersonalityID:  s.PersonalityID,
		Status:         s.Status,
		TurnCount:      s.TurnCount,
		Turns:          turns,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: empty body", errMalformedBody)
		}
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: what + " is not configured", Code: CodeUpstreamUnavailable})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version, Commit: version.GitCommit})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Sessions:   s.deps.Sessions.Stats(),
		Storage:    "ok",
	}
	if s.deps.Outbox != nil {
		st := s.deps.Outbox.Stats()
		resp.Outbox = &st
	}
	if s.deps.Cleanup != nil {
		if rep := s.deps.Cleanup.LastReport(); !rep.StartedAt.IsZero() {
			resp.LastSweep = &rep
		}
	}
	if s.deps.Storage != nil {
		if err := s.deps.Storage.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Storage = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PersonalityID == "" {
		s.writeError(w, r, fmt.Errorf("%w: personality_id is required", session.ErrInvalidInput))
		return
	}
	sess, err := s.deps.Sessions.Create(r.Context(), req.OwnerID, req.PersonalityID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, PersonalityID: sess.PersonalityID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.End(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func replyOf(reply session.Reply) sendMessageResponse {
	return sendMessageResponse{
		Reply:     reply.Text,
		TurnCount: reply.TurnCount,
		Discarded: reply.Discarded,
		DelayMS:   reply.Delay.Milliseconds(),
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.deps.Sessions.AppendAndRespond(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replyOf(reply))
}

func (s *Server) handleFallbackTimeout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fallback == nil {
		unavailable(w, "fallback")
		return
	}
	var n fallback.Notification
	if err := decodeJSON(w, r, &n); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.deps.Fallback.HandleTimeout(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if h.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

func (s *Server) handleFallbackSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fallback == nil {
		unavailable(w, "fallback")
		return
	}
	h, err := s.deps.Fallback.SessionForOwner(r.Context(), r.PathValue("ownerId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleFallbackSend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fallback == nil {
		unavailable(w, "fallback")
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, reply, err := s.deps.Fallback.SendForOwner(r.Context(), r.PathValue("ownerId"), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fallbackMessageResponse{SessionID: h.SessionID, sendMessageResponse: replyOf(reply)})
}

func (s *Server) handleFallbackEnd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fallback == nil {
		unavailable(w, "fallback")
		return
	}
	n, err := s.deps.Fallback.EndForOwner(r.Context(), r.PathValue("ownerId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ended": n})
}

func (s *Server) handleListPersonalities(w http.ResponseWriter, r *http.Request) {
	if s.deps.Personalities == nil {
		unavailable(w, "personality catalog")
		return
	}
	templates, err := s.deps.Personalities.List(r.Context())
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("list personalities", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "personality catalog unavailable", Code: CodeUpstreamUnavailable})
		return
	}
	out := make([]personalityView, 0, len(templates))
	for _, t := range templates {
		if !t.Public {
			continue
		}
		out = append(out, personalityView{
			ID:             t.ID,
			Title:          t.Title,
			Description:    t.Description,
			Category:       t.Category,
			WelcomeMessage: t.WelcomeMessage,
			Tags:           t.Tags,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"personalities": out})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		unavailable(w, "analytics")
		return
	}
	sum, err := s.deps.Analytics.Summary(r.Context())
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("summarise sessions", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "session storage unavailable", Code: CodeUpstreamUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cleanup == nil {
		unavailable(w, "cleanup")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cleanup.Sweep(r.Context()))
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
