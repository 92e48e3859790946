package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"digestbot/internal/dispatch"
	"digestbot/internal/storage"
	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

type healthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Bypassed      bool   `json:"bypassed"`
}

type dropsResponse struct {
	Drops []storage.DropRecord `json:"drops"`
}

// SendRequest is the body of POST /v1/dispatch/messages.
type SendRequest struct {
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Silent         bool   `json:"silent,omitempty"`
}

// SendResponse reports what happened to a SendRequest.
type SendResponse struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.disp.Metrics()
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    snap.QueueDepth,
		Bypassed:      snap.Bypassed,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.disp.Metrics())
}

func (s *Server) handleDrops(w http.ResponseWriter, r *http.Request) {
	if s.drops == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled.Error())
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.drops.RecentDrops(r.Context(), limit)
	if err != nil {
		s.log.Error("reading drop journal failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to read drop journal")
		return
	}
	if recs == nil {
		recs = []storage.DropRecord{}
	}
	writeJSON(w, http.StatusOK, dropsResponse{Drops: recs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	to := transport.ChatTarget{ChatID: req.ChatID, ThreadID: req.ThreadID}
	payload := dispatch.Payload{
		Text: req.Text,
		Options: &transport.SendOptions{
			ParseMode:      req.ParseMode,
			DisablePreview: req.DisablePreview,
			Silent:         req.Silent,
		},
	}

	if s.disp.Bypassed() {
		if err := s.disp.SendNow(r.Context(), to, dispatch.OpSendText, payload); err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, SendResponse{Status: "sent"})
		return
	}

	id, err := s.disp.Enqueue(r.Context(), to, dispatch.OpSendText, payload)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SendResponse{TaskID: id, Status: "queued"})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func tokenMatches(got, want string) bool {
	if got == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
