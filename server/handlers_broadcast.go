package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/telemetry"
)

type broadcastResponse struct {
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Job     *broadcast.Job   `json:"job,omitempty"`
	Status  broadcast.Status `json:"status"`
}

// HandleStatus returns relay counters, broadcast status and gateway connectivity.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.deps.State != nil {
		resp["meeting_id"] = h.deps.State.MeetingID
	}
	if h.deps.Relay != nil {
		resp["relay"] = h.deps.Relay.Stats()
	}
	if h.deps.Broadcast != nil {
		resp["broadcast"] = h.deps.Broadcast.Status()
	}
	if h.deps.Gateway != nil {
		resp["gateway_connected"] = h.deps.Gateway.Connected()
	}
	if h.deps.YouTube != nil {
		resp["youtube_authorized"] = h.deps.YouTube.HasToken(r.Context())
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleBroadcastStatus returns the controller snapshot.
func (h *Handlers) HandleBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	if !h.broadcastEnabled(w) {
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, h.deps.Broadcast.Status())
}

// HandleBroadcastLoad fetches meeting details and stream endpoints. The body may carry a
// meeting_id; the session's meeting is used otherwise.
func (h *Handlers) HandleBroadcastLoad(w http.ResponseWriter, r *http.Request) {
	if !h.broadcastEnabled(w) {
		return
	}
	var req struct {
		MeetingID string `json:"meeting_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MeetingID == "" && h.deps.State != nil {
		req.MeetingID = h.deps.State.MeetingID
	}
	err := h.deps.Broadcast.LoadStreamData(r.Context(), req.MeetingID)
	h.respond(w, r, "load", nil, err)
}

// HandleBroadcastSelect chooses the endpoint the next start uses.
func (h *Handlers) HandleBroadcastSelect(w http.ResponseWriter, r *http.Request) {
	if !h.broadcastEnabled(w) {
		return
	}
	var req struct {
		EndpointID string `json:"endpoint_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	err := h.deps.Broadcast.Select(req.EndpointID)
	h.respond(w, r, "select", nil, err)
}

// HandleBroadcastStart starts a broadcast with the loaded meeting and selected endpoint.
func (h *Handlers) HandleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	if !h.broadcastEnabled(w) {
		return
	}
	job, err := h.deps.Broadcast.StartSelected(r.Context())
	if err != nil {
		h.respond(w, r, "start", nil, err)
		return
	}
	h.respond(w, r, "start", &job, nil)
}

// HandleBroadcastStop stops the current broadcast, if any.
func (h *Handlers) HandleBroadcastStop(w http.ResponseWriter, r *http.Request) {
	if !h.broadcastEnabled(w) {
		return
	}
	msg, err := h.deps.Broadcast.Stop(r.Context())
	code := http.StatusOK
	resp := broadcastResponse{Message: msg}
	if err != nil {
		code = statusFor(err)
		resp.Error = err.Error()
	}
	resp.Status = h.deps.Broadcast.Status()
	writeJSON(r.Context(), w, code, resp)
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, op string, job *broadcast.Job, err error) {
	st := h.deps.Broadcast.Status()
	resp := broadcastResponse{Message: st.Message, Job: job, Status: st}
	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
		resp.Error = err.Error()
		telemetry.LoggerWithCorr(r.Context()).Warn("broadcast request failed",
			slog.String("component", "http"), slog.String("op", op), slog.Int("status", code), slog.Any("err", err))
	}
	writeJSON(r.Context(), w, code, resp)
}

func (h *Handlers) broadcastEnabled(w http.ResponseWriter) bool {
	if h.deps.Broadcast == nil {
		http.Error(w, "broadcast control not configured (need API_URL)", http.StatusNotFound)
		return false
	}
	return true
}
