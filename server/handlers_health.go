package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/stream-relay/kv"
)

// HandleHealthz responds to liveness probe requests by checking the kv store.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := kv.Ping(r.Context(), h.deps.Store); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"kv", func() error { return kv.Ping(r.Context(), h.deps.Store) }},
		{"session", func() error {
			if h.deps.State == nil || h.deps.State.MeetingID == "" {
				return errors.New("meeting id not configured")
			}
			return nil
		}},
		{"gateway", func() error {
			if h.deps.Gateway != nil && !h.deps.Gateway.Connected() {
				return errors.New("chat gateway not connected")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}
