package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/stream-relay/broadcast"
)

// Broadcaster is an in-process broadcaster API. Status replies follow Script; once it is
// exhausted the last entry repeats, and an empty script reports "pending".
type Broadcaster struct {
	*httptest.Server

	mu          sync.Mutex
	Script      []string
	PodName     string
	FailReason  string
	StartStatus int
	StopStatus  int
	Details     broadcast.MeetingDetails
	Endpoints   []broadcast.StreamEndpoint

	Started     []broadcast.StartRequest
	StatusCalls int
	Stopped     []string
}

// NewBroadcaster starts the fake and closes it when the test ends.
func NewBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	b := &Broadcaster{
		PodName:     "broadcaster-pod-0",
		StartStatus: http.StatusCreated,
		StopStatus:  http.StatusOK,
		Details:     broadcast.MeetingDetails{MeetingID: "meeting-1", ModeratorPW: "mod-pw"},
		Endpoints: []broadcast.StreamEndpoint{
			{ID: "ep-1", Title: "Twitch", RTMPURL: "rtmp://live.twitch.tv/app", StreamKey: "twitch-key"},
			{ID: "ep-2", Title: "YouTube", RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "yt-key"},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/bbb/broadcaster", b.start)
	mux.HandleFunc("GET /api/bbb/broadcaster/{id}", b.status)
	mux.HandleFunc("DELETE /api/bbb/broadcaster/{id}", b.stop)
	mux.HandleFunc("GET /api/bbb/meetings/{id}", b.meeting)
	mux.HandleFunc("GET /api/stream-endpoints", b.endpoints)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// Calls returns how many status requests were served.
func (b *Broadcaster) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.StatusCalls
}

// StartRequests returns the start bodies received so far.
func (b *Broadcaster) StartRequests() []broadcast.StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast.StartRequest(nil), b.Started...)
}

// StoppedIDs returns the stream ids passed to stop.
func (b *Broadcaster) StoppedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Stopped...)
}

func (b *Broadcaster) start(w http.ResponseWriter, r *http.Request) {
	var req broadcast.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.Started = append(b.Started, req)
	code := b.StartStatus
	pod := b.PodName
	b.mu.Unlock()
	if code != http.StatusCreated {
		http.Error(w, "start rejected", code)
		return
	}
	writeJSON(w, code, map[string]any{
		"status":  "success",
		"message": "broadcast created",
		"stream": broadcast.Job{
			StreamID:  "stream-" + req.MeetingID,
			PodName:   pod,
			Status:    "pending",
			CreatedAt: "2024-01-01T00:00:00Z",
		},
		"meeting_info": map[string]string{"meeting_id": req.MeetingID},
	})
}

func (b *Broadcaster) status(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.StatusCalls++
	st := "pending"
	if len(b.Script) > 0 {
		st = b.Script[0]
		if len(b.Script) > 1 {
			b.Script = b.Script[1:]
		}
	}
	pod, reason := b.PodName, b.FailReason
	b.mu.Unlock()
	js := broadcast.JobStatus{StreamID: r.PathValue("id"), Status: st, PodName: pod}
	if st == "failed" {
		js.Error = reason
	}
	writeJSON(w, http.StatusOK, js)
}

func (b *Broadcaster) stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	b.Stopped = append(b.Stopped, id)
	code := b.StopStatus
	b.mu.Unlock()
	if code >= 300 {
		http.Error(w, "stop failed", code)
		return
	}
	writeJSON(w, code, broadcast.StopResult{Message: "broadcast stopped", StreamID: id, Status: "stopped"})
}

func (b *Broadcaster) meeting(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	d := b.Details
	b.mu.Unlock()
	if r.PathValue("id") != d.MeetingID {
		http.Error(w, "meeting not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (b *Broadcaster) endpoints(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	eps := append([]broadcast.StreamEndpoint(nil), b.Endpoints...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, eps)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
