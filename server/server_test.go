package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/broadcastapi"
	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/kv"
	"github.com/onnwee/stream-relay/relay"
	"github.com/onnwee/stream-relay/session"
	"github.com/onnwee/stream-relay/testutil"
	"github.com/onnwee/stream-relay/youtubeapi"
)

type fakeStats relay.Stats

func (f fakeStats) Stats() relay.Stats { return relay.Stats(f) }

type fakeGateway bool

func (g fakeGateway) Connected() bool { return bool(g) }

type downStore struct{ *kv.Memory }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

// testEnv clears the env-driven middleware settings so each test starts unauthenticated
// and unthrottled.
func testEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN", "ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}
	t.Setenv("RATE_LIMIT_ENABLED", "0")
}

type testServer struct {
	handler http.Handler
	state   *session.State
	fake    *testutil.Broadcaster
	ctl     *broadcast.Controller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	testEnv(t)
	store := kv.NewMemory()
	state := session.New("meeting-1", "operator-1", store, 100)
	fake := testutil.NewBroadcaster(t)
	api := broadcastapi.New(fake.URL, 2*time.Second)
	ctl := broadcast.NewController(api, api, state, broadcast.WithPollInterval(10*time.Millisecond))
	t.Cleanup(ctl.Close)
	return &testServer{
		handler: NewMux(t.Context(), Deps{
			Store:     store,
			State:     state,
			Relay:     fakeStats{Initialized: true, Outbound: 3, Processed: 7},
			Broadcast: ctl,
			Gateway:   fakeGateway(true),
		}),
		state: state,
		fake:  fake,
		ctl:   ctl,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) broadcastResponse {
	t.Helper()
	var resp broadcastResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	testEnv(t)
	tests := []struct {
		name  string
		store kv.Store
		want  int
	}{
		{"store reachable", kv.NewMemory(), http.StatusOK},
		{"store down", downStore{kv.NewMemory()}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMux(t.Context(), Deps{Store: tt.store})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestReadyz(t *testing.T) {
	testEnv(t)
	tests := []struct {
		name      string
		store     kv.Store
		meetingID string
		gateway   Connector
		wantCode  int
		wantCheck string
	}{
		{"ready", kv.NewMemory(), "meeting-1", fakeGateway(true), http.StatusOK, ""},
		{"ready without gateway", kv.NewMemory(), "meeting-1", nil, http.StatusOK, ""},
		{"kv down", downStore{kv.NewMemory()}, "meeting-1", fakeGateway(true), http.StatusServiceUnavailable, "kv"},
		{"no meeting", kv.NewMemory(), "", fakeGateway(true), http.StatusServiceUnavailable, "session"},
		{"gateway down", kv.NewMemory(), "meeting-1", fakeGateway(false), http.StatusServiceUnavailable, "gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMux(t.Context(), Deps{
				Store:   tt.store,
				State:   session.New(tt.meetingID, "", tt.store, 10),
				Gateway: tt.gateway,
			})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("expected failed_check %q, got %q", tt.wantCheck, body["failed_check"])
			}
		})
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		MeetingID        string           `json:"meeting_id"`
		Relay            relay.Stats      `json:"relay"`
		Broadcast        broadcast.Status `json:"broadcast"`
		GatewayConnected bool             `json:"gateway_connected"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.MeetingID != "meeting-1" || !body.GatewayConnected {
		t.Errorf("unexpected status body: %s", rr.Body.String())
	}
	if body.Relay.Outbound != 3 || body.Relay.Processed != 7 || !body.Relay.Initialized {
		t.Errorf("unexpected relay stats: %+v", body.Relay)
	}
	if body.Broadcast.Phase != broadcast.PhaseIdle {
		t.Errorf("expected idle broadcast, got %q", body.Broadcast.Phase)
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.fake.Script = []string{"pending", "running"}

	rr := s.do(t, http.MethodPost, "/broadcast/load", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Message != broadcast.MsgLoaded || len(resp.Status.Endpoints) != 2 || resp.Status.SelectedEndpointID != "ep-1" {
		t.Fatalf("unexpected load response: %+v", resp)
	}

	rr = s.do(t, http.MethodPost, "/broadcast/select", `{"endpoint_id":"ep-2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/broadcast/start", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp = decodeResponse(t, rr)
	if resp.Job == nil || resp.Job.StreamID != "stream-meeting-1" {
		t.Fatalf("expected job stream-meeting-1, got %+v", resp.Job)
	}
	started := s.fake.StartRequests()
	if len(started) != 1 || started[0].StreamKey != "yt-key" || started[0].Password != "mod-pw" {
		t.Fatalf("unexpected start requests: %+v", started)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var st broadcast.Status
		if err := json.Unmarshal(s.do(t, http.MethodGet, "/broadcast", "").Body.Bytes(), &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.Phase == broadcast.PhaseRunning {
			if st.Message != "Stream running (pod: broadcaster-pod-0)" {
				t.Errorf("unexpected running message %q", st.Message)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast never reached running, last status %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rr = s.do(t, http.MethodPost, "/broadcast/start", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/broadcast/stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decodeResponse(t, rr); resp.Message != broadcast.MsgStopped {
		t.Errorf("expected %q, got %q", broadcast.MsgStopped, resp.Message)
	}
	if ids := s.fake.StoppedIDs(); len(ids) != 1 || ids[0] != "stream-meeting-1" {
		t.Errorf("unexpected stop calls: %v", ids)
	}
	if id, _ := s.state.CurrentStream(); id != "" {
		t.Errorf("expected pointer cleared, got %q", id)
	}

	rr = s.do(t, http.MethodPost, "/broadcast/stop", "")
	if resp := decodeResponse(t, rr); rr.Code != http.StatusOK || resp.Message != broadcast.MsgNoActive {
		t.Errorf("idempotent stop: got %d %q", rr.Code, resp.Message)
	}
}

func TestBroadcastErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		setup    func(t *testing.T, s *testServer)
		wantCode int
		wantMsg  string
	}{
		{
			name:     "start before load",
			path:     "/broadcast/start",
			wantCode: http.StatusBadRequest,
			wantMsg:  broadcast.MsgSelectEndpoint,
		},
		{
			name:     "select unknown endpoint",
			path:     "/broadcast/select",
			body:     `{"endpoint_id":"ep-9"}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  broadcast.MsgInvalidEndpoint,
		},
		{
			name:     "unknown body field",
			path:     "/broadcast/select",
			body:     `{"endpoint":"ep-1"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "load unknown meeting",
			path:     "/broadcast/load",
			body:     `{"meeting_id":"meeting-2"}`,
			wantCode: http.StatusBadGateway,
		},
		{
			name: "start rejected by broadcaster",
			path: "/broadcast/start",
			setup: func(t *testing.T, s *testServer) {
				s.fake.StartStatus = http.StatusInternalServerError
				if rr := s.do(t, http.MethodPost, "/broadcast/load", ""); rr.Code != http.StatusOK {
					t.Fatalf("load: expected 200, got %d", rr.Code)
				}
			},
			wantCode: http.StatusBadGateway,
			wantMsg:  broadcast.MsgStartError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.setup != nil {
				tt.setup(t, s)
			}
			rr := s.do(t, http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if tt.wantMsg != "" {
				if resp := decodeResponse(t, rr); resp.Message != tt.wantMsg {
					t.Errorf("expected message %q, got %q", tt.wantMsg, resp.Message)
				}
			}
		})
	}
}

func TestBroadcastNotConfigured(t *testing.T) {
	testEnv(t)
	store := kv.NewMemory()
	h := NewMux(t.Context(), Deps{Store: store, State: session.New("meeting-1", "", store, 10)})
	for _, path := range []string{"/broadcast", "/broadcast/start"} {
		method := http.MethodGet
		if path != "/broadcast" {
			method = http.MethodPost
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", method, path, rr.Code)
		}
	}
}

func TestControlRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	t.Setenv("ADMIN_TOKEN", "relay-admin")
	s.handler = NewMux(t.Context(), Deps{Store: kv.NewMemory(), State: s.state, Broadcast: s.ctl})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"status is public", http.MethodGet, "/broadcast", "", http.StatusOK},
		{"stop without token", http.MethodPost, "/broadcast/stop", "", http.StatusUnauthorized},
		{"stop with wrong token", http.MethodPost, "/broadcast/stop", "nope", http.StatusUnauthorized},
		{"stop with token", http.MethodPost, "/broadcast/stop", "relay-admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			s.handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestControlRoutesRateLimited(t *testing.T) {
	s := newTestServer(t)
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	s.handler = NewMux(t.Context(), Deps{Store: kv.NewMemory(), State: s.state, Broadcast: s.ctl})

	codes := make([]int, 0, 4)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, http.MethodPost, "/broadcast/stop", "").Code)
	}
	codes = append(codes, s.do(t, http.MethodGet, "/broadcast", "").Code)
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected codes %v, got %v", want, codes)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("expected echoed correlation id, got %q", got)
	}
}

func TestYouTubeOAuth(t *testing.T) {
	testEnv(t)
	store := kv.NewMemory()
	yt := youtubeapi.New(&config.Config{
		YTClientID:    "client-id",
		YTRedirectURI: "http://localhost:8080/auth/youtube/callback",
	}, store)
	h := NewMux(t.Context(), Deps{Store: store, YouTube: yt})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/youtube/start", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("start: expected 302, got %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("state") == "" || loc.Query().Get("client_id") != "client-id" {
		t.Errorf("unexpected redirect %s", loc)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"missing code", "?state=" + loc.Query().Get("state")},
		{"missing state", "?code=abc"},
		{"unknown state", "?code=abc&state=forged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/youtube/callback"+tt.query, nil))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestYouTubeOAuthNotConfigured(t *testing.T) {
	testEnv(t)
	h := NewMux(t.Context(), Deps{Store: kv.NewMemory()})
	for _, path := range []string{"/auth/youtube/start", "/auth/youtube/callback?code=a&state=b"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rr.Code)
		}
	}
}

func TestOAuthStateStore(t *testing.T) {
	h := NewHandlers(context.Background(), Deps{})

	if !h.addOAuthState("live", time.Now().Add(time.Minute)) {
		t.Fatal("expected state to be stored")
	}
	h.addOAuthState("stale", time.Now().Add(-time.Minute))

	if !h.consumeOAuthState("live") {
		t.Error("expected live state to validate")
	}
	if h.consumeOAuthState("live") {
		t.Error("state must be single use")
	}
	if h.consumeOAuthState("stale") {
		t.Error("expired state must not validate")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &broadcast.ValidationError{Reason: broadcast.MsgSelectEndpoint}, http.StatusBadRequest},
		{"already active", &broadcast.ValidationError{Reason: broadcast.MsgAlreadyActive}, http.StatusConflict},
		{"transport", &broadcast.TransportError{Op: "start job", StatusCode: 500}, http.StatusBadGateway},
		{"timeout", &broadcast.TimeoutError{StreamID: "s", Attempts: 30}, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
