package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/crypto"
	"github.com/onnwee/stream-relay/kv"
)

func testConfig() *config.Config {
	return &config.Config{
		YTClientID:     "test-client-id",
		YTClientSecret: "test-secret",
		YTRedirectURI:  "http://localhost/auth/youtube/callback",
	}
}

func TestNewScopes(t *testing.T) {
	tests := []struct {
		name   string
		scopes string
		want   []string
	}{
		{"default", "", []string{"https://www.googleapis.com/auth/youtube.force-ssl"}},
		{"comma separated", "a,b", []string{"a", "b"}},
		{"space separated", "a  b c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.YTScopes = tt.scopes
			svc := New(cfg, kv.NewMemory())
			if strings.Join(svc.oauth.Scopes, " ") != strings.Join(tt.want, " ") {
				t.Errorf("scopes = %v, want %v", svc.oauth.Scopes, tt.want)
			}
		})
	}
}

func TestAuthCodeURL(t *testing.T) {
	svc := New(testConfig(), kv.NewMemory())
	u := svc.AuthCodeURL("state-123")
	for _, want := range []string{"state=state-123", "access_type=offline", "prompt=consent", "client_id=test-client-id"} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthCodeURL missing %q: %s", want, u)
		}
	}
}

func newTokenServer(t *testing.T, access string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-" + r.Form.Get("grant_type"),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExchangeStoresToken(t *testing.T) {
	srv := newTokenServer(t, "fresh-access")
	store := kv.NewMemory()
	svc := New(testConfig(), store)
	svc.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	if svc.HasToken(context.Background()) {
		t.Fatal("HasToken before exchange")
	}
	tok, err := svc.Exchange(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "fresh-access" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	if !svc.HasToken(context.Background()) {
		t.Fatal("token not stored")
	}
	got, err := svc.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.AccessToken != "fresh-access" || got.RefreshToken != "refresh-authorization_code" {
		t.Errorf("stored token = %+v", got)
	}
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	srv := newTokenServer(t, "refreshed-access")
	store := kv.NewMemory()
	svc := New(testConfig(), store)
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	ctx := context.Background()
	if err := svc.saveToken(ctx, &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	tok, err := svc.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "refreshed-access" {
		t.Errorf("access token = %q, want refreshed-access", tok.AccessToken)
	}
	stored, _ := svc.loadToken(ctx)
	if stored.AccessToken != "refreshed-access" {
		t.Errorf("refreshed token not persisted: %q", stored.AccessToken)
	}
}

func TestTokenMissing(t *testing.T) {
	svc := New(testConfig(), kv.NewMemory())
	if _, err := svc.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
	if _, err := svc.Client(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Client err = %v, want ErrNoToken", err)
	}
}

func TestTokenSealedAtRest(t *testing.T) {
	sealer, err := crypto.NewAESSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	if err != nil {
		t.Fatal(err)
	}
	inner := kv.NewMemory()
	svc := New(testConfig(), kv.NewSealed(inner, sealer, kv.SealedPrefixes...))
	ctx := context.Background()
	if err := svc.saveToken(ctx, &oauth2.Token{AccessToken: "secret-access", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := inner.Get(ctx, TokenKey)
	if strings.Contains(raw, "secret-access") || !crypto.IsSealed(raw) {
		t.Errorf("token stored in plaintext: %q", raw)
	}
	tok, err := svc.Token(ctx)
	if err != nil || tok.AccessToken != "secret-access" {
		t.Errorf("Token() = %v, %v", tok, err)
	}
}

func TestExpiry(t *testing.T) {
	svc := New(testConfig(), kv.NewMemory())
	ctx := context.Background()
	if _, ok, err := svc.Expiry(ctx); ok || err != nil {
		t.Errorf("Expiry with no token = ok %v, err %v", ok, err)
	}

	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := svc.saveToken(ctx, &oauth2.Token{AccessToken: "a", Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := svc.Expiry(ctx); ok {
		t.Error("token without refresh token reported refreshable")
	}

	if err := svc.saveToken(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := svc.Expiry(ctx)
	if err != nil || !ok || !got.Equal(exp) {
		t.Errorf("Expiry() = %v, %v, %v; want %v", got, ok, err, exp)
	}
}

func TestRefreshForcesExchange(t *testing.T) {
	srv := newTokenServer(t, "forced-access")
	svc := New(testConfig(), kv.NewMemory())
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	ctx := context.Background()
	// Still valid for an hour; Token() would return it untouched.
	if err := svc.saveToken(ctx, &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	stored, err := svc.loadToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "forced-access" || stored.RefreshToken != "refresh-refresh_token" {
		t.Errorf("stored token = %+v", stored)
	}
}

func TestRefreshWithoutToken(t *testing.T) {
	svc := New(testConfig(), kv.NewMemory())
	if err := svc.Refresh(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}
