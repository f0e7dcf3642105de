// Package youtubeapi wraps the Google OAuth2 client config and the YouTube Data API for live
// chat. The OAuth token is persisted in the kv store under TokenKey, which the kv layer seals
// when ENCRYPTION_KEY is set, so refreshed tokens survive restarts.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/kv"
)

// TokenKey is where the OAuth token JSON is stored.
const TokenKey = "oauth:youtube"

// ErrNoToken means no operator has completed the OAuth flow yet.
var ErrNoToken = errors.New("no youtube token stored")

type Service struct {
	cfg   *config.Config
	store kv.Store
	oauth *oauth2.Config
	opts  []option.ClientOption
}

// New builds the service. Extra client options are passed to every youtube.Service it creates.
func New(cfg *config.Config, store kv.Store, opts ...option.ClientOption) *Service {
	scopes := []string{yt.YoutubeForceSslScope}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, store: store, oauth: oauth, opts: opts}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if err := s.saveToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// HasToken reports whether a token is stored.
func (s *Service) HasToken(ctx context.Context) bool {
	tok, err := s.loadToken(ctx)
	return err == nil && tok.AccessToken != ""
}

// Token returns the stored token, refreshed when it expires within two minutes.
func (s *Service) Token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, fmt.Errorf("refresh youtube token: %w", err)
	}
	if err := s.saveToken(ctx, newTok); err != nil {
		slog.Warn("failed to persist refreshed youtube token", slog.String("component", "youtube"), slog.Any("err", err))
	}
	return newTok, nil
}

// Expiry reports when the stored token expires. ok is false when no refreshable token is stored.
func (s *Service) Expiry(ctx context.Context) (time.Time, bool, error) {
	tok, err := s.loadToken(ctx)
	if errors.Is(err, ErrNoToken) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return tok.Expiry, tok.RefreshToken != "", nil
}

// Refresh exchanges the stored refresh token for a new access token and persists the result,
// regardless of how long the current one has left.
func (s *Service) Refresh(ctx context.Context) error {
	tok, err := s.loadToken(ctx)
	if err != nil {
		return err
	}
	stale := *tok
	stale.Expiry = time.Now().Add(-time.Second)
	newTok, err := s.oauth.TokenSource(ctx, &stale).Token()
	if err != nil {
		return fmt.Errorf("refresh youtube token: %w", err)
	}
	return s.saveToken(ctx, newTok)
}

// Client builds a youtube.Service whose token source writes refreshed tokens back to the store.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	src := oauth2.ReuseTokenSource(tok, &persistingSource{
		ctx:  ctx,
		svc:  s,
		base: s.oauth.TokenSource(ctx, tok),
		last: tok.AccessToken,
	})
	opts := append([]option.ClientOption{option.WithTokenSource(src)}, s.opts...)
	return yt.NewService(ctx, opts...)
}

func (s *Service) loadToken(ctx context.Context) (*oauth2.Token, error) {
	raw, ok, err := s.store.Get(ctx, TokenKey)
	if err != nil {
		return nil, fmt.Errorf("load youtube token: %w", err)
	}
	if !ok || raw == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode youtube token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoToken
	}
	return &tok, nil
}

func (s *Service) saveToken(ctx context.Context, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode youtube token: %w", err)
	}
	if err := s.store.Set(ctx, TokenKey, string(raw)); err != nil {
		return fmt.Errorf("store youtube token: %w", err)
	}
	return nil
}

// persistingSource saves every token the base source mints.
type persistingSource struct {
	ctx  context.Context
	svc  *Service
	base oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()
	if changed {
		if err := p.svc.saveToken(p.ctx, tok); err != nil {
			slog.Warn("failed to persist refreshed youtube token", slog.String("component", "youtube"), slog.Any("err", err))
		}
	}
	return tok, nil
}
