package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/stream-relay/dedup"
	"github.com/onnwee/stream-relay/kv"
	"github.com/onnwee/stream-relay/relay"
)

// PlatformYouTube is the frame platform served by LiveChat.
const PlatformYouTube = "youtube"

const textMessageEvent = "textMessageEvent"

// ErrNotReady is returned by Send before the live chat client is available.
var ErrNotReady = errors.New("youtube live chat not ready")

// ServiceFunc yields an authorized API client. (*Service).Client is the usual one.
type ServiceFunc func(ctx context.Context) (*yt.Service, error)

// LiveChat bridges one YouTube live chat. It polls liveChatMessages.list at the interval the
// API asks for and posts outbound frames with liveChatMessages.insert.
type LiveChat struct {
	chatID      string
	newService  ServiceFunc
	minInterval time.Duration
	retryDelay  time.Duration
	log         *slog.Logger

	frames   chan relay.InboundFrame
	inserted *dedup.Store
	ready    atomic.Bool

	mu      sync.Mutex
	svc     *yt.Service
	pending map[string]int // texts with an insert in flight
}

// LiveChatOption configures a LiveChat.
type LiveChatOption func(*LiveChat)

// WithMinPollInterval floors the API-provided polling interval.
func WithMinPollInterval(d time.Duration) LiveChatOption {
	return func(l *LiveChat) { l.minInterval = d }
}

// WithRetryDelay sets the wait after a failed authorization or list call.
func WithRetryDelay(d time.Duration) LiveChatOption {
	return func(l *LiveChat) { l.retryDelay = d }
}

// NewLiveChat builds an adapter for liveChatID.
func NewLiveChat(liveChatID string, newService ServiceFunc, opts ...LiveChatOption) *LiveChat {
	l := &LiveChat{
		chatID:      liveChatID,
		newService:  newService,
		minInterval: time.Second,
		retryDelay:  15 * time.Second,
		log:         slog.Default().With(slog.String("component", "chat"), slog.String("platform", PlatformYouTube)),
		frames:      make(chan relay.InboundFrame, 256),
		inserted:    dedup.New(kv.NewMemory(), dedup.WithKey("youtube_inserted_ids"), dedup.WithCapacity(500)),
		pending:     make(map[string]int),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *LiveChat) Platform() string { return PlatformYouTube }

func (l *LiveChat) Frames() <-chan relay.InboundFrame { return l.frames }

func (l *LiveChat) Connected() bool { return l.ready.Load() }

// Send inserts "name: text" into the live chat. A list poll can return the new message before
// Insert does, so the text is held as pending until then and the first matching item is
// treated as our own.
func (l *LiveChat) Send(ctx context.Context, f relay.OutboundFrame) error {
	l.mu.Lock()
	svc := l.svc
	l.mu.Unlock()
	if svc == nil {
		return ErrNotReady
	}
	text := f.Text
	if f.User.Name != "" {
		text = f.User.Name + ": " + text
	}
	msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
		LiveChatId:         l.chatID,
		Type:               textMessageEvent,
		TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
	}}
	l.beginInsert(text)
	res, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	l.endInsert(text)
	if err != nil {
		return fmt.Errorf("insert live chat message: %w", err)
	}
	l.inserted.Add(res.Id)
	l.inserted.Compact()
	return nil
}

func (l *LiveChat) beginInsert(text string) {
	l.mu.Lock()
	l.pending[text]++
	l.mu.Unlock()
}

// endInsert drops the pending entry unless a list poll already claimed it.
func (l *LiveChat) endInsert(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(text)
}

func (l *LiveChat) releaseLocked(text string) {
	if l.pending[text] > 1 {
		l.pending[text]--
		return
	}
	delete(l.pending, text)
}

// claimPending reports whether text matches an in-flight insert and consumes that entry.
func (l *LiveChat) claimPending(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[text] == 0 {
		return false
	}
	l.releaseLocked(text)
	return true
}

// Run authorizes, then polls until ctx is cancelled. Messages already in the chat when polling
// starts are skipped.
func (l *LiveChat) Run(ctx context.Context) error {
	svc, err := l.authorize(ctx)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	l.svc = svc
	l.mu.Unlock()
	l.ready.Store(true)
	defer l.ready.Store(false)
	l.log.Info("polling youtube live chat", slog.String("live_chat_id", l.chatID))

	pageToken, backlog := "", true
	for {
		call := svc.LiveChatMessages.List(l.chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("live chat list failed", slog.Any("err", err))
			if !sleep(ctx, l.retryDelay) {
				return nil
			}
			continue
		}
		pageToken = resp.NextPageToken
		if !backlog {
			for _, item := range resp.Items {
				if f, ok := l.frame(item); ok {
					select {
					case l.frames <- f:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
		backlog = false

		wait := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if wait < l.minInterval {
			wait = l.minInterval
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// authorize retries until a client is available or ctx ends.
func (l *LiveChat) authorize(ctx context.Context) (*yt.Service, error) {
	for {
		svc, err := l.newService(ctx)
		if err == nil {
			return svc, nil
		}
		l.log.Warn("youtube client unavailable, retrying", slog.Any("err", err), slog.Duration("retry", l.retryDelay))
		if !sleep(ctx, l.retryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *LiveChat) frame(item *yt.LiveChatMessage) (relay.InboundFrame, bool) {
	if item == nil || item.Snippet == nil || item.Snippet.Type != textMessageEvent {
		return relay.InboundFrame{}, false
	}
	if l.inserted.Contains(item.Id) {
		return relay.InboundFrame{}, false
	}
	text := item.Snippet.DisplayMessage
	if text == "" && item.Snippet.TextMessageDetails != nil {
		text = item.Snippet.TextMessageDetails.MessageText
	}
	if l.claimPending(text) {
		l.inserted.Add(item.Id)
		return relay.InboundFrame{}, false
	}
	f := relay.InboundFrame{
		Type:      relay.FrameTypeMessage,
		Platform:  PlatformYouTube,
		Text:      text,
		MessageID: item.Id,
		Timestamp: item.Snippet.PublishedAt,
		User:      relay.User{ID: item.Snippet.AuthorChannelId},
	}
	if a := item.AuthorDetails; a != nil {
		f.User = relay.User{ID: a.ChannelId, Name: a.DisplayName}
	}
	return f, f.Text != ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
