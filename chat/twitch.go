package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/stream-relay/relay"
)

// PlatformTwitch is the frame platform served by TwitchAdapter.
const PlatformTwitch = "twitch"

// ErrNotConnected is returned by adapters that are not connected yet.
var ErrNotConnected = errors.New("chat adapter not connected")

// ircClient is the subset of *twitch.Client the adapter uses.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// TwitchAdapter bridges one Twitch channel.
type TwitchAdapter struct {
	channel string
	botUser string
	client  ircClient
	log     *slog.Logger

	frames    chan relay.InboundFrame
	connected atomic.Bool
}

// NewTwitchAdapter builds an adapter for channel using the bot's credentials.
func NewTwitchAdapter(channel, botUsername, oauthToken string) *TwitchAdapter {
	if oauthToken != "" && !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return newTwitchAdapter(channel, botUsername, twitch.NewClient(botUsername, oauthToken))
}

func newTwitchAdapter(channel, botUsername string, client ircClient) *TwitchAdapter {
	a := &TwitchAdapter{
		channel: strings.ToLower(strings.TrimPrefix(channel, "#")),
		botUser: botUsername,
		client:  client,
		log:     slog.Default().With(slog.String("component", "chat"), slog.String("platform", PlatformTwitch)),
		frames:  make(chan relay.InboundFrame, 256),
	}
	client.OnConnect(func() {
		a.connected.Store(true)
		a.log.Info("connected to twitch irc", slog.String("channel", a.channel))
	})
	client.OnPrivateMessage(a.handle)
	return a
}

func (a *TwitchAdapter) Platform() string { return PlatformTwitch }

func (a *TwitchAdapter) Frames() <-chan relay.InboundFrame { return a.frames }

func (a *TwitchAdapter) Connected() bool { return a.connected.Load() }

// Send posts the frame to the channel as "name: text".
func (a *TwitchAdapter) Send(_ context.Context, f relay.OutboundFrame) error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	text := f.Text
	if f.User.Name != "" {
		text = f.User.Name + ": " + text
	}
	a.client.Say(a.channel, text)
	return nil
}

// Run connects and blocks until ctx is cancelled or the client gives up.
func (a *TwitchAdapter) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.client.Disconnect()
		case <-done:
		}
	}()

	a.client.Join(a.channel)
	err := a.client.Connect()
	a.connected.Store(false)
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (a *TwitchAdapter) handle(msg twitch.PrivateMessage) {
	if strings.EqualFold(msg.User.Name, a.botUser) {
		return
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	f := relay.InboundFrame{
		Type:      relay.FrameTypeMessage,
		Platform:  PlatformTwitch,
		Text:      msg.Message,
		User:      relay.User{ID: msg.User.ID, Name: name},
		MessageID: msg.ID,
	}
	if !msg.Time.IsZero() {
		f.Timestamp = msg.Time.UTC().Format(time.RFC3339Nano)
	}
	select {
	case a.frames <- f:
	default:
		a.log.Warn("inbound buffer full, dropping twitch message", slog.String("message_id", msg.ID))
	}
}
