// Package gateway is the websocket client for the chat gateway that fronts the streaming
// platforms. It keeps one connection per meeting open, reconnecting with jittered backoff,
// and exposes it as a relay.Gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-relay/relay"
	"github.com/onnwee/stream-relay/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
	frameBuffer    = 256
)

// ErrNotConnected is returned by Send while no connection is open. The frame is not queued.
var ErrNotConnected = errors.New("gateway not connected")

// ErrSendBufferFull means the write pump is not keeping up.
var ErrSendBufferFull = errors.New("gateway send buffer full")

// Client is a reconnecting gateway connection.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	frames    chan relay.InboundFrame
	connected atomic.Bool

	mu   sync.Mutex
	send chan []byte
}

var _ relay.Gateway = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 {
			c.minBackoff = minDelay
		}
		if maxDelay >= c.minBackoff {
			c.maxBackoff = maxDelay
		}
	}
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) Option { return func(c *Client) { c.header = h } }

// Endpoint builds ${base}/ws/chat/?meeting_id=… and maps http(s) to ws(s).
func Endpoint(base, meetingID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path += "/ws/chat/"
	q := u.Query()
	q.Set("meeting_id", meetingID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New builds a client for meetingID. Nothing is dialled until Run.
func New(baseURL, meetingID string, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(baseURL, meetingID)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:        endpoint,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:        slog.Default().With(slog.String("component", "gateway")),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		frames:     make(chan relay.InboundFrame, frameBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// URL returns the websocket endpoint.
func (c *Client) URL() string { return c.url }

// Frames delivers inbound chat frames. Frames of any other type are dropped here.
func (c *Client) Frames() <-chan relay.InboundFrame { return c.frames }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Send queues f on the open connection.
func (c *Client) Send(ctx context.Context, f relay.OutboundFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSendBufferFull
	}
}

// Run keeps the connection open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = c.minBackoff
		}
		wait := delay/2 + rand.N(delay/2+1)
		c.log.Warn("gateway disconnected, reconnecting",
			slog.Any("err", err), slog.Duration("backoff", wait))
		telemetry.IncCounter(telemetry.GatewayReconnects)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// session dials once and pumps until the connection drops. It reports whether the dial
// succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	send := make(chan []byte, sendBufferSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	c.connected.Store(true)
	telemetry.SetGatewayConnected(true)
	c.log.Info("gateway connected", slog.String("url", c.url))
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
		c.connected.Store(false)
		telemetry.SetGatewayConnected(false)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- c.writePump(ctx, conn, send) }()
	go func() { errc <- c.readPump(ctx, conn) }()

	err = <-errc
	cancel()
	_ = conn.Close()
	<-errc
	return true, err
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f relay.InboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("ignoring undecodable frame", slog.Any("err", err))
			continue
		}
		if !f.Valid() {
			telemetry.IncDropped(relay.DropInvalidFrame)
			c.log.Debug("ignoring frame", slog.String("type", f.Type), slog.String("platform", f.Platform))
			continue
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
			return ctx.Err()
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}
