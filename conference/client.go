// Package conference is the HTTP client for the conference chat bridge. It reads a meeting's
// public chat history and posts markdown messages into it tagged with relay provenance.
package conference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/stream-relay/relay"
	"github.com/onnwee/stream-relay/telemetry"
)

const tracerName = "stream-relay/conference"

// StatusError is a non-2xx reply from the bridge.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client implements relay.ConferenceChat for one meeting.
type Client struct {
	BaseURL    string
	MeetingID  string
	Token      string
	HTTPClient *http.Client
}

var _ relay.ConferenceChat = (*Client)(nil)

// New returns a client for meetingID.
func New(baseURL, meetingID, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		MeetingID:  meetingID,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	MessageID       string `json:"message_id"`
	Message         string `json:"message"`
	SenderName      string `json:"sender_name"`
	SenderBackendID string `json:"sender_backend_id,omitempty"`
	Origin          string `json:"origin,omitempty"`
}

func (c *Client) messagesURL() string {
	return c.BaseURL + "/api/bbb/meetings/" + url.PathEscape(c.MeetingID) + "/chat/messages"
}

// History returns the meeting's loaded chat history, oldest first.
func (c *Client) History(ctx context.Context) ([]relay.ChatMessage, error) {
	var body struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, "chat history", http.MethodGet, nil, &body); err != nil {
		return nil, err
	}
	out := make([]relay.ChatMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		out = append(out, relay.ChatMessage{
			ID:              m.MessageID,
			Text:            m.Message,
			AuthorName:      m.SenderName,
			AuthorBackendID: m.SenderBackendID,
			Origin:          m.Origin,
		})
	}
	return out, nil
}

// SendPublicMessage posts markdown to the meeting's public chat as a relay message.
func (c *Client) SendPublicMessage(ctx context.Context, markdown string) error {
	return c.do(ctx, "send chat message", http.MethodPost, map[string]string{
		"message": markdown,
		"origin":  relay.OriginRelay,
	}, nil)
}

func (c *Client) do(ctx context.Context, op, method string, in, out any) error {
	if c.BaseURL == "" || c.MeetingID == "" {
		return fmt.Errorf("%s: conference API not configured", op)
	}
	endpoint := c.messagesURL()
	ctx, span := telemetry.StartSpan(ctx, tracerName, op,
		telemetry.HTTPMethodAttr(method), telemetry.HTTPURLAttr(endpoint))
	defer span.End()

	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		telemetry.RecordError(span, err)
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("decode %s: %w", op, err)
		}
	}
	telemetry.SetSpanSuccess(span)
	return nil
}
