// Package broadcastapi is the HTTP client for the broadcaster service: job start, status and
// stop under /api/bbb/broadcaster, plus the meeting details and stream endpoint catalog used
// to prepare a start.
package broadcastapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/telemetry"
)

const tracerName = "stream-relay/broadcastapi"

// Client talks to API_URL.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a client with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type startResponse struct {
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	JoinURL     string          `json:"join_url"`
	Stream      broadcast.Job   `json:"stream"`
	MeetingInfo json.RawMessage `json:"meeting_info"`
}

// StartJob posts a new broadcast job. The broadcaster answers 201 Created.
func (c *Client) StartJob(ctx context.Context, req broadcast.StartRequest) (broadcast.Job, error) {
	var resp startResponse
	if err := c.do(ctx, "start job", http.MethodPost, "/api/bbb/broadcaster", req, http.StatusCreated, &resp); err != nil {
		return broadcast.Job{}, err
	}
	return resp.Stream, nil
}

// GetJobStatus fetches the current state of streamID.
func (c *Client) GetJobStatus(ctx context.Context, streamID string) (broadcast.JobStatus, error) {
	var st broadcast.JobStatus
	err := c.do(ctx, "get job status", http.MethodGet, "/api/bbb/broadcaster/"+url.PathEscape(streamID), nil, 0, &st)
	return st, err
}

// StopJob deletes streamID.
func (c *Client) StopJob(ctx context.Context, streamID string) (broadcast.StopResult, error) {
	var res broadcast.StopResult
	err := c.do(ctx, "stop job", http.MethodDelete, "/api/bbb/broadcaster/"+url.PathEscape(streamID), nil, 0, &res)
	return res, err
}

// MeetingDetails fetches the join credentials for meetingID.
func (c *Client) MeetingDetails(ctx context.Context, meetingID string) (broadcast.MeetingDetails, error) {
	var d broadcast.MeetingDetails
	err := c.do(ctx, "get meeting details", http.MethodGet, "/api/bbb/meetings/"+url.PathEscape(meetingID), nil, 0, &d)
	return d, err
}

// StreamEndpoints lists the configured RTMP destinations.
func (c *Client) StreamEndpoints(ctx context.Context) ([]broadcast.StreamEndpoint, error) {
	var eps []broadcast.StreamEndpoint
	err := c.do(ctx, "list stream endpoints", http.MethodGet, "/api/stream-endpoints", nil, 0, &eps)
	return eps, err
}

// do sends body as JSON and decodes the reply into out. want is the required status code;
// zero accepts any 2xx. Failures come back as *broadcast.TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, body any, want int, out any) error {
	if c.BaseURL == "" {
		return &broadcast.TransportError{Op: op, Err: errors.New("API_URL not configured")}
	}
	endpoint := c.BaseURL + path
	ctx, span := telemetry.StartSpan(ctx, tracerName, op,
		telemetry.HTTPMethodAttr(method), telemetry.HTTPURLAttr(endpoint))
	defer span.End()
	start := time.Now()
	defer telemetry.ObserveSince(op, start)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &broadcast.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return &broadcast.TransportError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)

	ok := resp.StatusCode == want
	if want == 0 {
		ok = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if !ok {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &broadcast.TransportError{Op: op, StatusCode: resp.StatusCode}
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			err.Err = errors.New(msg)
		}
		telemetry.RecordError(span, err)
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		telemetry.SetSpanSuccess(span)
		return nil
	}
	// An empty 2xx body leaves out at its zero value.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		err = &broadcast.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}
