// Package relay moves chat between a conference session and the streaming-platform gateway.
//
// Two independent pipelines share the session's processed id set:
//
//   - conference to gateway: command-prefixed messages ("/twitch hi") become outbound frames.
//   - gateway to conference: inbound frames are formatted with a platform marker and injected
//     into conference chat in one send per batch.
//
// Every examined id is marked processed once a relay/drop decision is made, so redelivered
// events never produce duplicate sends. The price is that a failed send is not retried.
package relay

import "context"

// Provenance tags carried on conference messages.
const (
	OriginRelay = "relay" // injected by this service
	OriginUser  = "user"  // typed by a participant
)

// ChatMessage is a conference chat message. Origin is empty when the feed carries no provenance.
type ChatMessage struct {
	ID              string
	Text            string
	AuthorName      string
	AuthorBackendID string
	Origin          string
}

// User identifies the sender of a frame.
type User struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// FrameTypeOutbound and FrameTypeMessage are the wire "type" values.
const (
	FrameTypeOutbound = "outbound_message"
	FrameTypeMessage  = "message"
)

// OutboundFrame is sent to the gateway.
type OutboundFrame struct {
	Type     string `json:"type"`
	Platform string `json:"platform"`
	Text     string `json:"text"`
	User     User   `json:"user"`
}

// InboundFrame is received from the gateway.
type InboundFrame struct {
	Type      string `json:"type"`
	Platform  string `json:"platform"`
	Text      string `json:"text"`
	User      User   `json:"user"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Valid reports whether the frame is a chat message the relay accepts.
func (f InboundFrame) Valid() bool {
	return f.Type == FrameTypeMessage && f.Platform != "" && f.Text != ""
}

// ConferenceChat is the conference side of the relay.
type ConferenceChat interface {
	// History returns the currently loaded chat history, oldest first. It is re-queryable and
	// reflects live appends.
	History(ctx context.Context) ([]ChatMessage, error)
	SendPublicMessage(ctx context.Context, markdown string) error
}

// Gateway is the platform side of the relay. Reconnects are the implementation's concern.
type Gateway interface {
	Send(ctx context.Context, f OutboundFrame) error
	Frames() <-chan InboundFrame
}
