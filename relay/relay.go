package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-relay/session"
	"github.com/onnwee/stream-relay/telemetry"
)

// Drop reasons, also used as metric labels.
const (
	DropOwnMessage   = "own_message"
	DropNoBackendID  = "no_backend_id"
	DropNoCommand    = "no_command"
	DropEmptyText    = "empty_text"
	DropDuplicate    = "duplicate"
	DropInvalidFrame = "invalid_frame"
)

const maxInboundBatch = 50

// Stats are cumulative counters since the relay was built.
type Stats struct {
	Initialized bool  `json:"initialized"`
	Outbound    int64 `json:"outbound_frames"`
	Injected    int64 `json:"inbound_injected"`
	Dropped     int64 `json:"dropped"`
	SendErrors  int64 `json:"send_errors"`
	Processed   int   `json:"processed_ids"`
}

// Relay runs both pipelines for one session.
type Relay struct {
	state    *session.State
	conf     ConferenceChat
	gw       Gateway
	commands *Commands
	clock    clockwork.Clock
	log      *slog.Logger

	pollInterval    time.Duration
	batchWindow     time.Duration
	compactInterval time.Duration

	initialized atomic.Bool
	outbound    atomic.Int64
	injected    atomic.Int64
	dropped     atomic.Int64
	sendErrors  atomic.Int64
}

// Option configures a Relay.
type Option func(*Relay)

func WithClock(c clockwork.Clock) Option { return func(r *Relay) { r.clock = c } }

func WithCommands(c *Commands) Option { return func(r *Relay) { r.commands = c } }

// WithPollInterval sets how often conference history is re-queried.
func WithPollInterval(d time.Duration) Option { return func(r *Relay) { r.pollInterval = d } }

// WithBatchWindow sets how long the inbound batcher waits for more frames after the first.
// Zero drains only frames already buffered.
func WithBatchWindow(d time.Duration) Option { return func(r *Relay) { r.batchWindow = d } }

// WithCompactInterval sets the dedup compaction period.
func WithCompactInterval(d time.Duration) Option { return func(r *Relay) { r.compactInterval = d } }

// New builds a relay bound to state.
func New(state *session.State, conf ConferenceChat, gw Gateway, opts ...Option) *Relay {
	r := &Relay{
		state:           state,
		conf:            conf,
		gw:              gw,
		commands:        NewCommands(nil),
		clock:           clockwork.NewRealClock(),
		log:             slog.Default().With(slog.String("component", "relay")),
		pollInterval:    2 * time.Second,
		batchWindow:     250 * time.Millisecond,
		compactInterval: time.Hour,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init seeds the processed set with every id already in conference history so messages
// that predate the relay are never replayed. It is safe to call more than once.
func (r *Relay) Init(ctx context.Context) error {
	msgs, err := r.conf.History(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	r.state.Processed.AddAll(ids)
	r.persist(ctx)
	r.initialized.Store(true)
	r.log.Info("relay initialized", slog.Int("history", len(msgs)), slog.Int("processed", r.state.Processed.Len()))
	return nil
}

// Initialized reports whether Init completed.
func (r *Relay) Initialized() bool { return r.initialized.Load() }

// ProcessConference runs the conference to gateway pipeline over msgs in feed order and
// returns the number of frames sent.
func (r *Relay) ProcessConference(ctx context.Context, msgs []ChatMessage) int {
	changed, sent := false, 0
	for _, m := range msgs {
		// Claiming the id up front marks it processed whatever the outcome below.
		if !r.state.Processed.TryAdd(m.ID) {
			continue
		}
		changed = true

		frame, reason := r.outboundFrame(m)
		if reason != "" {
			r.drop(reason, slog.String("message_id", m.ID))
			continue
		}
		if err := r.gw.Send(ctx, frame); err != nil {
			r.sendErrors.Add(1)
			telemetry.IncSendError("gateway")
			r.log.Warn("gateway send failed", slog.String("message_id", m.ID), slog.String("platform", frame.Platform), slog.Any("err", err))
			continue
		}
		sent++
		r.log.Info("relayed to platform", slog.String("platform", frame.Platform), slog.String("message_id", m.ID))
	}
	if sent > 0 {
		r.outbound.Add(int64(sent))
		telemetry.AddCounter(telemetry.OutboundFrames, sent)
	}
	if changed {
		r.persist(ctx)
	}
	return sent
}

// outboundFrame decides what to do with m. A non-empty reason means drop.
func (r *Relay) outboundFrame(m ChatMessage) (OutboundFrame, string) {
	if r.isOwnMessage(m) {
		return OutboundFrame{}, DropOwnMessage
	}
	backendID := m.AuthorBackendID
	if backendID == "" {
		backendID = r.state.BackendUserID
	}
	if backendID == "" {
		return OutboundFrame{}, DropNoBackendID
	}
	platform, text, ok := r.commands.Parse(m.Text)
	if !ok {
		return OutboundFrame{}, DropNoCommand
	}
	if text == "" {
		return OutboundFrame{}, DropEmptyText
	}
	return OutboundFrame{
		Type:     FrameTypeOutbound,
		Platform: platform,
		Text:     text,
		User:     User{ID: backendID, Name: m.AuthorName},
	}, ""
}

// isOwnMessage trusts provenance when the feed supplies it and falls back to the marker
// heuristic otherwise.
func (r *Relay) isOwnMessage(m ChatMessage) bool {
	switch m.Origin {
	case OriginRelay:
		return true
	case "":
		return r.commands.HasMarker(m.Text)
	default:
		return false
	}
}

// ProcessInbound runs the gateway to conference pipeline over one batch and returns the
// number of frames injected. All new frames go out in a single conference send.
func (r *Relay) ProcessInbound(ctx context.Context, frames []InboundFrame) int {
	lines := make([]string, 0, len(frames))
	keys := make([]string, 0, len(frames))
	inBatch := make(map[string]struct{}, len(frames))
	for _, f := range frames {
		if !f.Valid() {
			r.drop(DropInvalidFrame, slog.String("type", f.Type))
			continue
		}
		key := FrameKey(f)
		if _, dup := inBatch[key]; dup || r.state.Processed.Contains(key) {
			r.drop(DropDuplicate, slog.String("key", key))
			continue
		}
		inBatch[key] = struct{}{}
		lines = append(lines, r.commands.Format(f))
		keys = append(keys, key)
	}
	if len(lines) == 0 {
		return 0
	}

	err := r.conf.SendPublicMessage(ctx, strings.Join(lines, "\n"))
	// Marked regardless of the send outcome.
	r.state.Processed.AddAll(keys)
	r.persist(ctx)
	if err != nil {
		r.sendErrors.Add(1)
		telemetry.IncSendError("conference")
		r.log.Warn("conference send failed", slog.Int("frames", len(lines)), slog.Any("err", err))
		return 0
	}
	r.injected.Add(int64(len(lines)))
	telemetry.AddCounter(telemetry.InboundInjected, len(lines))
	telemetry.IncCounter(telemetry.InboundBatches)
	r.log.Info("injected into conference chat", slog.Int("frames", len(lines)))
	return len(lines)
}

// FrameKey is the dedup identity of an inbound frame: the gateway's message id when present,
// otherwise platform|user|text, extended with the upstream timestamp when one is supplied.
func FrameKey(f InboundFrame) string {
	if f.MessageID != "" {
		return f.MessageID
	}
	key := f.Platform + "|" + f.User.ID + "|" + f.Text
	if f.Timestamp != "" {
		telemetry.IncVec(telemetry.SynthesizedKeys, "timestamp")
		return key + "|" + f.Timestamp
	}
	telemetry.IncVec(telemetry.SynthesizedKeys, "weak")
	slog.Debug("inbound frame has neither message_id nor timestamp; identical repeats will be suppressed",
		slog.String("platform", f.Platform), slog.String("component", "relay"))
	return key
}

// Compact trims the processed set and persists it when anything was evicted.
func (r *Relay) Compact(ctx context.Context) int {
	n := r.state.Processed.Compact()
	if n > 0 {
		telemetry.IncCounter(telemetry.DedupCompactions)
		r.persist(ctx)
		r.log.Info("processed ids compacted", slog.Int("evicted", n), slog.Int("kept", r.state.Processed.Len()))
	}
	return n
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Initialized: r.initialized.Load(),
		Outbound:    r.outbound.Load(),
		Injected:    r.injected.Load(),
		Dropped:     r.dropped.Load(),
		SendErrors:  r.sendErrors.Load(),
		Processed:   r.state.Processed.Len(),
	}
}

func (r *Relay) drop(reason string, attrs ...any) {
	r.dropped.Add(1)
	telemetry.IncDropped(reason)
	r.log.Debug("message not relayed", append([]any{slog.String("reason", reason)}, attrs...)...)
}

func (r *Relay) persist(ctx context.Context) {
	telemetry.SetDedupSize(r.state.Processed.Len())
	if err := r.state.Save(ctx); err != nil {
		r.log.Warn("failed to persist processed ids", slog.Any("err", err))
	}
}
