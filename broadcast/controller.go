package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-relay/session"
	"github.com/onnwee/stream-relay/telemetry"
)

// Phase is the controller's lifecycle position.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhasePolling  Phase = "polling"
	PhaseRunning  Phase = "running"
	PhaseFailed   Phase = "failed"
	PhaseStopped  Phase = "stopped"
	PhaseTimedOut Phase = "timed_out"
)

var phaseNames = []string{
	string(PhaseIdle), string(PhaseStarting), string(PhasePolling), string(PhaseRunning),
	string(PhaseFailed), string(PhaseStopped), string(PhaseTimedOut),
}

// Operator-facing status messages.
const (
	MsgLoaded          = "Stream data loaded successfully"
	MsgSelectEndpoint  = "Please select a stream endpoint"
	MsgNoDetails       = "Meeting details not loaded"
	MsgInvalidEndpoint = "Invalid stream endpoint selected"
	MsgAlreadyActive   = "Stream already active; stop it first"
	MsgStartError      = "Error starting stream"
	MsgPollError       = "Error polling stream status"
	MsgTimeout         = "Timeout waiting for stream to start"
	MsgNoActive        = "No active stream to stop"
	MsgStopped         = "Stream stopped"
	MsgStopError       = "Error stopping stream"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 30
)

// EndpointSummary is an endpoint without its stream key.
type EndpointSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Phase              Phase             `json:"phase"`
	Message            string            `json:"message"`
	StreamID           string            `json:"stream_id,omitempty"`
	RemoteStatus       string            `json:"remote_status,omitempty"`
	PodName            string            `json:"pod_name,omitempty"`
	Error              string            `json:"error,omitempty"`
	Attempts           int               `json:"attempts"`
	Polling            bool              `json:"polling"`
	Endpoints          []EndpointSummary `json:"endpoints"`
	SelectedEndpointID string            `json:"selected_endpoint_id,omitempty"`
	MeetingLoaded      bool              `json:"meeting_loaded"`
}

// Controller owns the broadcast lifecycle for one session.
type Controller struct {
	jobs    JobControl
	catalog Catalog
	state   *session.State
	clock   clockwork.Clock
	log     *slog.Logger

	interval    time.Duration
	maxAttempts int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// opMu serializes Start, Stop, Poll and Resume.
	opMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	message    string
	podName    string
	lastErr    error
	attempts   int
	task       *PollTask
	details    *MeetingDetails
	endpoints  []StreamEndpoint
	selectedID string
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c clockwork.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithPollInterval sets the wait between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.interval = d
		}
	}
}

// WithMaxAttempts sets the poll budget.
func WithMaxAttempts(n int) Option {
	return func(ctl *Controller) {
		if n > 0 {
			ctl.maxAttempts = n
		}
	}
}

// NewController builds an idle controller. catalog may be nil when endpoints are never loaded.
func NewController(jobs JobControl, catalog Catalog, state *session.State, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		jobs:        jobs,
		catalog:     catalog,
		state:       state,
		clock:       clockwork.NewRealClock(),
		log:         slog.Default().With(slog.String("component", "broadcast")),
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
		baseCtx:     ctx,
		baseCancel:  cancel,
		phase:       PhaseIdle,
	}
	for _, o := range opts {
		o(c)
	}
	telemetry.SetBroadcastPhase(string(PhaseIdle), phaseNames)
	return c
}

// LoadStreamData fetches meeting details and stream endpoints concurrently and selects the
// first endpoint.
func (c *Controller) LoadStreamData(ctx context.Context, meetingID string) error {
	if meetingID == "" {
		const reason = "Meeting ID not available"
		c.setMessage("Error loading stream data: "+reason, nil)
		return &ValidationError{Reason: reason}
	}
	if c.catalog == nil {
		err := errors.New("no catalog configured")
		c.setMessage("Error loading stream data: "+err.Error(), err)
		return err
	}

	var (
		details   MeetingDetails
		endpoints []StreamEndpoint
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := c.catalog.MeetingDetails(gctx, meetingID)
		details = d
		return err
	})
	g.Go(func() error {
		eps, err := c.catalog.StreamEndpoints(gctx)
		endpoints = eps
		return err
	})
	if err := g.Wait(); err != nil {
		c.setMessage("Error loading stream data: "+err.Error(), err)
		c.log.Error("error loading stream data", slog.String("meeting_id", meetingID), slog.Any("err", err))
		return err
	}

	c.mu.Lock()
	c.details = &details
	c.endpoints = endpoints
	if len(endpoints) > 0 {
		c.selectedID = endpoints[0].ID
	}
	c.message = MsgLoaded
	c.lastErr = nil
	c.mu.Unlock()
	c.log.Info("stream data loaded", slog.String("meeting_id", meetingID), slog.Int("endpoints", len(endpoints)))
	return nil
}

// Select makes endpointID the endpoint StartSelected uses.
func (c *Controller) Select(endpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.endpoints {
		if e.ID == endpointID {
			c.selectedID = endpointID
			return nil
		}
	}
	c.message = MsgInvalidEndpoint
	return &ValidationError{Reason: MsgInvalidEndpoint}
}

// StartSelected starts a broadcast with the loaded details and the selected endpoint.
func (c *Controller) StartSelected(ctx context.Context) (Job, error) {
	c.mu.Lock()
	details, selectedID := c.details, c.selectedID
	var endpoint *StreamEndpoint
	for i := range c.endpoints {
		if c.endpoints[i].ID == selectedID {
			e := c.endpoints[i]
			endpoint = &e
			break
		}
	}
	c.mu.Unlock()

	if selectedID != "" && details != nil && endpoint == nil {
		return Job{}, c.invalid(MsgInvalidEndpoint)
	}
	return c.Start(ctx, details, endpoint)
}

// Start asks the broadcaster for a new job and begins polling it. It refuses while a job is
// current.
func (c *Controller) Start(ctx context.Context, details *MeetingDetails, endpoint *StreamEndpoint) (Job, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if endpoint == nil {
		return Job{}, c.invalid(MsgSelectEndpoint)
	}
	if details == nil {
		return Job{}, c.invalid(MsgNoDetails)
	}
	if id, _ := c.state.CurrentStream(); id != "" {
		return Job{}, c.invalid(MsgAlreadyActive)
	}

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "broadcast"))
	c.setPhase(PhaseStarting, "Starting stream", nil)
	job, err := c.jobs.StartJob(ctx, StartRequest{
		MeetingID: details.MeetingID,
		RTMPURL:   endpoint.RTMPURL,
		StreamKey: endpoint.StreamKey,
		Password:  details.ModeratorPW,
		Platform:  endpoint.Title,
	})
	if err == nil && job.StreamID == "" {
		err = &TransportError{Op: "start job", Err: errors.New("response carried no stream id")}
	}
	if err != nil {
		c.setPhase(PhaseFailed, MsgStartError, err)
		telemetry.IncVec(telemetry.BroadcastStarts, Classify(err))
		log.Error("error starting stream", slog.String("endpoint", endpoint.Title), slog.Any("err", err))
		return Job{}, err
	}

	if err := c.state.SetCurrentStream(ctx, job.StreamID, job.Status); err != nil {
		log.Warn("failed to persist current stream", slog.String("stream_id", job.StreamID), slog.Any("err", err))
	}
	c.mu.Lock()
	c.podName = job.PodName
	c.mu.Unlock()
	c.setPhase(PhasePolling, fmt.Sprintf("Broadcast started (stream_id: %s)", job.StreamID), nil)
	telemetry.IncVec(telemetry.BroadcastStarts, "ok")
	log.Info("broadcast started", slog.String("stream_id", job.StreamID), slog.String("platform", endpoint.Title))

	c.poll(job.StreamID)
	return job, nil
}

// Poll replaces any running poll task with a new one for streamID.
func (c *Controller) Poll(streamID string) *PollTask {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.poll(streamID)
}

func (c *Controller) poll(streamID string) *PollTask {
	c.cancelTask()
	ctx, cancel := context.WithCancel(c.baseCtx)
	t := &PollTask{StreamID: streamID, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.task = t
	c.attempts = 0
	c.phase = PhasePolling
	c.mu.Unlock()
	telemetry.SetBroadcastPhase(string(PhasePolling), phaseNames)
	go c.runPoll(ctx, t)
	return t
}

// cancelTask cancels the current poll task and waits for it to exit.
func (c *Controller) cancelTask() {
	c.mu.Lock()
	t := c.task
	c.task = nil
	c.mu.Unlock()
	if t != nil {
		t.Cancel()
		<-t.Done()
	}
}

// Stop tears the current job down, then cancels polling. Without a current job it is a no-op.
// When the teardown call fails the poll task keeps running against the kept pointer.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "broadcast"))
	id, _ := c.state.CurrentStream()
	if id == "" {
		c.setMessage(MsgNoActive, nil)
		return MsgNoActive, nil
	}
	if _, err := c.jobs.StopJob(ctx, id); err != nil {
		c.setMessage(MsgStopError, err)
		telemetry.IncVec(telemetry.BroadcastStops, Classify(err))
		log.Error("stop stream failed", slog.String("stream_id", id), slog.Bool("polling", c.polling()), slog.Any("err", err))
		return MsgStopError, err
	}
	c.cancelTask()
	if err := c.state.ClearCurrentStream(ctx); err != nil {
		log.Warn("failed to clear current stream", slog.String("stream_id", id), slog.Any("err", err))
	}
	c.mu.Lock()
	c.podName = ""
	c.attempts = 0
	c.mu.Unlock()
	c.setPhase(PhaseStopped, MsgStopped, nil)
	telemetry.IncVec(telemetry.BroadcastStops, "ok")
	log.Info("broadcast stopped", slog.String("stream_id", id))
	return MsgStopped, nil
}

// Resume starts polling the persisted current stream if there is one and nothing is polling.
func (c *Controller) Resume(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	id, status := c.state.CurrentStream()
	if id == "" || c.polling() {
		return false
	}
	telemetry.LoggerWithCorr(ctx).Info("resuming broadcast poll",
		slog.String("component", "broadcast"), slog.String("stream_id", id), slog.String("last_status", status))
	c.setMessage(fmt.Sprintf("Resuming broadcast (stream_id: %s)", id), nil)
	c.poll(id)
	return true
}

// Status returns a snapshot for operators.
func (c *Controller) Status() Status {
	id, remote := c.state.CurrentStream()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Phase:              c.phase,
		Message:            c.message,
		StreamID:           id,
		RemoteStatus:       remote,
		PodName:            c.podName,
		Attempts:           c.attempts,
		Polling:            c.task != nil && !c.task.finished(),
		Endpoints:          make([]EndpointSummary, 0, len(c.endpoints)),
		SelectedEndpointID: c.selectedID,
		MeetingLoaded:      c.details != nil,
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	for _, e := range c.endpoints {
		st.Endpoints = append(st.Endpoints, EndpointSummary{ID: e.ID, Title: e.Title})
	}
	return st
}

// Close cancels any pending poll and waits for it to exit.
func (c *Controller) Close() {
	c.baseCancel()
	c.cancelTask()
}

func (c *Controller) polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil && !c.task.finished()
}

func (c *Controller) invalid(reason string) error {
	c.setMessage(reason, nil)
	return &ValidationError{Reason: reason}
}

func (c *Controller) setMessage(msg string, err error) {
	c.mu.Lock()
	c.message = msg
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) setPhase(p Phase, msg string, err error) {
	c.mu.Lock()
	c.phase = p
	c.message = msg
	c.lastErr = err
	c.mu.Unlock()
	telemetry.SetBroadcastPhase(string(p), phaseNames)
}
