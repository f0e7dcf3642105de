package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/stream-relay/telemetry"
)

// PollTask is the handle of one status poll loop. The controller cancels it on Stop, on Close
// and when a newer poll replaces it.
type PollTask struct {
	StreamID string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel stops the loop. It does not wait.
func (t *PollTask) Cancel() { t.cancel() }

// Done is closed when the loop has exited.
func (t *PollTask) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop exits and returns its outcome: nil once the job is running,
// a *RemoteJobError, a *TimeoutError, or the context error when cancelled.
func (t *PollTask) Wait() error {
	<-t.done
	return t.err
}

func (t *PollTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// runPoll queries the job's status immediately and then once per interval until it is running,
// has failed or the attempt budget is spent. Transport errors use up an attempt but do not end
// the loop. One request is in flight at a time.
func (c *Controller) runPoll(ctx context.Context, t *PollTask) {
	defer close(t.done)
	defer t.cancel()
	ctx, span := telemetry.StartSpan(ctx, "broadcast", "poll job", telemetry.StreamIDAttr(t.StreamID))
	defer func() {
		if t.err != nil {
			telemetry.RecordError(span, t.err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	log := c.log.With(slog.String("stream_id", t.StreamID))

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				t.err = ctx.Err()
				return
			case <-c.clock.After(c.interval):
			}
		}
		if err := ctx.Err(); err != nil {
			t.err = err
			return
		}
		c.update(t, func() { c.attempts = attempt })

		st, err := c.jobs.GetJobStatus(ctx, t.StreamID)
		if err != nil {
			if ctx.Err() != nil {
				t.err = ctx.Err()
				return
			}
			telemetry.IncVec(telemetry.BroadcastPolls, "error")
			// Non-retryable replies (4xx) still count as attempts but are unlikely to clear up.
			retryable := IsRetryable(err)
			lvl := slog.LevelWarn
			if !retryable {
				lvl = slog.LevelError
			}
			log.Log(ctx, lvl, "polling error", slog.Int("attempt", attempt), slog.Bool("retryable", retryable), slog.Any("err", err))
			c.update(t, func() {
				c.message = MsgPollError
				c.lastErr = err
			})
			continue
		}

		switch st.Status {
		case StatusRunning:
			telemetry.IncVec(telemetry.BroadcastPolls, StatusRunning)
			c.recordStatus(ctx, t, st.Status)
			c.transition(t, PhaseRunning, fmt.Sprintf("Stream running (pod: %s)", st.PodName), nil, st.PodName)
			log.Info("broadcast running", slog.String("pod", st.PodName), slog.Int("attempt", attempt))
			return
		case StatusFailed:
			telemetry.IncVec(telemetry.BroadcastPolls, StatusFailed)
			reason := st.Error
			if reason == "" {
				reason = "unknown error"
			}
			jobErr := &RemoteJobError{StreamID: t.StreamID, Message: reason}
			c.recordStatus(ctx, t, st.Status)
			c.transition(t, PhaseFailed, "Stream failed: "+reason, jobErr, st.PodName)
			log.Error("broadcast failed", slog.String("reason", reason))
			t.err = jobErr
			return
		default:
			telemetry.IncVec(telemetry.BroadcastPolls, "pending")
			c.recordStatus(ctx, t, st.Status)
			log.Debug("broadcast not running yet", slog.String("status", st.Status), slog.Int("attempt", attempt))
		}
	}

	timeout := &TimeoutError{StreamID: t.StreamID, Attempts: c.maxAttempts}
	c.transition(t, PhaseTimedOut, MsgTimeout, timeout, "")
	log.Warn("timeout waiting for stream to start", slog.Int("attempts", c.maxAttempts))
	t.err = timeout
}

// update applies fn under the state lock if t is still the current task.
func (c *Controller) update(t *PollTask, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != t {
		return false
	}
	fn()
	return true
}

func (c *Controller) transition(t *PollTask, p Phase, msg string, err error, pod string) {
	if c.update(t, func() {
		c.phase = p
		c.message = msg
		c.lastErr = err
		if pod != "" {
			c.podName = pod
		}
	}) {
		telemetry.SetBroadcastPhase(string(p), phaseNames)
	}
}

func (c *Controller) recordStatus(ctx context.Context, t *PollTask, status string) {
	if status == "" {
		return
	}
	current := false
	c.update(t, func() { current = true })
	if !current {
		return
	}
	if err := c.state.SetStreamStatus(ctx, status); err != nil {
		c.log.Warn("failed to persist stream status", slog.String("stream_id", t.StreamID), slog.Any("err", err))
	}
}
