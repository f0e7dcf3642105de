package relay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Run drives the relay until ctx is cancelled: the conference poller, the inbound batcher
// and the compaction timer each run in their own goroutine.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { r.runConference(ctx); return nil })
	g.Go(func() error { r.runInbound(ctx); return nil })
	g.Go(func() error { r.runCompaction(ctx); return nil })
	err := g.Wait()
	r.log.Info("relay stopped")
	return err
}

func (r *Relay) runConference(ctx context.Context) {
	ticker := r.clock.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		r.pollConference(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// pollConference retries Init until it succeeds, then feeds history to the outbound pipeline.
// History errors happen before any relay decision, so nothing is marked processed.
func (r *Relay) pollConference(ctx context.Context) {
	if !r.initialized.Load() {
		if err := r.Init(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("relay init failed, will retry", slog.Any("err", err))
		}
		return
	}
	msgs, err := r.conf.History(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("conference history fetch failed", slog.Any("err", err))
		}
		return
	}
	r.ProcessConference(ctx, msgs)
}

func (r *Relay) runInbound(ctx context.Context) {
	frames := r.gw.Frames()
	for {
		var first InboundFrame
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				r.log.Warn("gateway frame channel closed")
				return
			}
			first = f
		}
		batch := r.collect(ctx, frames, []InboundFrame{first})
		r.ProcessInbound(ctx, batch)
	}
}

// collect gathers the frames belonging to the same cycle as batch[0]: whatever is already
// buffered plus anything arriving within the batch window.
func (r *Relay) collect(ctx context.Context, frames <-chan InboundFrame, batch []InboundFrame) []InboundFrame {
	if r.batchWindow <= 0 {
		for len(batch) < maxInboundBatch {
			select {
			case f, ok := <-frames:
				if !ok {
					return batch
				}
				batch = append(batch, f)
			default:
				return batch
			}
		}
		return batch
	}
	window := r.clock.After(r.batchWindow)
	for len(batch) < maxInboundBatch {
		select {
		case f, ok := <-frames:
			if !ok {
				return batch
			}
			batch = append(batch, f)
		case <-window:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (r *Relay) runCompaction(ctx context.Context) {
	ticker := r.clock.NewTicker(r.compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Compact(ctx)
		}
	}
}
