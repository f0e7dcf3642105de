package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-relay/relay"
)

// ErrUnknownPlatform is returned by Mux.Send for platforms without an adapter.
var ErrUnknownPlatform = errors.New("no adapter for platform")

// Adapter is one direct platform connection.
type Adapter interface {
	Platform() string
	Send(ctx context.Context, f relay.OutboundFrame) error
	Frames() <-chan relay.InboundFrame
	Run(ctx context.Context) error
}

// Mux presents several adapters as one relay.Gateway.
type Mux struct {
	adapters map[string]Adapter
	frames   chan relay.InboundFrame
	log      *slog.Logger
}

var _ relay.Gateway = (*Mux)(nil)

// NewMux registers adapters by platform. A later adapter for the same platform wins.
func NewMux(adapters ...Adapter) *Mux {
	m := &Mux{
		adapters: make(map[string]Adapter, len(adapters)),
		frames:   make(chan relay.InboundFrame, 256),
		log:      slog.Default().With(slog.String("component", "chat")),
	}
	for _, a := range adapters {
		m.adapters[a.Platform()] = a
	}
	return m
}

// Platforms lists registered platform names, sorted.
func (m *Mux) Platforms() []string {
	out := make([]string, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Send routes f to its platform's adapter.
func (m *Mux) Send(ctx context.Context, f relay.OutboundFrame) error {
	a, ok := m.adapters[f.Platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, f.Platform)
	}
	return a.Send(ctx, f)
}

func (m *Mux) Frames() <-chan relay.InboundFrame { return m.frames }

// Connected reports whether every adapter that tracks its connection is connected.
func (m *Mux) Connected() bool {
	for _, a := range m.adapters {
		if c, ok := a.(interface{ Connected() bool }); ok && !c.Connected() {
			return false
		}
	}
	return len(m.adapters) > 0
}

// Run runs every adapter and forwards their frames until ctx is cancelled. An adapter that
// fails is logged and does not stop the others.
func (m *Mux) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range m.adapters {
		g.Go(func() error {
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("chat adapter stopped", slog.String("platform", a.Platform()), slog.Any("err", err))
			}
			return nil
		})
		g.Go(func() error {
			src := a.Frames()
			for {
				select {
				case <-ctx.Done():
					return nil
				case f, ok := <-src:
					if !ok {
						return nil
					}
					select {
					case m.frames <- f:
					case <-ctx.Done():
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}
