package relay

import (
	"context"
	"sync"
)

type fakeConference struct {
	mu         sync.Mutex
	history    []ChatMessage
	sends      []string
	historyErr error
	sendErr    error
	calls      int
}

func (f *fakeConference) History(context.Context) ([]ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]ChatMessage, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeConference) SendPublicMessage(_ context.Context, md string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, md)
	return f.sendErr
}

func (f *fakeConference) append(m ChatMessage) {
	f.mu.Lock()
	f.history = append(f.history, m)
	f.mu.Unlock()
}

func (f *fakeConference) historyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConference) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type fakeGateway struct {
	mu     sync.Mutex
	frames chan InboundFrame
	out    []OutboundFrame
	err    error
}

func newFakeGateway() *fakeGateway { return &fakeGateway{frames: make(chan InboundFrame, 16)} }

func (g *fakeGateway) Send(_ context.Context, f OutboundFrame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out = append(g.out, f)
	return g.err
}

func (g *fakeGateway) Frames() <-chan InboundFrame { return g.frames }

func (g *fakeGateway) sent() []OutboundFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OutboundFrame(nil), g.out...)
}
