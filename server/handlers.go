// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/kv"
	"github.com/onnwee/stream-relay/relay"
	"github.com/onnwee/stream-relay/session"
	"github.com/onnwee/stream-relay/youtubeapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// BroadcastControl is the part of the broadcast controller the HTTP API drives.
type BroadcastControl interface {
	LoadStreamData(ctx context.Context, meetingID string) error
	Select(endpointID string) error
	StartSelected(ctx context.Context) (broadcast.Job, error)
	Stop(ctx context.Context) (string, error)
	Status() broadcast.Status
}

// RelayStats reports relay counters.
type RelayStats interface {
	Stats() relay.Stats
}

// Connector reports whether the chat gateway is connected.
type Connector interface {
	Connected() bool
}

// Deps are the components behind the routes. Store and State are required; a nil Relay,
// Broadcast, Gateway or YouTube disables the routes that need it.
type Deps struct {
	Store     kv.Store
	State     *session.State
	Relay     RelayStats
	Broadcast BroadcastControl
	Gateway   Connector
	YouTube   *youtubeapi.Service
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	if len(h.stateStore) >= maxOAuthStates {
		return false
	}

	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was present and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
