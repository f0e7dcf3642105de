// Package session holds the explicit per-conference state shared by the relay, the broadcast
// controller and the HTTP server: meeting identity, the operator's backend user id, the
// processed id set and the current broadcast pointer. Persistence happens only through
// Load, Save and the pointer setters.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/stream-relay/dedup"
	"github.com/onnwee/stream-relay/kv"
)

// Keys for the current broadcast pointer.
const (
	KeyStreamID     = "current_stream_id"
	KeyStreamStatus = "current_stream_status"
)

// State is owned by one conference session.
type State struct {
	MeetingID     string
	BackendUserID string
	Processed     *dedup.Store

	store kv.Store

	mu           sync.RWMutex
	streamID     string
	streamStatus string
}

// New builds session state over store. capacity bounds the processed id set.
func New(meetingID, backendUserID string, store kv.Store, capacity int) *State {
	return &State{
		MeetingID:     meetingID,
		BackendUserID: backendUserID,
		Processed:     dedup.New(store, dedup.WithCapacity(capacity)),
		store:         store,
	}
}

// Store exposes the backing kv store for components that persist their own keys.
func (s *State) Store() kv.Store { return s.store }

// Load restores the processed id set and the current broadcast pointer.
func (s *State) Load(ctx context.Context) error {
	if err := s.Processed.Load(ctx); err != nil {
		return err
	}
	id, _, err := s.store.Get(ctx, KeyStreamID)
	if err != nil {
		return fmt.Errorf("load %s: %w", KeyStreamID, err)
	}
	status, _, err := s.store.Get(ctx, KeyStreamStatus)
	if err != nil {
		return fmt.Errorf("load %s: %w", KeyStreamStatus, err)
	}
	s.mu.Lock()
	s.streamID, s.streamStatus = id, status
	s.mu.Unlock()
	return nil
}

// Save flushes the processed id set. The pointer is written through on every change.
func (s *State) Save(ctx context.Context) error {
	return s.Processed.Save(ctx)
}

// CurrentStream returns the current broadcast id and its last observed status.
func (s *State) CurrentStream() (id, status string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID, s.streamStatus
}

// SetCurrentStream records id as the current broadcast and persists it. The in-memory
// pointer is updated even when the store fails so a started job can still be stopped.
func (s *State) SetCurrentStream(ctx context.Context, id, status string) error {
	if id == "" {
		return errors.New("empty stream id")
	}
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
	if err := s.store.Set(ctx, KeyStreamID, id); err != nil {
		return fmt.Errorf("persist %s: %w", KeyStreamID, err)
	}
	return s.SetStreamStatus(ctx, status)
}

// SetStreamStatus records the last observed remote status of the current broadcast.
func (s *State) SetStreamStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	same := s.streamStatus == status
	s.streamStatus = status
	s.mu.Unlock()
	if same {
		return nil
	}
	if status == "" {
		return s.store.Delete(ctx, KeyStreamStatus)
	}
	if err := s.store.Set(ctx, KeyStreamStatus, status); err != nil {
		return fmt.Errorf("persist %s: %w", KeyStreamStatus, err)
	}
	return nil
}

// ClearCurrentStream removes the pointer and its status. In-memory state is cleared even
// when the store fails so the session never acts on a job it was told to forget.
func (s *State) ClearCurrentStream(ctx context.Context) error {
	s.mu.Lock()
	s.streamID, s.streamStatus = "", ""
	s.mu.Unlock()
	return errors.Join(s.store.Delete(ctx, KeyStreamID), s.store.Delete(ctx, KeyStreamStatus))
}
