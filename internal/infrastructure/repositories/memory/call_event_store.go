package memory

import (
	"context"
	"sync"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
)

// MemoryCallEventStore keeps call event streams in process memory. It is the
// single-node fallback when Redis is not configured; streams do not survive a
// restart.
type MemoryCallEventStore struct {
	mu      sync.Mutex
	streams map[domain.ChannelID]*stream
}

type stream struct {
	events []domain.CallEvent
	expiry *time.Timer
}

func NewMemoryCallEventStore() *MemoryCallEventStore {
	return &MemoryCallEventStore{
		streams: make(map[domain.ChannelID]*stream),
	}
}

func (s *MemoryCallEventStore) Append(_ context.Context, channel domain.ChannelID, ev domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[channel]
	if !ok {
		st = &stream{}
		s.streams[channel] = st
	}
	st.events = append(st.events, ev)
	return nil
}

func (s *MemoryCallEventStore) Events(_ context.Context, channel domain.ChannelID) ([]domain.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[channel]
	if !ok {
		return []domain.CallEvent{}, nil
	}
	out := make([]domain.CallEvent, len(st.events))
	copy(out, st.events)
	return out, nil
}

func (s *MemoryCallEventStore) Clear(_ context.Context, channel domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(channel)
	return nil
}

func (s *MemoryCallEventStore) SetTTL(_ context.Context, channel domain.ChannelID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[channel]
	if !ok {
		return nil
	}
	if st.expiry != nil {
		st.expiry.Stop()
	}
	st.expiry = time.AfterFunc(ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// The timer may have been replaced or cancelled while it fired.
		if cur, ok := s.streams[channel]; ok && cur == st {
			s.deleteLocked(channel)
		}
	})
	return nil
}

func (s *MemoryCallEventStore) ClearTTL(_ context.Context, channel domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[channel]; ok && st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	return nil
}

func (s *MemoryCallEventStore) deleteLocked(channel domain.ChannelID) {
	if st, ok := s.streams[channel]; ok {
		if st.expiry != nil {
			st.expiry.Stop()
		}
		delete(s.streams, channel)
	}
}

var _ ports.CallEventStore = (*MemoryCallEventStore)(nil)
