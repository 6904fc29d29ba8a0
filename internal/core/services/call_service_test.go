package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStore struct {
	mu      sync.Mutex
	streams map[domain.ChannelID][]domain.CallEvent
	ttls    map[domain.ChannelID]time.Duration
}

func newStubStore() *stubStore {
	return &stubStore{
		streams: make(map[domain.ChannelID][]domain.CallEvent),
		ttls:    make(map[domain.ChannelID]time.Duration),
	}
}

func (s *stubStore) Append(_ context.Context, ch domain.ChannelID, ev domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[ch] = append(s.streams[ch], ev)
	return nil
}

func (s *stubStore) Events(_ context.Context, ch domain.ChannelID) ([]domain.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CallEvent(nil), s.streams[ch]...), nil
}

func (s *stubStore) Clear(_ context.Context, ch domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, ch)
	delete(s.ttls, ch)
	return nil
}

func (s *stubStore) SetTTL(_ context.Context, ch domain.ChannelID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[ch] = ttl
	return nil
}

func (s *stubStore) ClearTTL(_ context.Context, ch domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ttls, ch)
	return nil
}

type stubNotifier struct {
	mu     sync.Mutex
	byUser map[domain.UserID][]domain.Event
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{byUser: make(map[domain.UserID][]domain.Event)}
}

func (n *stubNotifier) Notify(user domain.UserID, ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byUser[user] = append(n.byUser[user], ev)
}

func (n *stubNotifier) NotifyAll(users []domain.UserID, ev domain.Event) {
	for _, u := range users {
		n.Notify(u, ev)
	}
}

func (n *stubNotifier) last(user domain.UserID) domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.byUser[user]
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func (n *stubNotifier) has(user domain.UserID, eventType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.byUser[user] {
		if ev.EventType() == eventType {
			return true
		}
	}
	return false
}

type stubRoomCloser struct {
	mu     sync.Mutex
	closed []domain.ChannelID
}

func (r *stubRoomCloser) CloseRoom(_ context.Context, ch domain.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, ch)
	return nil
}

func (r *stubRoomCloser) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

type callFixture struct {
	cm       *CallManager
	store    *stubStore
	notifier *stubNotifier
	rooms    *stubRoomCloser
}

func newCallFixture(t *testing.T, ringTimeout time.Duration) *callFixture {
	t.Helper()
	f := &callFixture{
		store:    newStubStore(),
		notifier: newStubNotifier(),
		rooms:    &stubRoomCloser{},
	}
	cfg := CallConfig{
		RingTimeout: ringTimeout,
		EndedTTL:    time.Minute,
		Retry:       retry.Config{MaxAttempts: 1},
	}
	f.cm = NewCallManager(cfg, f.store, f.notifier, f.rooms, nil, zap.NewNop().Sugar())
	t.Cleanup(f.cm.Close)
	return f
}

var (
	alice = domain.User{ID: "alice", Username: "alice"}
	bob   = domain.UserID("bob")
	carol = domain.UserID("carol")
)

func TestStartCallRingsTargets(t *testing.T) {
	f := newCallFixture(t, time.Hour)

	state, err := f.cm.StartCall(context.Background(), "dm-1", alice, []domain.UserID{bob, carol})
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, state.Status)
	assert.Equal(t, alice.ID, state.StartedBy)

	for _, target := range []domain.UserID{bob, carol} {
		ring, ok := f.notifier.last(target).(domain.IncomingCallEvent)
		require.True(t, ok, "target %s should be ringing", target)
		assert.Equal(t, alice.ID, ring.Initiator)
	}
	assert.Nil(t, f.notifier.last(alice.ID), "initiator does not ring itself")
}

func TestStartCallRejectsEmptyTargets(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	_, err := f.cm.StartCall(context.Background(), "dm-1", alice, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidCallEvent)
}

func TestStartCallWhileActiveFails(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)

	_, err = f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	assert.ErrorIs(t, err, domain.ErrCallAlreadyExists)
}

func TestStartCallAfterEndedClearsOldStream(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)
	_, err = f.cm.EndCall(ctx, "dm-1", alice.ID)
	require.NoError(t, err)

	state, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, state.Status)

	events, err := f.store.Events(ctx, "dm-1")
	require.NoError(t, err)
	require.Len(t, events, 1, "old stream must be cleared before restarting")
	assert.Equal(t, domain.CallEventStarted, events[0].Type)
}

func TestCalleeConnectingAnswersCall(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)

	// The initiator connecting to the room does not answer.
	require.NoError(t, f.cm.ParticipantConnected(ctx, "dm-1", alice.ID))
	state, _, err := f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, state.Status)

	require.NoError(t, f.cm.ParticipantConnected(ctx, "dm-1", bob))
	state, ok, err := f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, state.Status)
	assert.Contains(t, state.Participants, alice.ID)
	assert.Contains(t, state.Participants, bob)

	assert.True(t, f.notifier.has(alice.ID, "call_started"))
	assert.True(t, f.notifier.has(bob, "call_started"))
}

func TestRingTimeoutEndsCall(t *testing.T) {
	f := newCallFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok, err := f.cm.CallState(ctx, "dm-1")
		return err == nil && ok && state.Status == domain.CallEnded
	}, 2*time.Second, 10*time.Millisecond)

	state, _, err := f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EndTimeout, state.Reason)
	assert.Equal(t, 1, f.rooms.closedCount())
	assert.True(t, f.notifier.has(bob, "call_ended"))
}

func TestAnswerCancelsRingTimer(t *testing.T) {
	f := newCallFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)
	require.NoError(t, f.cm.ParticipantConnected(ctx, "dm-1", bob))

	time.Sleep(60 * time.Millisecond)

	state, _, err := f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, state.Status, "answered call must not time out")
}

func TestAllTargetsDecliningEndsCall(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob, carol})
	require.NoError(t, err)

	state, err := f.cm.DeclineCall(ctx, "dm-1", bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, state.Status, "one decline of two keeps ringing")

	state, err = f.cm.DeclineCall(ctx, "dm-1", carol)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, state.Status)
	assert.Equal(t, domain.EndAllDeclined, state.Reason)
	assert.Equal(t, 1, f.rooms.closedCount())
	assert.True(t, f.notifier.has(alice.ID, "call_declined"))
	assert.True(t, f.notifier.has(alice.ID, "call_ended"))
}

func TestDeclineByNonTargetRejected(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)

	_, err = f.cm.DeclineCall(ctx, "dm-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrInvalidCallEvent)
}

func TestDeclineWithoutCallFails(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	_, err := f.cm.DeclineCall(context.Background(), "dm-9", bob)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestInitiatorLeavingRingingCallCancels(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)

	state, err := f.cm.LeaveCall(ctx, "dm-1", alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, state.Status)
	assert.Equal(t, domain.EndCancelled, state.Reason)
	assert.True(t, f.notifier.has(bob, "call_ended"))
}

func TestLastParticipantLeavingEndsCall(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)
	require.NoError(t, f.cm.ParticipantConnected(ctx, "dm-1", bob))

	require.NoError(t, f.cm.ParticipantLeft(ctx, "dm-1", bob))
	state, _, err := f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, state.Status)
	assert.True(t, f.notifier.has(alice.ID, "call_participant_left"))

	require.NoError(t, f.cm.ParticipantLeft(ctx, "dm-1", alice.ID))
	state, _, err = f.cm.CallState(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, state.Status)
	assert.Equal(t, domain.EndLastLeft, state.Reason)
}

func TestExplicitEndDuringActiveCall(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.cm.StartCall(ctx, "dm-1", alice, []domain.UserID{bob})
	require.NoError(t, err)
	require.NoError(t, f.cm.ParticipantConnected(ctx, "dm-1", bob))

	state, err := f.cm.EndCall(ctx, "dm-1", bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, state.Status)
	assert.Equal(t, domain.EndExplicit, state.Reason)
	assert.Equal(t, 1, f.rooms.closedCount())
}

func TestParticipantEventsIgnoreChannelsWithoutCalls(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	ctx := context.Background()

	assert.NoError(t, f.cm.ParticipantConnected(ctx, "group-voice", bob))
	assert.NoError(t, f.cm.ParticipantLeft(ctx, "group-voice", bob))
	assert.Equal(t, 0, f.rooms.closedCount())
}

func TestCallStateForUnknownChannel(t *testing.T) {
	f := newCallFixture(t, time.Hour)
	_, ok, err := f.cm.CallState(context.Background(), "dm-9")
	require.NoError(t, err)
	assert.False(t, ok)
}
