package webrtc

import (
	"testing"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(config.DefaultConfig())
	require.NoError(t, err)
	return e
}

func testPeer(t *testing.T, queueSize int) *Peer {
	t.Helper()
	pc, err := testEngine(t).NewPeerConnection()
	require.NoError(t, err)
	p := newPeer(pc, "chan-1", domain.User{ID: "alice", Username: "alice"}, "sess-1", queueSize, time.Second, zap.NewNop().Sugar())
	t.Cleanup(p.Close)
	return p
}

// collectEvents drains the queue until an event of the wanted type shows up
// or the timeout hits.
func collectEvents(t *testing.T, p *Peer, wantType string) []domain.Event {
	t.Helper()
	var got []domain.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			require.True(t, ok, "event queue closed before %q arrived", wantType)
			got = append(got, ev)
			if ev.EventType() == wantType {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %d events", wantType, len(got))
		}
	}
}

func TestSendOfferAdvancesStateMachine(t *testing.T) {
	p := testPeer(t, 16)
	assert.Equal(t, domain.StateIdle, p.State())

	require.NoError(t, p.sendOffer())
	assert.Equal(t, domain.StateAwaitingAnswer, p.State())

	events := collectEvents(t, p, "voice_offer")
	offer, ok := events[len(events)-1].(domain.OfferEvent)
	require.True(t, ok)
	assert.NotEmpty(t, offer.SDP)
	assert.Equal(t, domain.ChannelID("chan-1"), offer.Channel)
}

func TestSendOfferTwiceIsOutOfOrder(t *testing.T) {
	p := testPeer(t, 16)
	require.NoError(t, p.sendOffer())
	assert.ErrorIs(t, p.sendOffer(), domain.ErrSignalingOutOfOrder)
}

func TestApplyAnswerBeforeOfferIsOutOfOrder(t *testing.T) {
	p := testPeer(t, 16)
	assert.ErrorIs(t, p.ApplyAnswer("v=0"), domain.ErrSignalingOutOfOrder)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	p := testPeer(t, 16)
	require.NoError(t, p.sendOffer())

	require.NoError(t, p.AddRemoteCandidate("candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"))
	require.NoError(t, p.AddRemoteCandidate("candidate:2 1 udp 2130706431 10.0.0.2 50001 typ host"))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.pendingCandidates, 2)
	assert.Contains(t, p.pendingCandidates[0], "10.0.0.1")
	assert.Contains(t, p.pendingCandidates[1], "10.0.0.2")
}

func TestConnectedRequiresAnswerAndICE(t *testing.T) {
	p := testPeer(t, 16)
	require.NoError(t, p.sendOffer())

	// ICE reaching connected first must not flip the state on its own.
	p.onICEConnected()
	assert.Equal(t, domain.StateAwaitingAnswer, p.State())

	p.mu.Lock()
	p.answerApplied = true
	p.mu.Unlock()
	p.onICEConnected()
	assert.Equal(t, domain.StateConnected, p.State())

	events := collectEvents(t, p, "voice_connection_state")
	change := events[len(events)-1].(domain.StateChangedEvent)
	assert.Equal(t, domain.StateConnected, change.State)
}

func TestQueueOverflowFailsPeer(t *testing.T) {
	p := testPeer(t, 1)

	p.enqueue(domain.UserLeftEvent{Channel: "chan-1", UserID: "x"})
	p.enqueue(domain.UserLeftEvent{Channel: "chan-1", UserID: "y"})

	require.Eventually(t, func() bool {
		return p.State() == domain.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	// The queue must be closed so the transport stops draining.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-p.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	p := testPeer(t, 16)
	p.Close()
	p.Close()
	assert.Equal(t, domain.StateClosed, p.State())

	// Terminal peers reject further signaling.
	assert.ErrorIs(t, p.AddRemoteCandidate("candidate:1"), domain.ErrConnectionClosed)

	// Enqueue after close must not panic or deliver.
	p.enqueue(domain.UserLeftEvent{Channel: "chan-1", UserID: "x"})
	_, ok := <-p.Events()
	assert.False(t, ok)
}

func TestFailureAfterCloseIsIgnored(t *testing.T) {
	p := testPeer(t, 16)
	p.Close()
	p.fail("late ice callback")
	assert.Equal(t, domain.StateClosed, p.State())
}

func TestMuteFlagRoundTrip(t *testing.T) {
	p := testPeer(t, 16)
	assert.False(t, p.Muted())
	p.SetMuted(true)
	assert.True(t, p.Muted())
	p.SetMuted(false)
	assert.False(t, p.Muted())
}
