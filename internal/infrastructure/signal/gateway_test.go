package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeParticipant struct {
	id      domain.UserID
	channel domain.ChannelID
	events  chan domain.Event
}

func newFakeParticipant(id domain.UserID, ch domain.ChannelID) *fakeParticipant {
	return &fakeParticipant{id: id, channel: ch, events: make(chan domain.Event, 16)}
}

func (f *fakeParticipant) UserID() domain.UserID         { return f.id }
func (f *fakeParticipant) Channel() domain.ChannelID     { return f.channel }
func (f *fakeParticipant) SessionID() domain.SessionID   { return "sess-1" }
func (f *fakeParticipant) State() domain.ConnectionState { return domain.StateConnected }
func (f *fakeParticipant) Events() <-chan domain.Event   { return f.events }

type fakeVoice struct {
	mu           sync.Mutex
	participants map[domain.ChannelID]*fakeParticipant
	leaves       []domain.ChannelID
	answers      []string
	candidates   []string
	mutes        []bool
	stats        []domain.VoiceStats
	joinErr      error
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{participants: make(map[domain.ChannelID]*fakeParticipant)}
}

func (f *fakeVoice) Join(_ context.Context, ch domain.ChannelID, user domain.User) (ports.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	p := newFakeParticipant(user.ID, ch)
	f.participants[ch] = p
	return p, nil
}

func (f *fakeVoice) Leave(_ context.Context, ch domain.ChannelID, _ domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, ch)
	return nil
}

func (f *fakeVoice) HandleAnswer(_ context.Context, _ domain.ChannelID, _ domain.UserID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeVoice) HandleIceCandidate(_ context.Context, _ domain.ChannelID, _ domain.UserID, cand string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeVoice) SetMuted(_ context.Context, _ domain.ChannelID, _ domain.UserID, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, muted)
	return nil
}

func (f *fakeVoice) BroadcastStats(_ context.Context, _ domain.ChannelID, _ domain.UserID, s domain.VoiceStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, s)
	return nil
}

func (f *fakeVoice) Participants(domain.ChannelID) ([]domain.ParticipantInfo, error) {
	return nil, nil
}

func (f *fakeVoice) participant(ch domain.ChannelID) *fakeParticipant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[ch]
}

func (f *fakeVoice) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leaves)
}

type fakeCalls struct {
	mu        sync.Mutex
	connected []domain.ChannelID
	left      []domain.ChannelID
}

func (f *fakeCalls) StartCall(context.Context, domain.ChannelID, domain.User, []domain.UserID) (domain.CallState, error) {
	return domain.CallState{}, nil
}
func (f *fakeCalls) DeclineCall(context.Context, domain.ChannelID, domain.UserID) (domain.CallState, error) {
	return domain.CallState{}, nil
}
func (f *fakeCalls) LeaveCall(context.Context, domain.ChannelID, domain.UserID) (domain.CallState, error) {
	return domain.CallState{}, nil
}
func (f *fakeCalls) EndCall(context.Context, domain.ChannelID, domain.UserID) (domain.CallState, error) {
	return domain.CallState{}, nil
}
func (f *fakeCalls) CallState(context.Context, domain.ChannelID) (domain.CallState, bool, error) {
	return domain.CallState{}, false, nil
}

func (f *fakeCalls) ParticipantConnected(_ context.Context, ch domain.ChannelID, _ domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, ch)
	return nil
}

func (f *fakeCalls) ParticipantLeft(_ context.Context, ch domain.ChannelID, _ domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, ch)
	return nil
}

func (f *fakeCalls) connectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected)
}

func (f *fakeCalls) leftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.left)
}

type gatewayFixture struct {
	gw    *Gateway
	voice *fakeVoice
	calls *fakeCalls
	auth  services.AuthService
	srv   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		voice: newFakeVoice(),
		calls: &fakeCalls{},
		auth:  services.NewAuthService("test-secret", time.Hour),
	}
	f.gw = NewGateway(GatewayConfig{
		PingInterval: 10 * time.Second,
		PongTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, f.voice, f.calls, f.auth, zap.NewNop().Sugar())

	f.srv = httptest.NewServer(http.HandlerFunc(f.gw.HandleWebSocket))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *gatewayFixture) dial(t *testing.T, user domain.User) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(user)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, Payload: raw}))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDisconnectReleasesReaderGoroutine(t *testing.T) {
	f := newGatewayFixture(t)
	baseline := runtime.NumGoroutine()

	// Flood each connection so the message buffer has a backlog when the
	// socket drops, then make sure no reader stays parked on it.
	for i := 0; i < 5; i++ {
		conn := f.dial(t, domain.User{ID: "alice"})
		for j := 0; j < 40; j++ {
			send(t, conn, "voice_stats", statsPayload{ChannelID: "chan-1"})
		}
		conn.Close()
		require.Eventually(t, func() bool {
			return f.gw.ConnectedUsers() == 0
		}, 2*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejectsMissingAndInvalidTokens(t *testing.T) {
	f := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinDeliversRoomEvents(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice", Username: "alice"})

	send(t, conn, "voice_join", joinPayload{ChannelID: "chan-1"})

	require.Eventually(t, func() bool {
		return f.voice.participant("chan-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	p := f.voice.participant("chan-1")
	p.events <- domain.OfferEvent{Channel: "chan-1", SDP: "v=0\r\n"}

	msg := read(t, conn)
	assert.Equal(t, "voice_offer", msg.Type)
	var offer offerOut
	require.NoError(t, json.Unmarshal(msg.Payload, &offer))
	assert.Equal(t, domain.ChannelID("chan-1"), offer.ChannelID)
	assert.Equal(t, "v=0\r\n", offer.SDP)
}

func TestConnectedStateAnswersCall(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "bob"})

	send(t, conn, "voice_join", joinPayload{ChannelID: "dm-1"})
	require.Eventually(t, func() bool {
		return f.voice.participant("dm-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	f.voice.participant("dm-1").events <- domain.StateChangedEvent{Channel: "dm-1", State: domain.StateConnected}

	require.Eventually(t, func() bool {
		return f.calls.connectedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := read(t, conn)
	assert.Equal(t, "voice_connection_state", msg.Type)
}

func TestSignalingMessagesReachVoiceService(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})

	send(t, conn, "voice_answer", answerPayload{ChannelID: "chan-1", SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"})
	send(t, conn, "voice_ice_candidate", candidatePayload{ChannelID: "chan-1", Candidate: "candidate:1"})
	send(t, conn, "voice_mute", mutePayload{ChannelID: "chan-1"})

	require.Eventually(t, func() bool {
		f.voice.mu.Lock()
		defer f.voice.mu.Unlock()
		return len(f.voice.answers) == 1 && len(f.voice.candidates) == 1 && len(f.voice.mutes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.voice.mu.Lock()
	defer f.voice.mu.Unlock()
	assert.True(t, strings.HasPrefix(f.voice.answers[0], "v=0"))
	assert.Equal(t, "candidate:1", f.voice.candidates[0])
	assert.True(t, f.voice.mutes[0])
}

func TestMuteAndUnmuteMessages(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})

	// A bare voice_mute means mute; an explicit muted flag is honored too.
	send(t, conn, "voice_mute", mutePayload{ChannelID: "chan-1"})
	send(t, conn, "voice_unmute", mutePayload{ChannelID: "chan-1"})
	explicit := true
	send(t, conn, "voice_mute", mutePayload{ChannelID: "chan-1", Muted: &explicit})

	require.Eventually(t, func() bool {
		f.voice.mu.Lock()
		defer f.voice.mu.Unlock()
		return len(f.voice.mutes) == 3
	}, 2*time.Second, 10*time.Millisecond)

	f.voice.mu.Lock()
	defer f.voice.mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, f.voice.mutes)
}

func TestMalformedMessagesGetErrorReplies(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})

	send(t, conn, "no_such_type", struct{}{})
	msg := read(t, conn)
	assert.Equal(t, "voice_error", msg.Type)
	var e errorOut
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	assert.Equal(t, "INVALID_PAYLOAD", e.Code)

	send(t, conn, "voice_answer", answerPayload{ChannelID: "chan-1", SDP: "not sdp"})
	msg = read(t, conn)
	assert.Equal(t, "voice_error", msg.Type)
}

func TestExplicitLeaveNotifiesCallManager(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})

	send(t, conn, "voice_join", joinPayload{ChannelID: "dm-1"})
	require.Eventually(t, func() bool {
		return f.voice.participant("dm-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, "voice_leave", leavePayload{ChannelID: "dm-1"})

	require.Eventually(t, func() bool {
		return f.voice.leaveCount() == 1 && f.calls.leftCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Leaving a room never joined is a no-op, not an error.
	send(t, conn, "voice_leave", leavePayload{ChannelID: "never-joined"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.voice.leaveCount())
}

func TestQueueCloseRegistersDeparture(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})
	_ = conn

	send(t, conn, "voice_join", joinPayload{ChannelID: "dm-1"})
	require.Eventually(t, func() bool {
		return f.voice.participant("dm-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	// The voice layer tearing the participant down closes its queue; the
	// gateway must report the departure to the call manager.
	close(f.voice.participant("dm-1").events)

	require.Eventually(t, func() bool {
		return f.calls.leftCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "alice"})

	send(t, conn, "voice_join", joinPayload{ChannelID: "chan-1"})
	require.Eventually(t, func() bool {
		return f.voice.participant("chan-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return f.voice.leaveCount() == 1 && f.calls.leftCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyReachesConnectedUser(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, domain.User{ID: "bob"})

	require.Eventually(t, func() bool {
		return f.gw.ConnectedUsers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.gw.Notify("bob", domain.IncomingCallEvent{Channel: "dm-1", Initiator: "alice", InitiatorName: "alice"})

	msg := read(t, conn)
	assert.Equal(t, "incoming_call", msg.Type)
	var ring incomingCallOut
	require.NoError(t, json.Unmarshal(msg.Payload, &ring))
	assert.Equal(t, domain.UserID("alice"), ring.Initiator)

	// Notifying an offline user is a silent no-op.
	f.gw.Notify("nobody", domain.CallStartedEvent{Channel: "dm-1"})
}

func TestSecondLoginReplacesFirst(t *testing.T) {
	f := newGatewayFixture(t)
	first := f.dial(t, domain.User{ID: "alice"})

	send(t, first, "voice_join", joinPayload{ChannelID: "chan-1"})
	require.Eventually(t, func() bool {
		return f.voice.participant("chan-1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	second := f.dial(t, domain.User{ID: "alice"})
	_ = second

	// The first connection's rooms are left and its socket dies.
	require.Eventually(t, func() bool {
		return f.voice.leaveCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, 1, f.gw.ConnectedUsers())
}
