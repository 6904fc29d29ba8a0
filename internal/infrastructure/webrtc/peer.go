package webrtc

import (
	"sync"
	"sync/atomic"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Peer owns one participant's server-side peer connection and its typed
// outbound event queue. The queue replaces transport callbacks: the voice
// layer enqueues, the gateway drains. A queue overflow means the consumer
// stopped draining, so the peer is failed rather than blocked on.
type Peer struct {
	user    domain.User
	channel domain.ChannelID
	session domain.SessionID

	pc    *webrtc.PeerConnection
	state atomic.Int32
	muted atomic.Bool

	mu                 sync.Mutex
	events             chan domain.Event
	closed             bool
	remoteSet          bool
	answerApplied      bool
	iceConnected       bool
	offerOutstanding   bool
	renegotiatePending bool
	pendingCandidates  []string

	statsLimiter *rate.Limiter
	joinedAt     time.Time

	// onFailure is invoked once, off the caller's goroutine, when the
	// transport fails so the registry can evict the peer.
	onFailure func(*Peer)
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

func newPeer(pc *webrtc.PeerConnection, channel domain.ChannelID, user domain.User, session domain.SessionID, queueSize int, statsInterval time.Duration, logger *zap.SugaredLogger) *Peer {
	p := &Peer{
		user:         user,
		channel:      channel,
		session:      session,
		pc:           pc,
		events:       make(chan domain.Event, queueSize),
		statsLimiter: rate.NewLimiter(rate.Every(statsInterval), 1),
		joinedAt:     time.Now(),
		logger:       logger.With("channel_id", channel, "user_id", user.ID, "session_id", session),
	}
	p.state.Store(int32(domain.StateIdle))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.enqueue(domain.IceCandidateEvent{Channel: channel, Candidate: c.ToJSON().Candidate})
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.logger.Debugw("ice connection state changed", "ice_state", s.String())
		switch s {
		case webrtc.ICEConnectionStateConnected:
			p.onICEConnected()
		case webrtc.ICEConnectionStateFailed:
			p.fail("ice connection failed")
		case webrtc.ICEConnectionStateDisconnected:
			// Often transient; pion retries. Failure is terminal, this is not.
			p.logger.Warnw("ice connection disconnected")
		}
	})

	return p
}

func (p *Peer) UserID() domain.UserID       { return p.user.ID }
func (p *Peer) User() domain.User           { return p.user }
func (p *Peer) Channel() domain.ChannelID   { return p.channel }
func (p *Peer) SessionID() domain.SessionID { return p.session }
func (p *Peer) Events() <-chan domain.Event { return p.events }
func (p *Peer) Muted() bool                 { return p.muted.Load() }
func (p *Peer) JoinedAt() time.Time         { return p.joinedAt }

func (p *Peer) State() domain.ConnectionState {
	return domain.ConnectionState(p.state.Load())
}

// SetMuted flips the mute flag read by the forwarding loop. Media keeps
// flowing from the client; it is dropped at the source edge here.
func (p *Peer) SetMuted(muted bool) { p.muted.Store(muted) }

// AllowStats rate-limits quality reports from this participant.
func (p *Peer) AllowStats() bool { return p.statsLimiter.Allow() }

func (p *Peer) info() domain.ParticipantInfo {
	return domain.ParticipantInfo{
		UserID:      p.user.ID,
		Username:    p.user.Username,
		DisplayName: p.user.DisplayName,
		Muted:       p.muted.Load(),
		State:       p.State().String(),
		JoinedAt:    p.joinedAt,
	}
}

// enqueue delivers an event to the outbound queue without blocking. On
// overflow the peer is torn down; a stalled consumer must not stall a room.
func (p *Peer) enqueue(ev domain.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.events <- ev:
		p.mu.Unlock()
		return
	default:
	}
	p.mu.Unlock()

	p.logger.Warnw("event queue overflow, failing peer", "event_type", ev.EventType())
	go p.fail("event queue overflow")
}

// sendOffer creates the initial offer and advances the state machine
// through Offering into AwaitingAnswer.
func (p *Peer) sendOffer() error {
	if !p.transition(domain.StateIdle, domain.StateOffering) {
		return domain.ErrSignalingOutOfOrder
	}

	p.mu.Lock()
	p.offerOutstanding = true
	p.mu.Unlock()

	if err := p.createAndEnqueueOffer(); err != nil {
		p.fail("offer creation failed")
		return err
	}

	p.transition(domain.StateOffering, domain.StateAwaitingAnswer)
	return nil
}

func (p *Peer) createAndEnqueueOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	p.enqueue(domain.OfferEvent{Channel: p.channel, SDP: offer.SDP})
	return nil
}

// ApplyAnswer applies the client's answer and flushes candidates buffered
// before the remote description existed, in arrival order. Valid while
// awaiting the initial answer or while connected (renegotiation).
func (p *Peer) ApplyAnswer(sdp string) error {
	switch p.State() {
	case domain.StateAwaitingAnswer, domain.StateConnected:
	default:
		return domain.ErrSignalingOutOfOrder
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteSet = true
	p.answerApplied = true
	p.offerOutstanding = false
	buffered := p.pendingCandidates
	p.pendingCandidates = nil
	renegotiate := p.renegotiatePending
	p.renegotiatePending = false
	iceUp := p.iceConnected
	p.mu.Unlock()

	for _, c := range buffered {
		if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			p.logger.Warnw("failed to apply buffered ice candidate", "error", err)
		}
	}

	if iceUp {
		p.becomeConnected()
	}
	if renegotiate {
		return p.renegotiate()
	}
	return nil
}

// AddRemoteCandidate applies a trickle candidate, buffering it if the
// remote description has not been applied yet.
func (p *Peer) AddRemoteCandidate(candidate string) error {
	if p.State().Terminal() {
		return domain.ErrConnectionClosed
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// addOutboundTrack attaches another participant's audio to this peer and
// schedules renegotiation if the initial exchange already happened. The
// sender's RTCP stream is drained so interceptors keep running; receiver
// reports on it describe how well this subscriber is hearing the source.
func (p *Peer) addOutboundTrack(source domain.UserID, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, "audio-"+string(source), string(source))
	if err != nil {
		return nil, err
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	go p.drainSenderRTCP(source, sender)

	return track, nil
}

// drainSenderRTCP reads subscriber feedback for one outbound track until the
// sender is stopped. Degraded receiver reports are logged but never fail the
// edge; audio quality is the client's problem to adapt to, not a reason to
// evict anyone.
func (p *Peer) drainSenderRTCP(source domain.UserID, sender *webrtc.RTPSender) {
	buf := optimize.MTUPool.Get()
	defer optimize.MTUPool.Put(buf)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				// FractionLost is loss/256 over the last reporting interval.
				// Anything above ~5% on an Opus stream is audible.
				if report.FractionLost <= 12 {
					continue
				}
				p.logger.Debugw("subscriber reporting degraded audio",
					"source_user_id", source,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}
		}
	}
}

// renegotiate sends a fresh offer after tracks changed. If an offer is
// already in flight it is coalesced into the next answer.
func (p *Peer) renegotiate() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if p.offerOutstanding {
		p.renegotiatePending = true
		p.mu.Unlock()
		return nil
	}
	p.offerOutstanding = true
	p.mu.Unlock()

	return p.createAndEnqueueOffer()
}

func (p *Peer) onICEConnected() {
	p.mu.Lock()
	p.iceConnected = true
	ready := p.answerApplied
	p.mu.Unlock()
	if ready {
		p.becomeConnected()
	}
}

func (p *Peer) becomeConnected() {
	if p.transition(domain.StateAwaitingAnswer, domain.StateConnected) {
		p.enqueue(domain.StateChangedEvent{Channel: p.channel, State: domain.StateConnected})
	}
}

func (p *Peer) transition(from, to domain.ConnectionState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// fail marks the peer Failed, notifies the client best-effort, and tears
// the connection down. Safe to call from pion callbacks.
func (p *Peer) fail(reason string) {
	cur := p.State()
	if cur.Terminal() {
		return
	}
	if !p.state.CompareAndSwap(int32(cur), int32(domain.StateFailed)) {
		return
	}
	p.logger.Warnw("peer failed", "reason", reason)
	p.enqueue(domain.ErrorEvent{Channel: p.channel, Code: "TRANSPORT_FAILURE", Message: reason})
	p.enqueue(domain.StateChangedEvent{Channel: p.channel, State: domain.StateFailed})

	onFailure := p.onFailure
	p.shutdown()
	if onFailure != nil {
		go onFailure(p)
	}
}

// Close transitions to Closed and releases the connection. Idempotent.
func (p *Peer) Close() {
	cur := p.State()
	if !cur.Terminal() {
		p.state.Store(int32(domain.StateClosed))
	}
	p.shutdown()
}

func (p *Peer) shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()

		if err := p.pc.Close(); err != nil {
			p.logger.Debugw("peer connection close", "error", err)
		}
	})
}
