package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config bounds the registry's rooms and peers.
type Config struct {
	MaxParticipants int
	EventQueueSize  int
	JoinsPerSecond  float64
	JoinBurst       int
	StatsInterval   time.Duration
}

// Registry is the room registry: the single authority on which users are in
// which voice channels. It owns room lifecycle (created on first join,
// destroyed on last leave), enforces capacity and join rate limits, and
// wires each peer's media into the room's router.
//
// Lock order is registry.mu then room.mu; nothing ever takes them the other
// way around.
type Registry struct {
	cfg     Config
	engine  *Engine
	metrics Metrics
	logger  *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*Room

	limiterMu    sync.Mutex
	joinLimiters map[domain.UserID]*rate.Limiter
}

// NewRegistry creates an empty room registry.
func NewRegistry(cfg Config, engine *Engine, metrics Metrics, logger *zap.SugaredLogger) *Registry {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Registry{
		cfg:          cfg,
		engine:       engine,
		metrics:      metrics,
		logger:       logger,
		rooms:        make(map[domain.ChannelID]*Room),
		joinLimiters: make(map[domain.UserID]*rate.Limiter),
	}
}

// Join adds a user to a channel's room, creating the room if needed. A user
// already present is torn down first and replaced; the new session wins. The
// returned participant's queue already carries the room snapshot and will
// receive the SDP offer.
func (reg *Registry) Join(ctx context.Context, channel domain.ChannelID, user domain.User) (ports.Participant, error) {
	if !reg.joinLimiter(user.ID).Allow() {
		return nil, fmt.Errorf("join rate exceeded for user %s: %w", user.ID, domain.ErrRateLimited)
	}

	var room *Room
	for {
		reg.mu.Lock()
		r, ok := reg.rooms[channel]
		if !ok {
			r = newRoom(channel, newRouter(reg.metrics, reg.logger))
			reg.rooms[channel] = r
			reg.metrics.RoomOpened()
			reg.logger.Infow("room opened", "channel_id", channel)
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			room = r
			break
		}
		// Lost a race with room teardown; the map entry is gone, retry.
		r.mu.Unlock()
	}
	// room.mu is held from here until the peer is registered.

	old := room.peers[user.ID]
	if old != nil {
		delete(room.peers, user.ID)
		delete(room.sources, user.ID)
		room.router.RemoveUser(user.ID)
	}

	if len(room.peers) >= reg.cfg.MaxParticipants {
		room.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return nil, fmt.Errorf("channel %s at capacity (%d): %w", channel, reg.cfg.MaxParticipants, domain.ErrRoomFull)
	}

	pc, err := reg.engine.NewPeerConnection()
	if err != nil {
		room.mu.Unlock()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := newPeer(pc, channel, user, domain.SessionID(utils.NewSessionID()), reg.cfg.EventQueueSize, reg.cfg.StatsInterval, reg.logger)
	peer.onFailure = func(p *Peer) { reg.evictFailed(channel, room, p) }
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		reg.handleTrack(room, peer, track)
	})

	// Subscribe the new peer to everyone already producing audio so the
	// initial offer carries their tracks.
	for src, codec := range room.sources {
		t, err := peer.addOutboundTrack(src, codec)
		if err != nil {
			reg.logger.Warnw("failed to subscribe joiner to source",
				"channel_id", channel, "user_id", user.ID, "source", src, "error", err)
			continue
		}
		room.router.AddEdge(src, peer, t)
	}

	room.peers[user.ID] = peer
	room.mu.Unlock()

	if old != nil {
		old.Close()
	}

	peer.enqueue(domain.RoomStateEvent{Channel: channel, Participants: room.snapshot()})
	if err := peer.sendOffer(); err != nil {
		reg.removePeer(channel, room, peer, false)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	room.broadcast(domain.UserJoinedEvent{
		Channel:     channel,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	}, user.ID)

	reg.metrics.ParticipantJoined()
	reg.logger.Infow("participant joined",
		"channel_id", channel, "user_id", user.ID, "session_id", peer.SessionID(), "room_size", room.size())
	return peer, nil
}

// Leave removes a user from a room. Leaving a room you are not in, or a
// channel with no room, is a no-op.
func (reg *Registry) Leave(ctx context.Context, channel domain.ChannelID, user domain.UserID) error {
	room, ok := reg.room(channel)
	if !ok {
		return nil
	}
	peer, ok := room.peer(user)
	if !ok {
		return nil
	}
	reg.removePeer(channel, room, peer, true)
	return nil
}

// HandleAnswer applies a client's SDP answer to its pending offer.
func (reg *Registry) HandleAnswer(ctx context.Context, channel domain.ChannelID, user domain.UserID, sdp string) error {
	peer, err := reg.peer(channel, user)
	if err != nil {
		return err
	}
	return peer.ApplyAnswer(sdp)
}

// HandleIceCandidate applies or buffers a client's trickle candidate.
func (reg *Registry) HandleIceCandidate(ctx context.Context, channel domain.ChannelID, user domain.UserID, candidate string) error {
	peer, err := reg.peer(channel, user)
	if err != nil {
		return err
	}
	return peer.AddRemoteCandidate(candidate)
}

// SetMuted flips a participant's mute flag and tells the room. Idempotent
// repeats are still broadcast; clients treat them as state confirmations.
func (reg *Registry) SetMuted(ctx context.Context, channel domain.ChannelID, user domain.UserID, muted bool) error {
	room, ok := reg.room(channel)
	if !ok {
		return domain.ErrRoomNotFound
	}
	peer, ok := room.peer(user)
	if !ok {
		return domain.ErrNotInRoom
	}
	peer.SetMuted(muted)
	room.broadcast(domain.MuteChangedEvent{Channel: channel, UserID: user, Muted: muted}, user)
	return nil
}

// BroadcastStats validates and relays a participant's connection quality
// report to the rest of the room, rate-limited per sender.
func (reg *Registry) BroadcastStats(ctx context.Context, channel domain.ChannelID, user domain.UserID, stats domain.VoiceStats) error {
	room, ok := reg.room(channel)
	if !ok {
		return domain.ErrRoomNotFound
	}
	peer, ok := room.peer(user)
	if !ok {
		return domain.ErrNotInRoom
	}
	if err := stats.Validate(); err != nil {
		return err
	}
	if !peer.AllowStats() {
		return domain.ErrRateLimited
	}
	room.broadcast(domain.UserStatsEvent{Channel: channel, UserID: user, Stats: stats}, user)
	return nil
}

// Participants returns the room snapshot. A channel with no room is an
// empty room, not an error.
func (reg *Registry) Participants(channel domain.ChannelID) ([]domain.ParticipantInfo, error) {
	room, ok := reg.room(channel)
	if !ok {
		return []domain.ParticipantInfo{}, nil
	}
	return room.snapshot(), nil
}

// CloseRoom tears down a room and every peer in it. Used by the call
// manager when a DM call ends. Closing an absent room is a no-op.
func (reg *Registry) CloseRoom(ctx context.Context, channel domain.ChannelID) error {
	reg.mu.Lock()
	room, ok := reg.rooms[channel]
	if ok {
		delete(reg.rooms, channel)
	}
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	room.closed = true
	room.mu.Unlock()

	peers := room.drain()
	for _, p := range peers {
		room.router.RemoveUser(p.UserID())
		p.Close()
		reg.metrics.ParticipantLeft()
	}
	reg.metrics.RoomClosed()
	reg.logger.Infow("room closed", "channel_id", channel, "evicted", len(peers))
	return nil
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) room(channel domain.ChannelID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[channel]
	return room, ok
}

func (reg *Registry) peer(channel domain.ChannelID, user domain.UserID) (*Peer, error) {
	room, ok := reg.room(channel)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	peer, ok := room.peer(user)
	if !ok {
		return nil, domain.ErrNotInRoom
	}
	return peer, nil
}

// handleTrack runs on pion's OnTrack goroutine when a participant's audio
// arrives. It fans the source out to every other peer, renegotiating them,
// then forwards packets until the track dies.
func (reg *Registry) handleTrack(room *Room, source *Peer, track *webrtc.TrackRemote) {
	codec := track.Codec().RTPCodecCapability
	reg.logger.Infow("inbound track started",
		"channel_id", room.Channel(), "user_id", source.UserID(), "codec", codec.MimeType)

	room.markSource(source.UserID(), codec)

	for _, other := range room.otherPeers(source.UserID()) {
		t, err := other.addOutboundTrack(source.UserID(), codec)
		if err != nil {
			reg.logger.Warnw("failed to attach source to subscriber",
				"channel_id", room.Channel(), "source", source.UserID(),
				"subscriber", other.UserID(), "error", err)
			continue
		}
		room.router.AddEdge(source.UserID(), other, t)
		if err := other.renegotiate(); err != nil {
			reg.logger.Warnw("renegotiation failed",
				"channel_id", room.Channel(), "subscriber", other.UserID(), "error", err)
		}
	}

	room.router.Forward(source, track)
}

// removePeer detaches and closes a peer, announces the departure, and
// destroys the room if it emptied.
func (reg *Registry) removePeer(channel domain.ChannelID, room *Room, peer *Peer, announce bool) {
	if !room.removePeer(peer) {
		return
	}
	room.router.RemoveUser(peer.UserID())
	peer.Close()

	if announce {
		room.broadcast(domain.UserLeftEvent{Channel: channel, UserID: peer.UserID()}, peer.UserID())
	}
	reg.metrics.ParticipantLeft()
	reg.logger.Infow("participant left",
		"channel_id", channel, "user_id", peer.UserID(), "room_size", room.size())

	reg.cleanupIfEmpty(channel, room)
}

// evictFailed is the peer failure hook. The peer is already closed; it only
// needs unlinking and announcing.
func (reg *Registry) evictFailed(channel domain.ChannelID, room *Room, peer *Peer) {
	if !room.removePeer(peer) {
		return
	}
	room.router.RemoveUser(peer.UserID())
	room.broadcast(domain.UserLeftEvent{Channel: channel, UserID: peer.UserID()}, peer.UserID())
	reg.metrics.ParticipantLeft()
	reg.logger.Warnw("participant evicted after transport failure",
		"channel_id", channel, "user_id", peer.UserID())
	reg.cleanupIfEmpty(channel, room)
}

func (reg *Registry) cleanupIfEmpty(channel domain.ChannelID, room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.peers) > 0 || room.closed {
		return
	}
	room.closed = true
	delete(reg.rooms, channel)
	reg.metrics.RoomClosed()
	reg.logger.Infow("empty room destroyed", "channel_id", channel)
}

func (reg *Registry) joinLimiter(user domain.UserID) *rate.Limiter {
	reg.limiterMu.Lock()
	defer reg.limiterMu.Unlock()
	l, ok := reg.joinLimiters[user]
	if !ok {
		l = rate.NewLimiter(rate.Limit(reg.cfg.JoinsPerSecond), reg.cfg.JoinBurst)
		reg.joinLimiters[user] = l
	}
	return l
}

var (
	_ ports.VoiceService = (*Registry)(nil)
	_ ports.RoomCloser   = (*Registry)(nil)
)
