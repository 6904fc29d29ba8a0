package webrtc

import (
	"sort"
	"sync"
	"time"

	"voicegate/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Room is one voice channel's live state: its peers, its forwarding router,
// and the set of sources whose inbound audio has arrived. Each room has its
// own lock; operations on one room never serialize another.
type Room struct {
	channel   domain.ChannelID
	router    *Router
	createdAt time.Time

	mu      sync.RWMutex
	closed  bool
	peers   map[domain.UserID]*Peer
	sources map[domain.UserID]webrtc.RTPCodecCapability
}

func newRoom(channel domain.ChannelID, router *Router) *Room {
	return &Room{
		channel:   channel,
		router:    router,
		createdAt: time.Now(),
		peers:     make(map[domain.UserID]*Peer),
		sources:   make(map[domain.UserID]webrtc.RTPCodecCapability),
	}
}

func (r *Room) Channel() domain.ChannelID { return r.channel }

func (r *Room) peer(user domain.UserID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[user]
	return p, ok
}

// removePeer detaches a peer and forgets its source track. Returns false if
// the stored peer is not the given one (already replaced by a rejoin).
func (r *Room) removePeer(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[p.UserID()]
	if !ok || cur != p {
		return false
	}
	delete(r.peers, p.UserID())
	delete(r.sources, p.UserID())
	return true
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) markSource(user domain.UserID, codec webrtc.RTPCodecCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[user] = codec
}

// otherPeers snapshots every peer except the given user.
func (r *Room) otherPeers(except domain.UserID) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != except {
			out = append(out, p)
		}
	}
	return out
}

// snapshot returns participant info ordered by join time for stable
// client-side rendering.
func (r *Room) snapshot() []domain.ParticipantInfo {
	r.mu.RLock()
	infos := make([]domain.ParticipantInfo, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, p.info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].JoinedAt.Before(infos[j].JoinedAt)
	})
	return infos
}

// broadcast enqueues an event to every peer except one. The snapshot is
// taken under the lock; delivery happens outside it so a slow queue check
// never blocks the room.
func (r *Room) broadcast(ev domain.Event, except domain.UserID) {
	for _, p := range r.otherPeers(except) {
		p.enqueue(ev)
	}
}

// drain empties the room, returning the removed peers for teardown.
func (r *Room) drain() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[domain.UserID]*Peer)
	r.sources = make(map[domain.UserID]webrtc.RTPCodecCapability)
	return peers
}
