package webrtc

import (
	"errors"
	"io"
	"sync"

	"voicegate/internal/core/domain"
	"voicegate/pkg/optimize"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpWriter is the sink side of a forwarding edge.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// rtpReader is the source side. *webrtc.TrackRemote satisfies it.
type rtpReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

// subscriber is the slice of Peer the router needs to gate delivery.
type subscriber interface {
	UserID() domain.UserID
	State() domain.ConnectionState
}

type edge struct {
	sub    subscriber
	writer rtpWriter
}

// Metrics receives router and registry counters. Implemented by the
// prometheus collector; a nop implementation is used in tests.
type Metrics interface {
	RoomOpened()
	RoomClosed()
	ParticipantJoined()
	ParticipantLeft()
	PacketsForwarded(n int)
	EdgeDropped()
}

type nopMetrics struct{}

func (nopMetrics) RoomOpened()          {}
func (nopMetrics) RoomClosed()          {}
func (nopMetrics) ParticipantJoined()   {}
func (nopMetrics) ParticipantLeft()     {}
func (nopMetrics) PacketsForwarded(int) {}
func (nopMetrics) EdgeDropped()         {}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

// Router holds the forwarding edges of one room: source user to the set of
// per-subscriber outbound tracks carrying that user's audio. Packets are
// relayed opaquely; payloads are never inspected or re-encoded.
type Router struct {
	mu    sync.RWMutex
	edges map[domain.UserID]map[domain.UserID]edge

	metrics Metrics
	logger  *zap.SugaredLogger
}

func newRouter(metrics Metrics, logger *zap.SugaredLogger) *Router {
	return &Router{
		edges:   make(map[domain.UserID]map[domain.UserID]edge),
		metrics: metrics,
		logger:  logger,
	}
}

// AddEdge registers a subscriber for a source's audio.
func (r *Router) AddEdge(source domain.UserID, sub subscriber, w rtpWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.edges[source]
	if !ok {
		m = make(map[domain.UserID]edge)
		r.edges[source] = m
	}
	m[sub.UserID()] = edge{sub: sub, writer: w}
}

// RemoveEdge drops a single source to subscriber edge.
func (r *Router) RemoveEdge(source, sub domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.edges[source]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(r.edges, source)
		}
	}
}

// RemoveUser drops every edge the user participates in, as source and as
// subscriber.
func (r *Router) RemoveUser(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.edges, user)
	for source, m := range r.edges {
		delete(m, user)
		if len(m) == 0 {
			delete(r.edges, source)
		}
	}
}

// EdgeCount returns the number of live edges for a source.
func (r *Router) EdgeCount(source domain.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges[source])
}

func (r *Router) snapshot(source domain.UserID) []edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.edges[source]
	if len(m) == 0 {
		return nil
	}
	out := make([]edge, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// Forward relays a source's inbound RTP to every subscriber until the
// track read fails. Muted sources are dropped here, at the source edge,
// while the client keeps sending. A write failure kills only that edge.
func (r *Router) Forward(source *Peer, track rtpReader) {
	buf := optimize.MTUPool.Get()
	defer optimize.MTUPool.Put(buf)

	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debugw("track read ended",
					"user_id", source.UserID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.logger.Warnw("dropping malformed rtp packet",
				"user_id", source.UserID(), "error", err)
			continue
		}

		if source.Muted() {
			continue
		}

		delivered := 0
		for _, e := range r.snapshot(source.UserID()) {
			if e.sub.State() != domain.StateConnected {
				continue
			}
			if err := e.writer.WriteRTP(&pkt); err != nil {
				// Not-yet-bound tracks return ErrClosedPipe until the
				// subscriber finishes negotiating. Anything else means
				// the edge is dead.
				if errors.Is(err, io.ErrClosedPipe) {
					continue
				}
				r.logger.Warnw("dropping forwarding edge",
					"source", source.UserID(), "subscriber", e.sub.UserID(), "error", err)
				r.RemoveEdge(source.UserID(), e.sub.UserID())
				r.metrics.EdgeDropped()
				continue
			}
			delivered++
		}
		if delivered > 0 {
			r.metrics.PacketsForwarded(delivered)
		}
	}
}

var _ rtpReader = (*webrtc.TrackRemote)(nil)
