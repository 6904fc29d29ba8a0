package monitoring

import (
	"voicegate/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports room, forwarding and call counters. It
// implements the media layer's Metrics interface and the call manager's
// CallMetrics, so one collector covers both planes.
type PrometheusCollector struct {
	roomsActive        prometheus.Gauge
	roomsOpenedTotal   prometheus.Counter
	participantsActive prometheus.Gauge
	joinsTotal         prometheus.Counter

	packetsForwardedTotal prometheus.Counter
	edgesDroppedTotal     prometheus.Counter

	callsActive     prometheus.Gauge
	callsStarted    prometheus.Counter
	callsEndedTotal *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicegate_rooms_active",
			Help: "Number of live voice rooms",
		}),

		roomsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_rooms_opened_total",
			Help: "Total number of voice rooms opened",
		}),

		participantsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicegate_participants_active",
			Help: "Number of participants across all voice rooms",
		}),

		joinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_joins_total",
			Help: "Total number of room joins",
		}),

		packetsForwardedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_rtp_packets_forwarded_total",
			Help: "Total RTP packets forwarded between participants",
		}),

		edgesDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_forwarding_edges_dropped_total",
			Help: "Total forwarding edges dropped after write failures",
		}),

		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicegate_calls_active",
			Help: "Number of DM calls ringing or in progress",
		}),

		callsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_calls_started_total",
			Help: "Total DM calls started",
		}),

		callsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_calls_ended_total",
			Help: "Total DM calls ended, by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
	p.roomsOpenedTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) ParticipantJoined() {
	p.participantsActive.Inc()
	p.joinsTotal.Inc()
}

func (p *PrometheusCollector) ParticipantLeft() {
	p.participantsActive.Dec()
}

func (p *PrometheusCollector) PacketsForwarded(n int) {
	p.packetsForwardedTotal.Add(float64(n))
}

func (p *PrometheusCollector) EdgeDropped() {
	p.edgesDroppedTotal.Inc()
}

func (p *PrometheusCollector) CallStarted() {
	p.callsActive.Inc()
	p.callsStarted.Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason) {
	p.callsActive.Dec()
	p.callsEndedTotal.WithLabelValues(string(reason)).Inc()
}
