package monitoring

import (
	"strings"
	"sync"

	"medlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	publishing prometheus.Gauge
	playing    prometheus.Gauge

	publishState  *prometheus.GaugeVec
	playbackState *prometheus.GaugeVec

	publishFailures  *prometheus.CounterVec
	playbackFailures *prometheus.CounterVec
	playbackRetries  prometheus.Gauge
	publishSessions  prometheus.Counter

	bytesSent     prometheus.Gauge
	packetsSent   prometheus.Gauge
	framesEncoded prometheus.Gauge
	pliCount      prometheus.Gauge
	nackCount     prometheus.Gauge
	fractionLost  prometheus.Gauge

	mu           sync.Mutex
	lastPublish  domain.PublishSnapshot
	lastPlayback domain.PlaybackSnapshot
}

var publishStates = []domain.PublishState{
	domain.PublishIdle, domain.PublishCapturing, domain.PublishNegotiating, domain.PublishConnecting,
	domain.PublishLive, domain.PublishDisconnected, domain.PublishFailed,
}

var playbackStates = []domain.PlaybackState{
	domain.PlaybackUnbound, domain.PlaybackLoading, domain.PlaybackPlaying,
	domain.PlaybackRecovering, domain.PlaybackFailed,
}

// NewPrometheusCollector registers the session metrics on reg, or on the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		publishing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_publishing",
			Help: "1 while local media is flowing to the relay",
		}),
		playing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_playing",
			Help: "1 while the remote stream is playing",
		}),
		publishState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medlink_publish_state",
			Help: "Current publish session state (1 for the active state)",
		}, []string{"state"}),
		playbackState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medlink_playback_state",
			Help: "Current playback session state (1 for the active state)",
		}, []string{"state"}),
		publishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medlink_publish_failures_total",
			Help: "Publish sessions that ended in Failed",
		}, []string{"error"}),
		playbackFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medlink_playback_failures_total",
			Help: "Playback sessions that ended in Failed",
		}, []string{"error"}),
		playbackRetries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_playback_retry_count",
			Help: "Consecutive playback reloads since the last successful start",
		}),
		publishSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "medlink_publish_sessions_total",
			Help: "Publish sessions started",
		}),
		bytesSent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_bytes_sent",
			Help: "Bytes sent by the current publish session",
		}),
		packetsSent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_packets_sent",
			Help: "RTP packets sent by the current publish session",
		}),
		framesEncoded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_frames_encoded",
			Help: "Video frames captured by the current publish session",
		}),
		pliCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_pli_count",
			Help: "PLI and FIR requests received from the relay",
		}),
		nackCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_nack_count",
			Help: "Packets NACKed by the relay",
		}),
		fractionLost: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medlink_outbound_fraction_lost",
			Help: "Last reported fraction of lost packets (0-1)",
		}),
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (p *PrometheusCollector) ObserveSession(view domain.SessionView) {
	p.publishing.Set(boolGauge(view.Status.Publishing))
	p.playing.Set(boolGauge(view.Status.Playing))

	for _, s := range publishStates {
		p.publishState.WithLabelValues(s.String()).Set(boolGauge(view.Publish.State == s))
	}
	for _, s := range playbackStates {
		p.playbackState.WithLabelValues(s.String()).Set(boolGauge(view.Playback.State == s))
	}
	p.playbackRetries.Set(float64(view.Playback.RetryCount))

	p.mu.Lock()
	defer p.mu.Unlock()

	if view.Publish.Generation != p.lastPublish.Generation && view.Publish.State == domain.PublishCapturing {
		p.publishSessions.Inc()
	}
	if view.Publish.State == domain.PublishFailed &&
		(p.lastPublish.State != domain.PublishFailed || p.lastPublish.Generation != view.Publish.Generation) {
		p.publishFailures.WithLabelValues(errorLabel(view.Publish.Error)).Inc()
	}
	if view.Playback.State == domain.PlaybackFailed &&
		(p.lastPlayback.State != domain.PlaybackFailed || p.lastPlayback.Generation != view.Playback.Generation) {
		p.playbackFailures.WithLabelValues(errorLabel(view.Playback.Error)).Inc()
	}
	if view.Publish.Generation != p.lastPublish.Generation {
		p.resetStats()
	}

	p.lastPublish = view.Publish
	p.lastPlayback = view.Playback
}

func (p *PrometheusCollector) ObserveStats(stats domain.StatsSnapshot) {
	p.bytesSent.Set(float64(stats.BytesSent))
	p.packetsSent.Set(float64(stats.PacketsSent))
	p.framesEncoded.Set(float64(stats.FramesEncoded))
	p.pliCount.Set(float64(stats.PLICount))
	p.nackCount.Set(float64(stats.NACKCount))
	p.fractionLost.Set(stats.FractionLost)
}

func (p *PrometheusCollector) resetStats() {
	p.ObserveStats(domain.StatsSnapshot{})
}

// errorLabel keeps label cardinality bounded by using the error kind only.
func errorLabel(msg string) string {
	prefixes := []struct {
		prefix string
		label  string
	}{
		{"device error", "device"},
		{"signaling error", "signaling"},
		{"negotiation failed", "negotiation"},
		{"connectivity", "connectivity"},
		{"playback network", "network"},
		{"playback decode", "decode"},
		{"playback fatal", "fatal"},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p.prefix) {
			return p.label
		}
	}
	return "other"
}
