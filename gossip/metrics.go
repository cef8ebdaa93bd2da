package gossip

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerScore       *prometheus.GaugeVec
	peerLatency     *prometheus.GaugeVec
	peerUseful      *prometheus.GaugeVec
	peerMisbehavior *prometheus.GaugeVec
	handshake       *prometheus.CounterVec
	gossip          *prometheus.CounterVec
	connections     *prometheus.CounterVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	gossipCounter    metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "synapsed_gossip_peer_score",
				Help: "Composite conduct score per connected peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "synapsed_gossip_peer_latency_ms",
				Help: "Latency exponential moving average per peer.",
			}, []string{"peer"}),
			peerUseful: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "synapsed_gossip_peer_useful_events",
				Help: "Count of useful messages processed per peer.",
			}, []string{"peer"}),
			peerMisbehavior: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "synapsed_gossip_peer_misbehavior",
				Help: "Count of misbehavior incidents per peer.",
			}, []string{"peer"}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "synapsed_gossip_handshakes_total",
				Help: "Total handshake outcomes by result.",
			}, []string{"result"}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "synapsed_gossip_messages_total",
				Help: "Count of gossip/control messages by direction and type.",
			}, []string{"direction", "type"}),
			connections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "synapsed_gossip_connections_total",
				Help: "Count of connection attempts by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(nm.peerScore, nm.peerLatency, nm.peerUseful, nm.peerMisbehavior, nm.handshake, nm.gossip, nm.connections)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("synapse-ng/gossip")
	counter, err := meter.Int64Counter("synapse_ng.gossip.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("synapse-ng/gossip")
		counter, _ = fallback.Int64Counter("synapse_ng.gossip.handshakes")
		meter = fallback
	}
	gossipCounter, err := meter.Int64Counter("synapse_ng.gossip.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("synapse-ng/gossip")
		gossipCounter, _ = fallback.Int64Counter("synapse_ng.gossip.messages")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("synapse_ng.gossip.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("synapse-ng/gossip")
		latency, _ = fallback.Float64Histogram("synapse_ng.gossip.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = counter
	m.gossipCounter = gossipCounter
	m.latencyHistogram = latency
}

func (m *networkMetrics) observePeerStatus(peerID string, status ReputationStatus) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(float64(status.Score))
	m.peerLatency.WithLabelValues(peerID).Set(status.LatencyMS)
	m.peerUseful.WithLabelValues(peerID).Set(float64(status.Useful))
	m.peerMisbehavior.WithLabelValues(peerID).Set(float64(status.Misbehavior))
	if m.latencyHistogram != nil && status.LatencyMS > 0 {
		m.latencyHistogram.Record(
			contextBackground(),
			status.LatencyMS,
			metric.WithAttributes(attribute.String("peer", peerID)),
		)
	}
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(contextBackground(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordConnection(outcome string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(outcome).Inc()
}

func (m *networkMetrics) recordGossip(direction, msgType string) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("%v", msgType)
	if direction == "" {
		direction = "unknown"
	}
	m.gossip.WithLabelValues(direction, label).Inc()
	if m.gossipCounter != nil {
		m.gossipCounter.Add(contextBackground(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", label),
		))
	}
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
	m.peerLatency.DeleteLabelValues(peerID)
	m.peerUseful.DeleteLabelValues(peerID)
	m.peerMisbehavior.DeleteLabelValues(peerID)
}

var (
	backgroundOnce sync.Once
	backgroundCtx  context.Context
)

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundCtx = context.Background()
	})
	return backgroundCtx
}
