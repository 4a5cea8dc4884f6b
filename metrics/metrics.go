// Package metrics exposes the prometheus collectors of the quorum daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmq"

const (
	subsystemChainlock = "chainlock"
	subsystemDKG       = "dkg"
	subsystemNetwork   = "network"
)

// Collector bundles every metric the daemon records. Each process owns one
// instance backed by its own registry, so in-process test clusters never
// collide on registration.
type Collector struct {
	registry *prometheus.Registry

	chainHeight    prometheus.Gauge
	locksAccepted  prometheus.Counter
	locksRejected  *prometheus.CounterVec
	bestLockHeight prometheus.Gauge

	dkgPhase      *prometheus.GaugeVec
	quorumsFormed *prometheus.CounterVec

	messagesDispatched *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	peerMisbehavior    *prometheus.CounterVec
}

// NewCollector registers all collectors against a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		chainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "height of the active chain tip",
		}),
		locksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemChainlock,
			Name:      "locks_accepted_total",
			Help:      "chain locks accepted after verification",
		}),
		locksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemChainlock,
			Name:      "locks_rejected_total",
			Help:      "chain locks dropped before acceptance",
		}, []string{"reason"}),
		bestLockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemChainlock,
			Name:      "best_lock_height",
			Help:      "height of the best known chain lock",
		}),
		dkgPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDKG,
			Name:      "phase",
			Help:      "current key-generation phase per quorum type",
		}, []string{"quorum"}),
		quorumsFormed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDKG,
			Name:      "quorums_formed_total",
			Help:      "final commitments added to the registry",
		}, []string{"quorum"}),
		messagesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetwork,
			Name:      "messages_dispatched_total",
			Help:      "inbound messages routed by kind",
		}, []string{"kind"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetwork,
			Name:      "messages_dropped_total",
			Help:      "inbound messages dropped before processing",
		}, []string{"kind"}),
		peerMisbehavior: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetwork,
			Name:      "peer_misbehavior_total",
			Help:      "protocol violations attributed to a peer",
		}, []string{"peer"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ChainHeight records the active tip height.
func (c *Collector) ChainHeight(height int32) {
	c.chainHeight.Set(float64(height))
}

// LockAccepted records a verified chain lock and the new best height.
func (c *Collector) LockAccepted(height int32) {
	c.locksAccepted.Inc()
	c.bestLockHeight.Set(float64(height))
}

// LockRejected records a dropped chain lock by reason.
func (c *Collector) LockRejected(reason string) {
	c.locksRejected.WithLabelValues(reason).Inc()
}

// DKGPhase records the phase a quorum type's session is in.
func (c *Collector) DKGPhase(quorum string, phase int) {
	c.dkgPhase.WithLabelValues(quorum).Set(float64(phase))
}

// QuorumFormed records a finalized quorum commitment.
func (c *Collector) QuorumFormed(quorum string) {
	c.quorumsFormed.WithLabelValues(quorum).Inc()
}

// MessageDispatched records an inbound message routed to its handler.
func (c *Collector) MessageDispatched(kind string) {
	c.messagesDispatched.WithLabelValues(kind).Inc()
}

// MessageDropped records an inbound message dropped before processing.
func (c *Collector) MessageDropped(kind string) {
	c.messagesDropped.WithLabelValues(kind).Inc()
}

// PeerMisbehaved records a protocol violation attributed to a peer.
func (c *Collector) PeerMisbehaved(peer string) {
	c.peerMisbehavior.WithLabelValues(peer).Inc()
}
