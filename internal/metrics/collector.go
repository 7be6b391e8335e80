// Package ikemetrics implements internal/ike.MetricsReporter with
// Prometheus counters and gauges.
package ikemetrics

import (
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "iked"
	subsystem = "ike"
)

// Label names for IKE metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelMsgType   = "msg_type"
)

// -------------------------------------------------------------------------
// Collector — Prometheus IKE Metrics
// -------------------------------------------------------------------------

// Collector holds all IKE/ModeCfg Prometheus metrics and implements
// internal/ike.MetricsReporter.
//
// Session gauges track currently active exchanges, packet/exchange
// counters track volume per peer, and auth/retransmit-exhaustion counters
// flag failures worth alerting on.
type Collector struct {
	// Sessions tracks the number of currently active ModeCfg sessions.
	Sessions *prometheus.GaugeVec

	// PacketsSent counts ModeCfg datagrams transmitted per peer.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts ModeCfg datagrams received per peer.
	PacketsReceived *prometheus.CounterVec

	// KeepalivesSent counts NAT keepalive datagrams sent per peer.
	KeepalivesSent *prometheus.CounterVec

	// AuthFailures counts HASH verification failures per peer.
	AuthFailures *prometheus.CounterVec

	// RetransmitExhausted counts sessions that gave up retransmitting and
	// declared the peer dead.
	RetransmitExhausted *prometheus.CounterVec

	// ModeCfgExchanges counts ModeCfg exchanges by message type
	// (REQUEST/REPLY/SET/ACK).
	ModeCfgExchanges *prometheus.CounterVec

	// ExchangesCompleted counts exchanges that reached the terminal Done
	// state successfully, per peer.
	ExchangesCompleted *prometheus.CounterVec

	// AttributesNotSupported counts exchanges abandoned with an
	// ATTRIBUTES_NOT_SUPPORTED notify, per peer.
	AttributesNotSupported *prometheus.CounterVec
}

// NewCollector creates a Collector with all IKE metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsSent,
		c.PacketsReceived,
		c.KeepalivesSent,
		c.AuthFailures,
		c.RetransmitExhausted,
		c.ModeCfgExchanges,
		c.ExchangesCompleted,
		c.AttributesNotSupported,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelPeerAddr, labelLocalAddr}
	peerLabels := []string{labelPeerAddr}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active ModeCfg sessions.",
		}, sessionLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total ModeCfg datagrams transmitted.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total ModeCfg datagrams received.",
		}, peerLabels),

		KeepalivesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keepalives_sent_total",
			Help:      "Total NAT keepalive datagrams sent.",
		}, peerLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total HASH verification failures.",
		}, peerLabels),

		RetransmitExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmit_exhausted_total",
			Help:      "Total exchanges abandoned after exhausting the retransmit budget.",
		}, peerLabels),

		ModeCfgExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "modecfg_exchanges_total",
			Help:      "Total ModeCfg exchanges by message type.",
		}, []string{labelMsgType}),

		ExchangesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchanges_completed_total",
			Help:      "Total exchanges that reached the terminal Done state.",
		}, peerLabels),

		AttributesNotSupported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attributes_not_supported_total",
			Help:      "Total exchanges abandoned with an ATTRIBUTES_NOT_SUPPORTED notify.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for the given peer.
func (c *Collector) RegisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
func (c *Collector) UnregisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Dec()
}

// -------------------------------------------------------------------------
// Packet and Exchange Counters
// -------------------------------------------------------------------------

func (c *Collector) IncPacketsSent(peer netip.Addr) {
	c.PacketsSent.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncPacketsReceived(peer netip.Addr) {
	c.PacketsReceived.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncKeepalivesSent(peer netip.Addr) {
	c.KeepalivesSent.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncAuthFailures(peer netip.Addr) {
	c.AuthFailures.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncRetransmitExhausted(peer netip.Addr) {
	c.RetransmitExhausted.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncModeCfgExchange(msgType uint8) {
	c.ModeCfgExchanges.WithLabelValues(strconv.Itoa(int(msgType))).Inc()
}

func (c *Collector) IncExchangesCompleted(peer netip.Addr) {
	c.ExchangesCompleted.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) IncAttributesNotSupported(peer netip.Addr) {
	c.AttributesNotSupported.WithLabelValues(peer.String()).Inc()
}
