package ike

import "net/netip"

// MetricsReporter receives session-level counters. internal/metrics
// implements this with Prometheus vectors; noopMetrics is the default
// used when no reporter is configured.
type MetricsReporter interface {
	RegisterSession(peer, local netip.Addr)
	UnregisterSession(peer, local netip.Addr)
	IncPacketsSent(peer netip.Addr)
	IncPacketsReceived(peer netip.Addr)
	IncKeepalivesSent(peer netip.Addr)
	IncAuthFailures(peer netip.Addr)
	IncRetransmitExhausted(peer netip.Addr)
	IncModeCfgExchange(msgType uint8)
	IncExchangesCompleted(peer netip.Addr)
	IncAttributesNotSupported(peer netip.Addr)
}

// noopMetrics discards every counter increment.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(netip.Addr, netip.Addr)   {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr) {}
func (noopMetrics) IncPacketsSent(netip.Addr)                {}
func (noopMetrics) IncPacketsReceived(netip.Addr)            {}
func (noopMetrics) IncKeepalivesSent(netip.Addr)             {}
func (noopMetrics) IncAuthFailures(netip.Addr)               {}
func (noopMetrics) IncRetransmitExhausted(netip.Addr)        {}
func (noopMetrics) IncModeCfgExchange(uint8)                 {}
func (noopMetrics) IncExchangesCompleted(netip.Addr)         {}
func (noopMetrics) IncAttributesNotSupported(netip.Addr)     {}
