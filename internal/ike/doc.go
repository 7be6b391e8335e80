// Package ike implements the IKE session core: the Phase-1/Phase-2-style
// negotiation state machine, the ModeCfg address-assignment sub-protocol,
// the retransmission/liveness engine, and the connection store.
//
// X.509/AC parsing, RSA signature primitives, the kernel SA/SPD interface,
// and TNC/PTS plugin machinery are treated as external collaborators
// (internal/kernel, internal/credential) consumed through narrow interfaces.
package ike
