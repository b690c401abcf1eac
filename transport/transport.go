// Package transport implements the RFC 3261 section 18 transport layer:
// framing SIP messages on and off UDP, TCP and WebSocket connections, and
// handing parsed messages to whatever sits above (the transaction layer).
package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sipforge/sipcore/sip"
)

var SIPDebug bool

const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	transportBufferSize uint16 = 65535

	// IdleConnection is the extra reference new stream and UDP client
	// connections start with, so they stay open after a transaction's
	// TryClose rather than closing immediately. It is a package constant,
	// not a Config field.
	IdleConnection = 1
)

// Config holds the transport-layer timer and policy values RFC 3261
// section 17.1.1.1 defines in terms of T1, plus the proxy-mode options this
// stack supports. Nothing in this module reads T1, T2, T4 or
// ServerTransactionTTL; the transaction package times itself with its own
// package constants.
type Config struct {
	// T1 is the RTT estimate (RFC 3261 section 17.1.1.1 default 500ms).
	T1 time.Duration
	// T2 caps the INVITE retransmit interval (default 4s).
	T2 time.Duration
	// T4 is the maximum duration a message can remain in the network
	// (default 5s).
	T4 time.Duration
	// ServerTransactionTTL is how long a server transaction lingers in
	// the Terminated state before the layer forgets it (RFC 3261 section
	// 17.2.2's Timer J/Timer I, generalized to one knob).
	ServerTransactionTTL time.Duration
	// OutboundProxy, when set, overrides request-URI based routing: every
	// request is sent here first.
	OutboundProxy *sip.Uri
	// Transports restricts which networks NewLayer constructs and
	// registers, by name ("udp", "tcp", "tls", "ws", "wss"), case
	// insensitive. A nil or empty slice builds all five, matching prior
	// behavior.
	Transports []string
}

// hasTransport reports whether network is listed in c.Transports, or
// whether c.Transports is unset (meaning every network is enabled).
func (c Config) hasTransport(network string) bool {
	if len(c.Transports) == 0 {
		return true
	}
	for _, t := range c.Transports {
		if NetworkToLower(t) == network {
			return true
		}
	}
	return false
}

// DefaultConfig returns the RFC 3261 section 17.1.1.1 default timer values.
func DefaultConfig() Config {
	return Config{
		T1:                   500 * time.Millisecond,
		T2:                   4 * time.Second,
		T4:                   5 * time.Second,
		ServerTransactionTTL: 32 * time.Second,
	}
}

// Transport implements network-specific framing and connection management
// for one network (UDP, TCP, WS, ...).
type Transport interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Addr is a resolved IP/port pair used when dialing a new connection.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort("", strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// IsReliable reports whether network guarantees in-order delivery, which
// governs whether the transaction layer arms its retransmission timers
// (RFC 3261 section 17.1.1.2/17.1.2.2: Timer A/E and friends only run over
// unreliable transports).
func IsReliable(network string) bool {
	switch NetworkToLower(network) {
	case "tcp", "tls", "ws", "wss":
		return true
	default:
		return false
	}
}

// NetworkToLower is a fast-path ASCII lower for the small set of transport
// names the layer compares against.
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return sip.ASCIIToLower(network)
	}
}
