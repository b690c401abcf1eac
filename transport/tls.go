package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog/log"
)

// TLSTransport is TCPTransport wrapped with a TLS dialer/listener, used for
// the "sips:" scheme (RFC 3261 section 26.2.2 mandates TLS for sips).
type TLSTransport struct {
	*TCPTransport

	tlsConf *tls.Config
}

// NewTLSTransport needs dialTLSConf for dialing outbound TLS connections.
func NewTLSTransport(par sip.Parser, dialTLSConf *tls.Config) *TLSTransport {
	tcptrans := NewTCPTransport(par)
	tcptrans.transport = TransportTLS

	t := &TLSTransport{TCPTransport: tcptrans, tlsConf: dialTLSConf}
	t.log = log.Logger.With().Str("caller", "transport<TLS>").Logger()
	return t
}

func (t *TLSTransport) String() string { return "transport<" + t.transport + ">" }

func (t *TLSTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	return t.createTLSConnection(ctx, tladdr, traddr, handler)
}

func (t *TLSTransport) createTLSConnection(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("dialing new connection")

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{LocalAddr: laddr},
		Config:    t.tlsConf,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, handler), nil
}
