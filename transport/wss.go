package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog/log"
)

// WSSTransport is WSTransport wrapped with a TLS-terminated dialer, used for
// the "wss:" scheme SIP-over-secure-WebSocket transport.
type WSSTransport struct {
	*WSTransport
}

// NewWSSTransport needs dialTLSConf for dialing outbound WSS connections.
func NewWSSTransport(par sip.Parser, dialTLSConf *tls.Config) *WSSTransport {
	wstrans := NewWSTransport(par)
	wstrans.transport = TransportWSS
	wstrans.dialer.TLSConfig = dialTLSConf

	t := &WSSTransport{WSTransport: wstrans}
	t.log = log.Logger.With().Str("caller", "transport<WSS>").Logger()
	return t
}

func (t *WSSTransport) String() string { return "transport<" + t.transport + ">" }

func (t *WSSTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	return t.createWSSConnection(ctx, traddr, handler)
}

func (t *WSSTransport) createWSSConnection(ctx context.Context, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("dialing new connection")

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(dctx, "wss://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}
