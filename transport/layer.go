package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNetworkNotSupported = errors.New("transport: network not supported")

// ErrNoMatchingTransport is returned by SelectTransport when the Router
// (RFC 3261 section 18) can't find a configured transport matching the
// request's preferred network.
var ErrNoMatchingTransport = errors.New("transport: no matching transport configured")

// Layer owns one Transport per network and routes outbound messages to the
// right one, resolving or creating connections as RFC 3261 section 18
// describes.
type Layer struct {
	udp *UDPTransport
	tcp *TCPTransport
	tls *TLSTransport
	ws  *WSTransport
	wss *WSSTransport

	transports map[string]Transport

	cfg Config

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex
	dnsResolver   *net.Resolver

	handlers []sip.MessageHandler

	log zerolog.Logger

	// Parser is the parser NewLayer hands to every transport; the
	// transports keep their own copies, so replacing this field after
	// NewLayer does not change their parsing.
	Parser sip.Parser
	// ConnectionReuse forces reuse of an existing stream connection to a
	// peer instead of dialing a new one for every request.
	ConnectionReuse bool
}

// NewLayer wires up the transports listed in cfg.Transports (or all of
// UDP/TCP/TLS/WS/WSS when cfg.Transports is empty) sharing one parser and
// dns resolver. tlsConfig may be nil to use crypto/tls's defaults when
// dialing.
func NewLayer(dnsResolver *net.Resolver, sipparser sip.Parser, tlsConfig *tls.Config, cfg Config) *Layer {
	l := &Layer{
		transports:      make(map[string]Transport),
		cfg:             cfg,
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		Parser:          sipparser,
		ConnectionReuse: true,
	}
	l.log = log.Logger.With().Str("caller", "transportlayer").Logger()

	if cfg.hasTransport("udp") {
		l.udp = NewUDPTransport(sipparser)
		l.transports["udp"] = l.udp
	}
	if cfg.hasTransport("tcp") {
		l.tcp = NewTCPTransport(sipparser)
		l.transports["tcp"] = l.tcp
	}
	if cfg.hasTransport("tls") {
		l.tls = NewTLSTransport(sipparser, tlsConfig)
		l.transports["tls"] = l.tls
	}
	if cfg.hasTransport("ws") {
		l.ws = NewWSTransport(sipparser)
		l.transports["ws"] = l.ws
	}
	if cfg.hasTransport("wss") {
		l.wss = NewWSSTransport(sipparser, tlsConfig)
		l.transports["wss"] = l.wss
	}

	return l
}

// OnMessage registers h to be called for every message any transport reads.
func (l *Layer) OnMessage(h sip.MessageHandler) {
	l.handlers = append(l.handlers, h)
}

func (l *Layer) handleMessage(msg sip.Message) {
	for _, h := range l.handlers {
		h(msg)
	}
}

func (l *Layer) ServeUDP(c net.PacketConn) error {
	_, port, err := sip.ParseAddr(c.LocalAddr().String())
	if err != nil {
		return err
	}
	l.addListenPort("udp", port)
	return l.udp.Serve(c, l.handleMessage)
}

func (l *Layer) ServeTCP(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("tcp", port)
	return l.tcp.Serve(c, l.handleMessage)
}

func (l *Layer) ServeWS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("ws", port)
	return l.ws.Serve(c, l.handleMessage)
}

func (l *Layer) ServeTLS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("tls", port)
	return l.tls.Serve(c, l.handleMessage)
}

func (l *Layer) ServeWSS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("wss", port)
	return l.wss.Serve(c, l.handleMessage)
}

// ListenAndServe opens addr on network (udp, tcp or ws) and blocks serving
// it until ctx is canceled.
func (l *Layer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)

	var connCloser io.Closer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if connCloser == nil {
			return
		}
		if err := connCloser.Close(); err != nil {
			l.log.Error().Err(err).Msg("failed to close listener")
		}
	}()

	switch network {
	case "udp":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("resolve address: %w", err)
		}
		udpConn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		connCloser = udpConn
		return l.ServeUDP(udpConn)

	case "ws", "tcp":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve address: %w", err)
		}
		conn, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		connCloser = conn

		if network == "ws" {
			return l.ServeWS(conn)
		}
		return l.ServeTCP(conn)
	}
	return ErrNetworkNotSupported
}

// ListenAndServeTLS opens a TLS (or WSS) listener on addr and blocks serving
// it until ctx is canceled.
func (l *Layer) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)

	var connCloser io.Closer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if connCloser == nil {
			return
		}
		if err := connCloser.Close(); err != nil {
			l.log.Error().Err(err).Msg("failed to close listener")
		}
	}()

	switch network {
	case "tls", "tcp", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve address: %w", err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls: %w", err)
		}
		connCloser = listener

		if network == "wss" {
			return l.ServeWSS(listener)
		}
		return l.ServeTLS(listener)
	}
	return ErrNetworkNotSupported
}

// GetListenPort returns the first port this layer is listening on for
// network, or 0 if it isn't listening on that network at all.
func (l *Layer) GetListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()

	ports := l.listenPorts[NetworkToLower(network)]
	if len(ports) == 0 {
		return 0
	}
	return ports[0]
}

func (l *Layer) addListenPort(network string, port int) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()

	for _, p := range l.listenPorts[network] {
		if p == port {
			return
		}
	}
	l.listenPorts[network] = append(l.listenPorts[network], port)
}

func (l *Layer) WriteMsg(msg sip.Message) error {
	return l.WriteMsgTo(msg, msg.Destination(), msg.Transport())
}

// WriteMsgTo serializes msg onto the connection for (network, addr),
// dialing or reusing one per RFC 3261 section 18.1.1/18.2.2.
func (l *Layer) WriteMsgTo(msg sip.Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *sip.Request:
		conn, err = l.ClientRequestConnection(m)
		if err != nil {
			return err
		}
		defer conn.TryClose()

	case *sip.Response:
		conn, err = l.GetConnection(network, addr)
		if err != nil {
			return err
		}
	}

	return conn.WriteMsg(msg)
}

// routingTarget returns the URI the Router resolves a remote endpoint and
// preferred transport from: the configured outbound proxy overrides the
// request URI.
func (l *Layer) routingTarget(req *sip.Request) sip.Uri {
	if l.cfg.OutboundProxy != nil {
		return *l.cfg.OutboundProxy
	}
	return req.Recipient
}

// SelectTransport picks the transport an outbound request should use, per
// the Router: the preferred transport is req's own Transport if already
// set, else the routing target URI's "transport" parameter. UDP, or no
// preference at all, selects the first UDP transport registered; any other
// preference selects the first transport registered of that type. It
// returns ErrNoMatchingTransport if nothing matches, rather than falling
// back to an unrelated transport.
func (l *Layer) SelectTransport(req *sip.Request) (string, error) {
	preferred := NetworkToLower(req.Transport())
	if preferred == "" {
		if t, ok := l.routingTarget(req).UriParams.Get("transport"); ok {
			preferred = NetworkToLower(t)
		}
	}

	if preferred == "" || preferred == "udp" {
		if _, ok := l.transports["udp"]; ok {
			return "udp", nil
		}
		return "", ErrNoMatchingTransport
	}

	if _, ok := l.transports[preferred]; ok {
		return preferred, nil
	}
	return "", ErrNoMatchingTransport
}

// ClientRequestConnection returns the connection a client transaction should
// use to send req, per RFC 3261 section 18.1.1: reuse an existing connection
// to the destination when ConnectionReuse is set, otherwise dial a new one.
// The remote address and network come from the Router: req.Destination, if
// already set (e.g. by an in-dialog request following its Route set), wins;
// otherwise they're resolved from the outbound-proxy-or-request URI.
func (l *Layer) ClientRequestConnection(req *sip.Request) (Connection, error) {
	network, err := l.SelectTransport(req)
	if err != nil {
		return nil, err
	}

	addr := req.Destination()
	if addr == "" {
		target := l.routingTarget(req)
		port := target.Port
		if port <= 0 {
			port = sip.DefaultPort(network)
		}
		addr = net.JoinHostPort(target.Host, strconv.Itoa(port))
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("build address target for %s: %w", addr, err)
	}

	if net.ParseIP(host) == nil && l.dnsResolver != nil {
		if _, addrs, err := l.dnsResolver.LookupSRV(context.Background(), "sip", network, host); err == nil && len(addrs) > 0 {
			a := addrs[0]
			addr = strings.TrimSuffix(a.Target, ".") + ":" + strconv.Itoa(int(a.Port))
		}
	}

	viaHop, exists := req.Via()
	if !exists {
		return nil, errors.New("transport: missing Via header")
	}
	if viaHop.Port <= 0 {
		l.listenPortsMu.Lock()
		ports := l.listenPorts[network]
		l.listenPortsMu.Unlock()

		if len(ports) > 0 {
			viaHop.Port = ports[rand.Intn(len(ports))]
		} else {
			viaHop.Port = sip.DefaultPort(network)
		}
	}

	if l.ConnectionReuse {
		if c, _ := l.getConnection(network, addr); c != nil {
			l.log.Debug().Str("req", req.Method.String()).Msg("connection ref increment")
			c.Ref(1)
			return c, nil
		}
	}

	return l.createConnection(network, addr)
}

func (l *Layer) GetConnection(network, addr string) (Connection, error) {
	return l.getConnection(NetworkToLower(network), addr)
}

func (l *Layer) CreateConnection(network, addr string) (Connection, error) {
	return l.createConnection(NetworkToLower(network), addr)
}

func (l *Layer) getConnection(network, addr string) (Connection, error) {
	transport, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	c, err := transport.GetConnection(addr)
	if err == nil && c == nil {
		return nil, fmt.Errorf("connection %q does not exist", addr)
	}
	return c, err
}

func (l *Layer) createConnection(network, addr string) (Connection, error) {
	transport, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	raddr, err := net.ResolveTCPAddr("tcp", addr)
	var ip net.IP
	var port int
	if err == nil {
		ip, port = raddr.IP, raddr.Port
	} else if uaddr, uerr := net.ResolveUDPAddr("udp", addr); uerr == nil {
		ip, port = uaddr.IP, uaddr.Port
	}

	return transport.CreateConnection(context.Background(), Addr{}, Addr{IP: ip, Port: port}, l.handleMessage)
}

func (l *Layer) Close() error {
	var werr error
	for _, t := range l.transports {
		if err := t.Close(); err != nil {
			werr = err
		}
	}
	return werr
}
