package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCPTransport implements Transport over persistent, stream-oriented
// connections, reusing a connection across requests per RFC 3261 section
// 18.1.1.
type TCPTransport struct {
	transport string
	parser    sip.Parser
	pool      ConnectionPool

	log zerolog.Logger
}

func NewTCPTransport(par sip.Parser) *TCPTransport {
	t := &TCPTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportTCP,
	}
	t.log = log.Logger.With().Str("caller", "transport<TCP>").Logger()
	return t
}

func (t *TCPTransport) String() string  { return "transport<" + t.transport + ">" }
func (t *TCPTransport) Network() string { return t.transport }

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts connections on l until it errors or is closed.
func (t *TCPTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Debug().Err(err).Msg("failed to accept connection")
			return err
		}

		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *TCPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("addr", addr).Msg("getting connection")
	return t.pool.Get(addr), nil
}

func (t *TCPTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	return t.createConnection(ctx, tladdr, traddr, handler)
}

func (t *TCPTransport) createConnection(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("dialing new connection")

	conn, err := net.DialTCP("tcp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, handler), nil
}

func (t *TCPTransport) initConnection(conn net.Conn, addr string, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("new connection")
	c := &TCPConnection{
		Conn:      conn,
		transport: t.transport,
		refcount:  1 + IdleConnection,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer t.pool.CloseAndDelete(conn, raddr)

	par := t.parser.NewSIPStream()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}
			t.log.Error().Err(err).Msg("read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
			t.log.Debug().Msg("keep alive CRLF received")
			continue
		}

		t.parseStream(par, data, raddr, handler)
	}
}

func (t *TCPTransport) parseStream(par *sip.ParserStream, data []byte, src string, handler sip.MessageHandler) {
	for {
		msg, err := par.ParseSIPStream(data)
		data = nil

		if errors.Is(err, sip.ErrParseSipPartial) {
			return
		}
		if err != nil {
			t.log.Error().Err(err).Msg("failed to parse")
			return
		}

		msg.SetTransport(t.Network())
		msg.SetSource(src)
		handler(msg)
	}
}

// TCPConnection wraps a net.Conn with reference counting so transactions can
// keep it open across retransmissions.
type TCPConnection struct {
	net.Conn
	transport string

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	logRef(c.transport, "reference increment", c.RemoteAddr().String(), ref)
	return ref
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	logRef(c.transport, "hard close", c.RemoteAddr().String(), 0)
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	logRef(c.transport, "reference decrement", c.RemoteAddr().String(), ref)
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug {
		log.Debug().Msgf("%s read %s <- %s:\n%s", c.transport, c.Conn.LocalAddr(), c.Conn.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug {
		log.Debug().Msgf("%s write %s -> %s:\n%s", c.transport, c.Conn.LocalAddr(), c.Conn.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *TCPConnection) WriteMsg(msg sip.Message) error {
	return writeMsg(c, msg)
}
