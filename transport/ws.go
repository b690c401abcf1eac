package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sipforge/sipcore/sip"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocketProtocols is offered during the handshake; SIP-over-WebSocket
// peers (RFC 7118) are expected to request and accept "sip".
var WebSocketProtocols = []string{"sip"}

// WSTransport implements Transport over SIP-over-WebSocket (RFC 7118),
// reusing the same stream-parsing machinery as TCP underneath the frame
// layer.
type WSTransport struct {
	parser    sip.Parser
	transport string
	pool      ConnectionPool
	dialer    ws.Dialer

	log zerolog.Logger
}

func NewWSTransport(par sip.Parser) *WSTransport {
	t := &WSTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportWS,
		dialer:    ws.DefaultDialer,
	}
	t.dialer.Protocols = WebSocketProtocols
	t.log = log.Logger.With().Str("caller", "transport<WS>").Logger()
	return t
}

func (t *WSTransport) String() string  { return "transport<" + t.transport + ">" }
func (t *WSTransport) Network() string { return t.transport }

func (t *WSTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts raw TCP connections on l and upgrades each to a WebSocket
// connection before handing it to the stream read loop.
func (t *WSTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())

	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})

	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}
	if SIPDebug {
		u.OnHeader = func(key, value []byte) error {
			t.log.Debug().Str(string(key), string(value)).Msg("non-websocket header")
			return nil
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Error().Err(err).Msg("failed to accept connection")
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.log.Debug().Str("addr", raddr).Msg("new connection accepted")

		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Msg("failed to upgrade")
			conn.Close()
			continue
		}

		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *WSTransport) initConnection(conn net.Conn, addr string, clientSide bool, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("new WS connection")
	c := &WSConnection{
		Conn:       conn,
		transport:  t.transport,
		refcount:   1 + IdleConnection,
		clientSide: clientSide,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *WSTransport) readConnection(conn *WSConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)

	defer func() {
		ref, _ := conn.TryClose()
		if ref > 0 {
			return
		}
		t.pool.Del(raddr)
	}()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("got EOF")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("read error")
			return
		}

		if num == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		t.parse(data, raddr, handler)
	}
}

func (t *WSTransport) parse(data []byte, src string, handler sip.MessageHandler) {
	if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
		t.log.Debug().Msg("keep alive CRLF received")
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(t.transport)
	msg.SetSource(src)
	handler(msg)
}

func (t *WSTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *WSTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	return t.createConnection(ctx, raddr.String(), handler)
}

func (t *WSTransport) createConnection(ctx context.Context, addr string, handler sip.MessageHandler) (Connection, error) {
	t.log.Debug().Str("raddr", addr).Msg("dialing new connection")

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(dctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}

// WSConnection wraps a raw net.Conn carrying WebSocket frames; clientSide
// distinguishes dial-side connections (which must mask outgoing frames) from
// accept-side ones, per RFC 6455 section 5.1.
type WSConnection struct {
	net.Conn
	transport string

	clientSide bool
	mu         sync.RWMutex
	refcount   int
}

func (c *WSConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	logRef(c.transport, "reference increment", c.RemoteAddr().String(), ref)
	return ref
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	logRef(c.transport, "hard close", c.RemoteAddr().String(), 0)
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
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

func (c *WSConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if SIPDebug {
			log.Debug().Str("caller", c.RemoteAddr().String()).Msgf("WS read header <- %s opcode=%d len=%d", c.Conn.RemoteAddr(), header.OpCode, header.Length)
		}

		if header.OpCode == ws.OpClose {
			return n, net.ErrClosed
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, data); err != nil {
			return n, err
		}

		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}

		n += copy(b[n:], data)

		if header.Fin {
			break
		}
	}

	return n, nil
}

func (c *WSConnection) Write(b []byte) (n int, err error) {
	fs := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		fs = ws.MaskFrameInPlace(fs)
	}

	err = ws.WriteFrame(c.Conn, fs)
	if SIPDebug {
		log.Debug().Str("caller", c.LocalAddr().String()).Msgf("WS write -> %s:\n%s", c.Conn.RemoteAddr(), string(b))
	}
	return len(b), err
}

func (c *WSConnection) WriteMsg(msg sip.Message) error {
	return writeMsg(c, msg)
}
