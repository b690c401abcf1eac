package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sipforge/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// UDPReadWorkers controls how many goroutines read the shared listening
	// socket; kept at 1 by default since extra readers can reorder reads
	// relative to the connection's single write path.
	UDPReadWorkers = 1

	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("transport: message larger than MTU")
)

// UDPTransport implements Transport over a connectionless UDP socket.
type UDPTransport struct {
	parser sip.Parser

	pool      ConnectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(parser sip.Parser) *UDPTransport {
	t := &UDPTransport{
		parser: parser,
		pool:   NewConnectionPool(),
	}
	t.log = log.Logger.With().Str("caller", "transport<UDP>").Logger()
	return t
}

func (t *UDPTransport) String() string  { return "transport<UDP>" }
func (t *UDPTransport) Network() string { return TransportUDP }

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve reads conn until it errors, parsing and dispatching every datagram
// to handler.
func (t *UDPTransport) Serve(conn net.PacketConn, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr().String())

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}
	t.listeners = append(t.listeners, c)

	for i := 0; i < UDPReadWorkers-1; i++ {
		go t.readConnection(c, handler)
	}
	t.readConnection(c, handler)
	return nil
}

func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}
	if conn := t.pool.Get(addr); conn != nil {
		return conn, nil
	}
	return nil, nil
}

func (t *UDPTransport) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error) {
	var uladdr *net.UDPAddr
	if laddr.IP != nil {
		uladdr = &net.UDPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	uraddr := &net.UDPAddr{IP: raddr.IP, Port: raddr.Port}

	d := net.Dialer{LocalAddr: uladdr}
	conn, err := d.DialContext(ctx, "udp", uraddr.String())
	if err != nil {
		return nil, err
	}

	c := &UDPConnection{Conn: conn, refcount: 1 + IdleConnection}
	addr := uraddr.String()
	t.log.Debug().Str("raddr", addr).Msg("new connection")

	t.pool.Add(addr, c)
	go t.readConnectedConnection(c, handler)
	return c, nil
}

func (t *UDPTransport) readConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()

	var lastRaddr string
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		rastr := raddr.String()
		if lastRaddr != rastr {
			t.pool.Add(rastr, conn)
		}

		t.parseAndHandle(data, rastr, handler)
		lastRaddr = rastr
	}
}

func (t *UDPTransport) readConnectedConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	raddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, raddr)

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, raddr, handler)
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, src string, handler sip.MessageHandler) {
	if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
		t.log.Debug().Msg("keepalive CRLF received")
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection wraps either the shared listening socket (PacketConn) or a
// connected client-mode socket (Conn).
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) int {
	if c.Conn == nil {
		return 0
	}
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *UDPConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	logRef("udp", "hard close", c.Conn.RemoteAddr().String(), 0)
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.Conn == nil {
		return 0, nil
	}
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	logRef("udp", "reference decrement", c.Conn.RemoteAddr().String(), ref)
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *UDPConnection) Read(b []byte) (int, error) {
	return c.Conn.Read(b)
}

func (c *UDPConnection) Write(b []byte) (int, error) {
	return c.Conn.Write(b)
}

func (c *UDPConnection) ReadFrom(b []byte) (int, net.Addr, error) {
	return c.PacketConn.ReadFrom(b)
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, addr)
}

func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > UDPMTUSize-200 {
		return ErrUDPMTUCongestion
	}

	if c.Conn != nil {
		return writeMsg(c.Conn, msg)
	}

	dst := msg.Destination()
	host, port, err := sip.ParseAddr(dst)
	if err != nil {
		return err
	}
	raddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}

	n, err := c.WriteTo(data, raddr)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.New("transport: short UDP write")
	}
	return nil
}
