package transport

import "sync"

// ConnectionPool tracks live connections keyed by remote address so a
// Transport can reuse one instead of dialing a new connection per request
// (RFC 3261 section 18.1.1 encourages connection reuse for stream
// transports).
type ConnectionPool struct {
	mu sync.RWMutex
	m  map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{m: make(map[string]Connection)}
}

func (p *ConnectionPool) Add(addr string, c Connection) {
	p.mu.Lock()
	p.m[addr] = c
	p.mu.Unlock()
}

func (p *ConnectionPool) Get(addr string) Connection {
	p.mu.RLock()
	c := p.m[addr]
	p.mu.RUnlock()
	return c
}

func (p *ConnectionPool) Del(addr string) {
	p.mu.Lock()
	delete(p.m, addr)
	p.mu.Unlock()
}

// CloseAndDelete closes c and removes addr from the pool; used when a
// connection's read loop exits so the pool never hands out a dead
// connection.
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	p.Del(addr)
	c.Close()
}

// Clear closes every pooled connection, used when the transport shuts down.
func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.m {
		c.Close()
		delete(p.m, addr)
	}
}
