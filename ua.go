package sipcore

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"
	"github.com/sipforge/sipcore/transport"
)

// UserAgent owns the transport and transaction layers shared by every
// Client and Server built on top of it.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	tpConfig    transport.Config
	tp          *transport.Layer
	tx          *transaction.Layer
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets the name ClientRequestBuild uses as the default From
// display name and username. No User-Agent header is added to requests.
func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithIP pins the agent's routing IP instead of auto-detecting one.
func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			host = ip
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

// WithDNSResolver overrides the resolver used for SRV lookups.
func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgentTLSConfig sets the TLS config used when dialing outbound
// tls/wss connections (e.g. a client certificate for mutual TLS).
func WithUserAgentTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithTransportConfig sets the transport layer's Config as given: its
// outbound proxy and the set of transports it builds. Unset fields stay
// zero and are not filled from transport.DefaultConfig; a nil/empty
// Transports builds all five.
func WithTransportConfig(cfg transport.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tpConfig = cfg
		return nil
	}
}

// NewUA builds a UserAgent with its own transport and transaction layers.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	s.tp = transport.NewLayer(s.dnsResolver, sip.Parser{}, s.tlsConfig, s.tpConfig)
	s.tx = transaction.NewLayer(s.tp)
	return s, nil
}

func (ua *UserAgent) setIP(ip net.IP) error {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return nil
}

// Close shuts down the transaction and transport layers.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// ListenAndServe opens addr on network and blocks serving requests until
// ctx is canceled.
func (ua *UserAgent) ListenAndServe(ctx context.Context, network, addr string) error {
	return ua.tp.ListenAndServe(ctx, network, addr)
}
