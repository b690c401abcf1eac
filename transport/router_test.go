package transport

import (
	"testing"

	"github.com/sipforge/sipcore/sip"
)

func testRecipient() sip.Uri {
	return sip.Uri{
		User:      "bob",
		Host:      "biloxi.example.com",
		Port:      5060,
		UriParams: sip.NewParams(),
	}
}

func TestSelectTransportUnspecifiedPrefersUDP(t *testing.T) {
	l := NewLayer(nil, sip.Parser{}, nil, Config{})
	req := sip.NewRequest(sip.OPTIONS, testRecipient())

	network, err := l.SelectTransport(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if network != "udp" {
		t.Fatalf("want udp, got %q", network)
	}
}

func TestSelectTransportNoneWhenUDPUnavailable(t *testing.T) {
	l := NewLayer(nil, sip.Parser{}, nil, Config{Transports: []string{"tcp"}})
	req := sip.NewRequest(sip.OPTIONS, testRecipient())

	if _, err := l.SelectTransport(req); err != ErrNoMatchingTransport {
		t.Fatalf("want ErrNoMatchingTransport, got %v", err)
	}
}

func TestSelectTransportMatchesRequestedType(t *testing.T) {
	l := NewLayer(nil, sip.Parser{}, nil, Config{Transports: []string{"udp", "tcp"}})
	req := sip.NewRequest(sip.OPTIONS, testRecipient())
	req.SetTransport("TCP")

	network, err := l.SelectTransport(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if network != "tcp" {
		t.Fatalf("want tcp, got %q", network)
	}
}

func TestSelectTransportNoneWhenTypeMismatched(t *testing.T) {
	l := NewLayer(nil, sip.Parser{}, nil, Config{Transports: []string{"udp"}})
	req := sip.NewRequest(sip.OPTIONS, testRecipient())
	req.SetTransport("TCP")

	if _, err := l.SelectTransport(req); err != ErrNoMatchingTransport {
		t.Fatalf("want ErrNoMatchingTransport, got %v", err)
	}
}

func TestSelectTransportHonorsOutboundProxy(t *testing.T) {
	proxy := sip.Uri{Host: "proxy.example.com", Port: 5060, UriParams: sip.NewParams()}
	proxy.UriParams.Add("transport", "tcp")

	l := NewLayer(nil, sip.Parser{}, nil, Config{Transports: []string{"udp", "tcp"}, OutboundProxy: &proxy})
	req := sip.NewRequest(sip.OPTIONS, testRecipient())

	network, err := l.SelectTransport(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if network != "tcp" {
		t.Fatalf("want tcp (from outbound proxy URI), got %q", network)
	}
}
