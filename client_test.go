package sipcore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/siptest"
	"github.com/sipforge/sipcore/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestBuild(t *testing.T) {
	ua, err := NewUA(WithUserAgent("sipcore"))
	require.Nil(t, err)

	c, err := NewClient(ua, WithClientHostname("10.0.0.0"))
	require.Nil(t, err)

	recipient := sip.Uri{
		User:      "bob",
		Host:      "10.2.2.2",
		Port:      5060,
		Headers:   sip.NewParams(),
		UriParams: sip.NewParams(),
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	require.NoError(t, ClientRequestBuild(c, req))

	via, ok := req.Via()
	require.True(t, ok)
	branch, _ := via.Params.Get("branch")
	assert.Equal(t, "SIP/2.0/UDP 10.0.0.0;branch="+branch, via.String())

	from, ok := req.FromValue()
	require.True(t, ok)
	fromTag, _ := from.Tag()
	assert.Equal(t, "\"sipcore\" <sip:sipcore@10.0.0.0>;tag="+fromTag, from.String())

	to, ok := req.ToValue()
	require.True(t, ok)
	assert.Equal(t, "<sip:bob@10.2.2.2:5060>", to.String())

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.NotEmpty(t, callID)

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("%d %s", cseq.SeqNo, "OPTIONS"), cseq.String())

	maxfwd := req.Headers().Get("max-forwards")
	require.NotNil(t, maxfwd)
	assert.Equal(t, "70", maxfwd.Value())
}

func TestClientRequestBuildWithNAT(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	c, err := NewClient(ua,
		WithClientHostname("10.0.0.0"),
		WithClientNAT(),
	)
	require.Nil(t, err)

	recipient := sip.Uri{
		User:      "bob",
		Host:      "10.2.2.2",
		Port:      5060,
		Headers:   sip.NewParams(),
		UriParams: sip.NewParams(),
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	require.NoError(t, ClientRequestBuild(c, req))

	via, ok := req.Via()
	require.True(t, ok)
	_, hasRport := via.Params.Get("rport")
	assert.True(t, hasRport)
}

func TestClientRequestBuildWithHostAndPort(t *testing.T) {
	ua, err := NewUA(WithUserAgent("sip.myserver.com"))
	require.Nil(t, err)

	c, err := NewClient(ua,
		WithClientHostname("sip.myserver.com"),
		WithClientPort(5066),
	)
	require.Nil(t, err)

	recipient := sip.Uri{User: "bob", Host: "10.2.2.2", Port: 5060, Headers: sip.NewParams(), UriParams: sip.NewParams()}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	require.NoError(t, ClientRequestBuild(c, req))

	via, ok := req.Via()
	require.True(t, ok)
	branch, _ := via.Params.Get("branch")
	assert.Equal(t, "SIP/2.0/UDP sip.myserver.com:5066;branch="+branch, via.String())

	to, ok := req.ToValue()
	require.True(t, ok)
	assert.Equal(t, "<sip:bob@10.2.2.2:5060>", to.String())
}

func TestClientRequestOptions(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)

	c, err := NewClient(ua, WithClientHostname("10.0.0.0"))
	require.Nil(t, err)

	sender := sip.Uri{User: "alice", Host: "10.1.1.1", Port: 5060}
	recipient := sip.Uri{User: "bob", Host: "10.2.2.2", Port: 5060}

	// Proxy receives this request
	req := createSimpleRequest(sip.INVITE, sender, recipient, "UDP")
	oldVia, ok := req.Via()
	require.True(t, ok)

	// Proxy adds its own Via header
	require.NoError(t, ClientRequestAddVia(c, req))
	via, ok := req.Via()
	require.True(t, ok)
	oldBranch, _ := oldVia.Params.Get("branch")
	newBranch, _ := via.Params.Get("branch")
	assert.NotEqual(t, oldBranch, newBranch)
	assert.Equal(t, "10.0.0.0", via.Host)

	// Add Record-Route
	require.NoError(t, ClientRequestAddRecordRoute(c, req))
	rr := req.Headers().Get("record-route")
	require.NotNil(t, rr)
	assert.True(t, strings.Contains(rr.Value(), "lr"))
	assert.True(t, strings.Contains(rr.Value(), "transport=udp"))

	// All Via headers the request carries now
	allVia := req.Headers().GetAll("via")
	assert.Len(t, allVia, 2)
}

func TestClientViaRouting(t *testing.T) {
	ua, _ := NewUA()
	client, err := NewClient(ua,
		WithClientHostname("myhost.xy"),
		WithClientPort(5060),
	)
	require.NoError(t, err)

	client.TxRequester = &siptest.ClientTxRequesterResponder{
		OnRequest: func(req *sip.Request, w *siptest.ClientTxResponder) {
			res := sip.NewResponseFromRequest(req, 200, "OK", nil)
			w.Receive(res)
		},
	}

	options := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "test", Host: "localhost"})
	_, err = client.Do(context.Background(), options)
	require.NoError(t, err)

	via, ok := options.Via()
	require.True(t, ok)
	assert.Equal(t, "myhost.xy", via.Host)
	assert.Equal(t, 5060, via.Port)
}

func TestClientDigestAuthRetry(t *testing.T) {
	ua, _ := NewUA()
	client, err := NewClient(ua, WithClientHostname("myhost.xy"))
	require.NoError(t, err)

	var seenAuth bool
	client.TxRequester = &siptest.ClientTxRequesterResponder{
		OnRequest: func(req *sip.Request, w *siptest.ClientTxResponder) {
			if req.Headers().Get("authorization") != nil {
				seenAuth = true
				w.Receive(sip.NewResponseFromRequest(req, 200, "OK", nil))
				return
			}
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.Headers().Set("WWW-Authenticate", `Digest realm="sip.example", nonce="dcd98b7102dd2f0e"`)
			w.Receive(res)
		},
	}

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	require.NoError(t, ClientRequestBuild(client, req))

	tx, err := client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)
	res, err := waitFinalResponse(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, sip.StatusUnauthorized, res.StatusCode)

	tx, err = client.TransactionDigestAuth(context.Background(), req, res, DigestAuth{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	res, err = waitFinalResponse(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.True(t, seenAuth)
}

func TestClientRequestBuildPicksConfiguredTransport(t *testing.T) {
	ua, err := NewUA(WithTransportConfig(transport.Config{Transports: []string{"tcp"}}))
	require.Nil(t, err)

	c, err := NewClient(ua, WithClientHostname("10.0.0.0"))
	require.Nil(t, err)

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "bob", Host: "10.2.2.2", Port: 5060, UriParams: sip.NewParams(), Headers: sip.NewParams()})
	require.NoError(t, ClientRequestBuild(c, req))
	assert.Equal(t, "TCP", req.Transport())
}

func TestClientRequestBuildNoMatchingTransport(t *testing.T) {
	ua, err := NewUA(WithTransportConfig(transport.Config{Transports: []string{"tcp"}}))
	require.Nil(t, err)

	c, err := NewClient(ua, WithClientHostname("10.0.0.0"))
	require.Nil(t, err)

	// No transport preference on the request or its recipient URI, and no
	// UDP transport configured: the Router returns None rather than
	// falling back to an unrelated transport.
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "bob", Host: "10.2.2.2", Port: 5060, UriParams: sip.NewParams(), Headers: sip.NewParams()})
	err = ClientRequestBuild(c, req)
	require.Error(t, err)
	require.ErrorIs(t, err, transport.ErrNoMatchingTransport)
}

func BenchmarkClientTransactionRequestBuild(b *testing.B) {
	ua, err := NewUA()
	require.Nil(b, err)

	c, err := NewClient(ua, WithClientHostname("10.0.0.0"))
	require.Nil(b, err)

	for i := 0; i < b.N; i++ {
		req := sip.NewRequest(sip.INVITE, sip.Uri{User: "test", Host: "localhost"})
		ClientRequestBuild(c, req)
	}
}
