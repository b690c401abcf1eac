package sipcore

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"
	"github.com/sipforge/sipcore/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientTransactionRequester lets tests substitute their own transaction
// requester in place of the transaction layer's.
type ClientTransactionRequester interface {
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// Client sends requests on behalf of a UserAgent, filling in the headers
// RFC 3261 section 8.1.1 requires before handing the request to the
// transaction layer.
type Client struct {
	*UserAgent
	host  string
	port  int
	rport bool
	log   zerolog.Logger

	connAddr transport.Addr

	// TxRequester substitutes the transaction layer's own requester; used
	// by tests.
	TxRequester ClientTransactionRequester
}

type ClientOption func(c *Client) error

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientHostname sets the Via header's sent-by host.
func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) error {
		c.host = hostname
		return nil
	}
}

// WithClientPort sets the Via header's sent-by port.
func WithClientPort(port int) ClientOption {
	return func(c *Client) error {
		c.port = port
		return nil
	}
}

// WithClientAddr merges WithClientHostname and WithClientPort; addr is
// "host:port".
func WithClientAddr(addr string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(addr)
		if err != nil {
			return err
		}
		if err := WithClientHostname(host)(c); err != nil {
			return err
		}
		return WithClientPort(port)(c)
	}
}

// WithClientConnectionAddr pins the local address requests are sent from,
// stamped on req.SetSource so responses route back on the same socket.
func WithClientConnectionAddr(addr transport.Addr) ClientOption {
	return func(c *Client) error {
		c.connAddr = addr
		return nil
	}
}

// WithClientNAT marks the client as behind NAT, requesting rport per
// RFC 3581.
func WithClientNAT() ClientOption {
	return func(c *Client) error {
		c.rport = true
		return nil
	}
}

// NewClient builds a client handle bound to ua.
func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent: ua,
		host:      ua.host,
		log:       sip.DefaultLogger().With().Str("caller", "Client").Logger(),
	}

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) Hostname() string { return c.host }

// TransactionRequest fills in any missing mandatory headers and sends req
// through the transaction layer, returning the transaction.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.Method == sip.ACK {
		return nil, fmt.Errorf("ACK requests bypass the transaction layer; use WriteRequest")
	}

	if len(options) == 0 {
		options = []ClientRequestOption{ClientRequestBuild}
	}
	for _, o := range options {
		if err := o(c, req); err != nil {
			return nil, err
		}
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	return c.tx.Request(ctx, req)
}

// Do sends req and blocks for its final response, like an HTTP client's Do.
// Canceling ctx does not send a CANCEL for an INVITE; use the dialog API
// for that.
func (c *Client) Do(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	return waitFinalResponse(ctx, tx)
}

func waitFinalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, transaction.ErrTxTerminated
			}
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case err := <-tx.Errors():
			return nil, err
		case <-tx.Done():
			return nil, transaction.ErrTxTerminated
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DigestAuth carries the credentials used to answer a 401/407 challenge.
type DigestAuth struct {
	Username string
	Password string
}

// DoDigestAuth re-sends req with Authorization/Proxy-Authorization filled
// in from res's challenge, per RFC 3261 section 22.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	return waitFinalResponse(ctx, tx)
}

// TransactionDigestAuth builds the challenge response and sends it,
// returning the new transaction.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	headerName := "WWW-Authenticate"
	credHeader := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
		credHeader = "Proxy-Authorization"
	}

	return c.digestTransactionRequest(ctx, req, headerName, credHeader, res, auth)
}

func (c *Client) digestTransactionRequest(ctx context.Context, req *sip.Request, headerName, credHeader string, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	challengeHeader := res.Headers().Get(headerName)
	if challengeHeader == nil {
		return nil, fmt.Errorf("%s header not present on challenge response", headerName)
	}
	challenge, err := sip.ParseAuthenticateValue(challengeHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", headerName, err)
	}

	cred, err := sip.NewAuthorizationValue(challenge, req.Method.String(), req.Recipient.Addr(), auth.Username, auth.Password)
	if err != nil {
		return nil, fmt.Errorf("build digest response: %w", err)
	}

	req.Headers().Set(credHeader, cred.String())

	if err := ClientRequestIncreaseCSEQ(c, req); err != nil {
		return nil, err
	}
	req.Headers().Remove("Via")

	return c.TransactionRequest(ctx, req, ClientRequestAddVia)
}

// WriteRequest sends req directly to the transport layer, bypassing the
// transaction layer. Use this for ACK requests.
func (c *Client) WriteRequest(req *sip.Request, options ...ClientRequestOption) error {
	if len(options) == 0 {
		options = []ClientRequestOption{ClientRequestBuild}
	}
	for _, o := range options {
		if err := o(c, req); err != nil {
			return err
		}
	}

	if c.TxRequester != nil {
		_, err := c.TxRequester.Request(context.Background(), req)
		return err
	}
	return c.tp.WriteMsg(req)
}

// ClientRequestOption customizes a request before it is sent.
type ClientRequestOption func(c *Client, req *sip.Request) error

// ClientRequestBuild fills in missing mandatory headers per RFC 3261
// section 8.1.1: To, From, CSeq, Call-ID, Max-Forwards, Via. If req has no
// transport yet, it's resolved first via the Router (transport.Layer's
// SelectTransport) so Via reflects the transport that will actually carry
// the request.
func ClientRequestBuild(c *Client, req *sip.Request) error {
	if req.Transport() == "" {
		network, err := c.tp.SelectTransport(req)
		if err != nil {
			return fmt.Errorf("select transport for %s: %w", req.Recipient.String(), err)
		}
		req.SetTransport(strings.ToUpper(network))
	}

	if _, ok := req.Via(); !ok {
		req.Headers().Prepend(clientRequestCreateVia(c, req))
	}

	if _, ok := req.FromValue(); !ok {
		from := sip.ContactValue{
			DisplayName: c.name,
			Address: sip.Uri{
				Scheme: req.Recipient.Scheme,
				User:   c.name,
				Host:   firstNonEmpty(c.host, req.Recipient.Host),
			},
			Params: sip.NewParams(),
		}
		from.Params.Add("tag", sip.GenerateTagN(16))
		req.Headers().Set("From", from.String())
	}

	if _, ok := req.ToValue(); !ok {
		to := sip.ContactValue{
			Address: sip.Uri{
				Scheme: req.Recipient.Scheme,
				User:   req.Recipient.User,
				Host:   req.Recipient.Host,
				Port:   req.Recipient.Port,
			},
			Params: sip.NewParams(),
		}
		req.Headers().Set("To", to.String())
	}

	if _, ok := req.CallID(); !ok {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		req.Headers().Set("Call-ID", id.String())
	}

	if _, ok := req.CSeq(); !ok {
		req.Headers().Set("CSeq", sip.CSeqValue{SeqNo: sip.GenerateCSeqSeqNo(), MethodName: req.Method}.String())
	}

	if req.Headers().Get("max-forwards") == nil {
		req.Headers().Set("Max-Forwards", "70")
	}

	if c.connAddr.IP != nil {
		req.SetSource(c.connAddr.String())
	}

	return nil
}

// ClientRequestAddVia prepends a fresh Via header, used when forwarding a
// request as a proxy hop (RFC 3261 section 16.6).
func ClientRequestAddVia(c *Client, req *sip.Request) error {
	req.Headers().Prepend(clientRequestCreateVia(c, req))
	return nil
}

func clientRequestCreateVia(c *Client, req *sip.Request) *sip.Header {
	via := sip.ViaValue{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       req.Transport(),
		Host:            c.host,
		Port:            c.port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranchN(16))
	if c.rport {
		via.Params.Add("rport", "")
	}

	return sip.NewHeader("Via", via.String())
}

// ClientRequestAddRecordRoute adds a Record-Route header pointing back at
// this agent's own listener, per RFC 3261 section 16.
func ClientRequestAddRecordRoute(c *Client, req *sip.Request) error {
	network := transport.NetworkToLower(req.Transport())
	port := c.tp.GetListenPort(network)

	rr := sip.ContactValue{
		Address: sip.Uri{
			Host:      c.host,
			Port:      port,
			UriParams: sip.NewParams(),
		},
	}
	rr.Address.UriParams.Add("transport", network)
	rr.Address.UriParams.Add("lr", "")

	req.Headers().Prepend(sip.NewHeader("Record-Route", rr.String()))
	return nil
}

// ClientRequestDecreaseMaxForward decrements Max-Forwards, used when
// forwarding a request as a proxy; it refuses to forward once it reaches 0.
func ClientRequestDecreaseMaxForward(c *Client, req *sip.Request) error {
	h := req.Headers().Get("max-forwards")
	if h == nil {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(h.Value(), "%d", &n); err != nil {
		return fmt.Errorf("parse Max-Forwards: %w", err)
	}
	n--
	if n <= 0 {
		return fmt.Errorf("max forwards reached")
	}
	req.Headers().Set("Max-Forwards", fmt.Sprintf("%d", n))
	return nil
}

// ClientRequestIncreaseCSEQ bumps CSeq for a new transaction reusing an
// existing request (e.g. a digest-authenticated retry).
func ClientRequestIncreaseCSEQ(c *Client, req *sip.Request) error {
	cseq, ok := req.CSeq()
	if !ok {
		return fmt.Errorf("request has no CSeq header")
	}
	req.Headers().Set("CSeq", sip.CSeqValue{SeqNo: cseq.SeqNo + 1, MethodName: req.Method}.String())
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
