package sip

import (
	"fmt"
	"io"
	"strings"
)

// RequestMethod is a SIP request method token.
type RequestMethod string

const (
	INVITE      RequestMethod = "INVITE"
	REGISTER    RequestMethod = "REGISTER"
	ACK         RequestMethod = "ACK"
	CANCEL      RequestMethod = "CANCEL"
	BYE         RequestMethod = "BYE"
	OPTIONS     RequestMethod = "OPTIONS"
	INFO        RequestMethod = "INFO"
	NOTIFY      RequestMethod = "NOTIFY"
	SUBSCRIBE   RequestMethod = "SUBSCRIBE"
	UNSUBSCRIBE RequestMethod = "UNSUBSCRIBE"
	UPDATE      RequestMethod = "UPDATE"
	MESSAGE     RequestMethod = "MESSAGE"
	REFER       RequestMethod = "REFER"
	PRACK       RequestMethod = "PRACK"
	PUBLISH     RequestMethod = "PUBLISH"
)

func (m RequestMethod) String() string {
	return string(m)
}

// Message is the common contract shared by Request and Response: a header
// collection, a body, and the transport-level addressing the router and
// transaction layer attach to an inbound or outbound message.
type Message interface {
	Headers() *HeaderCollection
	Body() []byte
	SetBody(b []byte)
	ContentLength() int
	String() string
	StringWrite(b io.StringWriter)

	Transport() string
	SetTransport(t string)
	Source() string
	SetSource(addr string)
	Destination() string
	SetDestination(addr string)

	Via() (ViaValue, bool)
	CallID() (string, bool)
	CSeq() (CSeqValue, bool)
	FromValue() (ContactValue, bool)
	ToValue() (ContactValue, bool)

	// TransactionID returns the key used to correlate this message with a
	// client or server transaction, derived from the topmost Via branch. A
	// branch without the RFC 3261 magic cookie is an error; no RFC 2543
	// composite key is built for such peers.
	TransactionID() (string, error)
}

// message holds the fields common to Request and Response.
type message struct {
	headers     *HeaderCollection
	body        []byte
	transport   string
	source      string
	destination string
}

func newMessage() message {
	return message{headers: NewHeaderCollection()}
}

func (m *message) Headers() *HeaderCollection { return m.headers }
func (m *message) Body() []byte               { return m.body }
func (m *message) SetBody(b []byte)           { m.body = b }

func (m *message) ContentLength() int {
	return len(m.body)
}

func (m *message) Transport() string        { return m.transport }
func (m *message) SetTransport(t string)     { m.transport = t }
func (m *message) Source() string           { return m.source }
func (m *message) SetSource(addr string)    { m.source = addr }
func (m *message) Destination() string      { return m.destination }
func (m *message) SetDestination(addr string) { m.destination = addr }

func (m *message) Via() (ViaValue, bool) {
	h := m.headers.Get("via")
	if h == nil {
		return ViaValue{}, false
	}
	v, err := ParseViaValue(h.Value())
	if err != nil {
		return ViaValue{}, false
	}
	return v, true
}

func (m *message) CallID() (string, bool) {
	h := m.headers.Get("call-id")
	if h == nil {
		return "", false
	}
	return h.Value(), true
}

func (m *message) CSeq() (CSeqValue, bool) {
	h := m.headers.Get("cseq")
	if h == nil {
		return CSeqValue{}, false
	}
	v, err := ParseCSeqValue(h.Value())
	if err != nil {
		return CSeqValue{}, false
	}
	return v, true
}

func (m *message) FromValue() (ContactValue, bool) {
	h := m.headers.Get("from")
	if h == nil {
		return ContactValue{}, false
	}
	v, err := ParseContactValue(h.Value())
	if err != nil {
		return ContactValue{}, false
	}
	return v, true
}

func (m *message) ToValue() (ContactValue, bool) {
	h := m.headers.Get("to")
	if h == nil {
		return ContactValue{}, false
	}
	v, err := ParseContactValue(h.Value())
	if err != nil {
		return ContactValue{}, false
	}
	return v, true
}

// transactionKey derives the correlation key RFC 3261 section 17.1.3 and
// 17.2.3 describe: the topmost Via branch together with the method the
// transaction was created for. ACK belonging to a non-2xx response shares
// its INVITE transaction's key, so callers pass "INVITE" as method when
// keying an ACK.
func transactionKey(branch string, method RequestMethod) (string, error) {
	if !strings.HasPrefix(branch, RFC3261BranchMagicCookie) {
		return "", fmt.Errorf("%w: missing RFC 3261 branch magic cookie", ErrMissingHeader)
	}
	return branch + ":" + string(method), nil
}

// MessageShortString renders a one-line summary of msg for log lines.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "unknown message"
}
