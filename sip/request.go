package sip

import (
	"fmt"
	"io"
	"strings"
)

// Request is a SIP request message: a request line (method, request-URI,
// version) plus the common Message fields.
type Request struct {
	message

	Method     RequestMethod
	Recipient  Uri
	SipVersion string
}

// NewRequest builds an empty request addressed to recipient.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	return &Request{
		message:    newMessage(),
		Method:     method,
		Recipient:  recipient,
		SipVersion: "SIP/2.0",
	}
}

// IsAck reports whether this is an ACK request, which the transport layer
// sends directly rather than through a client transaction.
func (r *Request) IsAck() bool {
	return r.Method == ACK
}

// IsCancel reports whether this is a CANCEL request.
func (r *Request) IsCancel() bool {
	return r.Method == CANCEL
}

// IsInvite reports whether this request starts an INVITE transaction,
// which uses its own three-way-handshake state machine per RFC 3261
// section 17.1.1/17.2.1.
func (r *Request) IsInvite() bool {
	return r.Method == INVITE
}

// TransactionID derives the key this request correlates to. ACK requests
// key to their associated INVITE transaction rather than their own method,
// matching RFC 3261 section 17.1.1.3.
func (r *Request) TransactionID() (string, error) {
	via, ok := r.Via()
	if !ok {
		return "", fmt.Errorf("%w: missing Via header", ErrMissingHeader)
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return "", fmt.Errorf("%w: missing Via branch parameter", ErrMissingHeader)
	}

	method := r.Method
	if method == ACK {
		method = INVITE
	}
	return transactionKey(branch, method)
}

// CreateResponse builds a response to this request with the given status
// code and reason, copying the headers RFC 3261 section 8.2.6.2 requires be
// echoed back: Via (all of them), From, To (adding a tag if absent and the
// status is not 100), Call-ID, CSeq, and Record-Route when the request
// carried one.
func (r *Request) CreateResponse(statusCode int, reasonPhrase string) *Response {
	resp := &Response{
		message:      newMessage(),
		SipVersion:   r.SipVersion,
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
	}

	for _, h := range r.headers.GetAll("via") {
		resp.headers.Append(&Header{Name: h.Name, Values: append([]string(nil), h.Values...), Special: h.Special})
	}
	if h := r.headers.Get("record-route"); h != nil {
		resp.headers.Append(&Header{Name: h.Name, Values: append([]string(nil), h.Values...), Special: h.Special})
	}
	if h := r.headers.Get("from"); h != nil {
		resp.headers.Set("From", h.Value())
	}
	if h := r.headers.Get("call-id"); h != nil {
		resp.headers.Set("Call-ID", h.Value())
	}
	if h := r.headers.Get("cseq"); h != nil {
		resp.headers.Set("CSeq", h.Value())
	}

	toVal := r.headers.Get("to")
	toStr := ""
	if toVal != nil {
		toStr = toVal.Value()
	}
	if statusCode > 100 {
		if tv, err := ParseContactValue(toStr); err == nil {
			if _, hasTag := tv.Tag(); !hasTag {
				tv.Params.Add("tag", GenerateTag())
				toStr = tv.String()
			}
		}
	}
	resp.headers.Set("To", toStr)

	resp.headers.Set("Content-Length", "0")
	resp.SetTransport(r.Transport())
	resp.SetSource(r.Destination())
	resp.SetDestination(r.Source())
	return resp
}

// CreateCancelRequest builds the CANCEL request for this (INVITE) request,
// per RFC 3261 section 9.1: same Request-URI, same Call-ID/To/From/Via, a
// CSeq with the same sequence number and the CANCEL method, and no body.
func (r *Request) CreateCancelRequest() (*Request, error) {
	if !r.IsInvite() {
		return nil, fmt.Errorf("%w: CANCEL may only be built for an INVITE", ErrProtocolViolation)
	}

	cseq, ok := r.CSeq()
	if !ok {
		return nil, fmt.Errorf("%w: missing CSeq", ErrMissingHeader)
	}

	cancel := NewRequest(CANCEL, *r.Recipient.Clone())
	if h := r.headers.Get("via"); h != nil {
		cancel.headers.Append(&Header{Name: h.Name, Values: []string{h.Values[0]}, Special: h.Special})
	}
	if h := r.headers.Get("from"); h != nil {
		cancel.headers.Set("From", h.Value())
	}
	if h := r.headers.Get("to"); h != nil {
		cancel.headers.Set("To", h.Value())
	}
	if h := r.headers.Get("call-id"); h != nil {
		cancel.headers.Set("Call-ID", h.Value())
	}
	cancel.headers.Set("CSeq", CSeqValue{SeqNo: cseq.SeqNo, MethodName: CANCEL}.String())
	if h := r.headers.Get("max-forwards"); h != nil {
		cancel.headers.Set("Max-Forwards", h.Value())
	} else {
		cancel.headers.Set("Max-Forwards", "70")
	}
	cancel.headers.Set("Content-Length", "0")
	cancel.SetTransport(r.Transport())
	cancel.SetDestination(r.Destination())
	return cancel, nil
}

// NewCancelRequest builds the CANCEL request for an INVITE client
// transaction. It wraps CreateCancelRequest for callers (the transaction
// layer) that only deal with well-formed INVITE requests and have no
// sensible recovery if construction fails.
func NewCancelRequest(invite *Request) *Request {
	cancel, err := invite.CreateCancelRequest()
	if err != nil {
		cancel = NewRequest(CANCEL, *invite.Recipient.Clone())
		cancel.SetTransport(invite.Transport())
		cancel.SetDestination(invite.Destination())
	}
	return cancel
}

// NewAckRequest builds an ACK for invite answered by response, copying the
// INVITE's topmost Via (branch included). The client transaction uses it for
// a non-2xx final response (RFC 3261 section 17.1.1.3), and
// DialogClientSession.Ack uses it for the ACK that answers a 2xx.
func NewAckRequest(invite *Request, response *Response, body []byte) *Request {
	ack := NewRequest(ACK, *invite.Recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if h := invite.headers.Get("via"); h != nil {
		ack.headers.Append(&Header{Name: h.Name, Values: []string{h.Values[0]}, Special: h.Special})
	}

	if routes := invite.headers.GetAll("route"); len(routes) > 0 {
		for _, h := range routes {
			ack.headers.Append(&Header{Name: h.Name, Values: append([]string(nil), h.Values...), Special: h.Special})
		}
	} else if rr := response.headers.Get("record-route"); rr != nil {
		for i := len(rr.Values) - 1; i >= 0; i-- {
			ack.headers.Append(NewHeader("Route", rr.Values[i]))
		}
	}

	ack.headers.Set("Max-Forwards", "70")
	if h := invite.headers.Get("from"); h != nil {
		ack.headers.Set("From", h.Value())
	}
	if h := response.headers.Get("to"); h != nil {
		ack.headers.Set("To", h.Value())
	}
	if h := invite.headers.Get("call-id"); h != nil {
		ack.headers.Set("Call-ID", h.Value())
	}

	if cseq, ok := invite.CSeq(); ok {
		ack.headers.Set("CSeq", CSeqValue{SeqNo: cseq.SeqNo, MethodName: ACK}.String())
	}

	ack.SetBody(body)
	ack.SetTransport(invite.Transport())
	ack.SetDestination(invite.Destination())
	return ack
}

func (r *Request) StartLine() string {
	return fmt.Sprintf("%s %s %s", r.Method, r.Recipient.String(), r.SipVersion)
}

func (r *Request) Short() string {
	cid, _ := r.CallID()
	return fmt.Sprintf("request(%s %s) call-id=%s", r.Method, r.Recipient.String(), cid)
}

func (r *Request) String() string {
	var b strings.Builder
	r.StringWrite(&b)
	return b.String()
}

func (r *Request) StringWrite(b io.StringWriter) {
	r.headers.Set("Content-Length", fmt.Sprintf("%d", len(r.body)))
	b.WriteString(r.StartLine())
	b.WriteString("\r\n")
	r.headers.StringWrite(b)
	b.WriteString("\r\n")
	if r.body != nil {
		b.WriteString(string(r.body))
	}
}
