package sip

import (
	"fmt"
	"io"
	"strings"
)

// Status codes used by the transaction and dialog layers directly; full
// RFC 3261 section 21 coverage is out of scope.
const (
	StatusTrying                      = 100
	StatusRinging                     = 180
	StatusOK                          = 200
	StatusMovedTemporarily            = 302
	StatusBadRequest                  = 400
	StatusUnauthorized                = 401
	StatusProxyAuthRequired           = 407
	StatusRequestTimeout              = 408
	StatusCallTransactionDoesNotExist = 481
	StatusRequestTerminated           = 487
	StatusServerInternalError         = 500
	StatusServiceUnavailable          = 503
	StatusVersionNotSupported         = 505
)

// Response is a SIP response message: a status line plus the common
// Message fields.
type Response struct {
	message

	SipVersion   string
	StatusCode   int
	ReasonPhrase string
}

// NewResponse builds an empty response.
func NewResponse(statusCode int, reasonPhrase string) *Response {
	return &Response{
		message:      newMessage(),
		SipVersion:   "SIP/2.0",
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
	}
}

// IsProvisional reports whether this is a 1xx response.
func (r *Response) IsProvisional() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// IsSuccess reports whether this is a 2xx response.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports whether this is a 3xx response.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// IsClientError, IsServerError and IsGlobalError classify 4xx/5xx/6xx
// final responses.
func (r *Response) IsClientError() bool { return r.StatusCode >= 400 && r.StatusCode < 500 }
func (r *Response) IsServerError() bool { return r.StatusCode >= 500 && r.StatusCode < 600 }
func (r *Response) IsGlobalError() bool { return r.StatusCode >= 600 && r.StatusCode < 700 }

// IsFinal reports whether this response terminates a transaction's
// provisional phase (everything other than 1xx).
func (r *Response) IsFinal() bool {
	return !r.IsProvisional()
}

// IsAck reports whether this response belongs to an ACK's own (unusual but
// legal) transaction, keyed off CSeq rather than the response itself ever
// carrying a method.
func (r *Response) IsAck() bool {
	cseq, ok := r.CSeq()
	return ok && cseq.MethodName == ACK
}

// IsCancel reports whether this response answers a CANCEL request.
func (r *Response) IsCancel() bool {
	cseq, ok := r.CSeq()
	return ok && cseq.MethodName == CANCEL
}

// TransactionID derives the key this response correlates to: the topmost
// Via branch plus the CSeq method, mirroring the client transaction's own
// key so an inbound response can be routed to the transaction that sent
// the request.
func (r *Response) TransactionID() (string, error) {
	via, ok := r.Via()
	if !ok {
		return "", fmt.Errorf("%w: missing Via header", ErrMissingHeader)
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return "", fmt.Errorf("%w: missing Via branch parameter", ErrMissingHeader)
	}

	cseq, ok := r.CSeq()
	if !ok {
		return "", fmt.Errorf("%w: missing CSeq header", ErrMissingHeader)
	}
	return transactionKey(branch, cseq.MethodName)
}

func (r *Response) StartLine() string {
	return fmt.Sprintf("%s %d %s", r.SipVersion, r.StatusCode, r.ReasonPhrase)
}

func (r *Response) Short() string {
	cid, _ := r.CallID()
	return fmt.Sprintf("response(%d %s) call-id=%s", r.StatusCode, r.ReasonPhrase, cid)
}

func (r *Response) String() string {
	var b strings.Builder
	r.StringWrite(&b)
	return b.String()
}

func (r *Response) StringWrite(b io.StringWriter) {
	r.headers.Set("Content-Length", fmt.Sprintf("%d", len(r.body)))
	b.WriteString(r.StartLine())
	b.WriteString("\r\n")
	r.headers.StringWrite(b)
	b.WriteString("\r\n")
	if r.body != nil {
		b.WriteString(string(r.body))
	}
}
