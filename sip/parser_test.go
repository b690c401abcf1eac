package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawInvite() []byte {
	return []byte(strings.Join([]string{
		"INVITE sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"Max-Forwards: 70",
		"To: Bob <sip:bob@biloxi.com>",
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
		"Call-ID: a84b4c76e66710@pc33.atlanta.com",
		"CSeq: 314159 INVITE",
		"Contact: <sip:alice@pc33.atlanta.com>",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n"))
}

func TestParseMessageRequest(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "biloxi.com", req.Recipient.Host)

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.com", callID)

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(314159), cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	from, ok := req.FromValue()
	require.True(t, ok)
	assert.Equal(t, "Alice", from.DisplayName)
	tag, ok := from.Tag()
	require.True(t, ok)
	assert.Equal(t, "1928301774", tag)
}

func TestParseMessageResponse(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf",
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
		"Call-ID: a84b4c76e66710@pc33.atlanta.com",
		"CSeq: 314159 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n"))

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, resp.IsSuccess())
}

func TestRequestTransactionID(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)
	req := msg.(*Request)

	id, err := req.TransactionID()
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bK776asdhds:INVITE", id)
}

func TestAckSharesInviteTransactionID(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)
	req := msg.(*Request)

	ack := NewRequest(ACK, *req.Recipient.Clone())
	via := req.headers.Get("via")
	ack.headers.Append(&Header{Name: via.Name, Values: []string{via.Values[0]}})

	id, err := ack.TransactionID()
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bK776asdhds:INVITE", id)
}

func TestCreateResponseCopiesDialogHeaders(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)
	req := msg.(*Request)

	resp := req.CreateResponse(StatusRinging, "Ringing")
	assert.Equal(t, 180, resp.StatusCode)

	reqCallID, _ := req.CallID()
	respCallID, _ := resp.CallID()
	assert.Equal(t, reqCallID, respCallID)

	to, ok := resp.ToValue()
	require.True(t, ok)
	_, hasTag := to.Tag()
	assert.True(t, hasTag, "180 response must carry a To tag")

	assert.Len(t, resp.headers.GetAll("via"), 1)
}

func TestCreateCancelRequest(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)
	req := msg.(*Request)

	cancel, err := req.CreateCancelRequest()
	require.NoError(t, err)
	assert.Equal(t, CANCEL, cancel.Method)

	cseq, ok := cancel.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(314159), cseq.SeqNo)
	assert.Equal(t, CANCEL, cseq.MethodName)

	reqCallID, _ := req.CallID()
	cancelCallID, _ := cancel.CallID()
	assert.Equal(t, reqCallID, cancelCallID)
}

func TestSerializeRewritesContentLength(t *testing.T) {
	req := NewRequest(MESSAGE, Uri{Scheme: "sip", Host: "atlanta.com"})
	req.SetBody([]byte("hello"))
	req.headers.Set("Content-Length", "0")

	out := req.String()
	assert.True(t, strings.Contains(out, "Content-Length: 5"))
}
